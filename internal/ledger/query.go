// query.go implements filtered event search with cursor pagination. Cursors
// wrap the last returned sequence number rather than an offset, so pages stay
// stable while new events are appended behind the cursor.
package ledger

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

const (
	// DefaultPageSize is used when the caller supplies no limit.
	DefaultPageSize = 100
	// MaxPageSize caps any requested limit so unbounded queries never
	// materialize the table into memory.
	MaxPageSize = 1000
)

// Page is one page of search results. NextCursor is set only when more
// results exist beyond this page.
type Page struct {
	Events     []*models.AuditEvent `json:"events"`
	NextCursor string               `json:"next_cursor,omitempty"`
	HasMore    bool                 `json:"has_more"`
}

// Querier is the read-side query engine over committed events.
type Querier struct {
	store EventStore
}

// NewQuerier returns a Querier over the given store.
func NewQuerier(store EventStore) *Querier {
	return &Querier{store: store}
}

// Search returns events matching the conjunctive filters, ordered by
// sequence ascending. An empty result is a valid empty page, not an error.
func (q *Querier) Search(ctx context.Context, filters models.EventFilters, cursor string, limit int) (*Page, error) {
	after := int64(-1)
	if cursor != "" {
		var err error
		after, err = DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	// Fetch one extra row to detect whether another page exists.
	events, err := q.store.Search(ctx, filters, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Events[len(page.Events)-1].Sequence)
	}
	if page.Events == nil {
		page.Events = []*models.AuditEvent{}
	}
	return page, nil
}

// Get returns the event at the given sequence, or nil when absent.
func (q *Querier) Get(ctx context.Context, seq int64) (*models.AuditEvent, error) {
	if seq < 0 {
		return nil, &ValidationError{Field: "sequence", Reason: "must not be negative"}
	}
	return q.store.GetBySequence(ctx, seq)
}

// EncodeCursor produces an opaque cursor positioned after seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("v1:%d", seq)))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, &ValidationError{Field: "cursor", Reason: "malformed"}
	}
	var seq int64
	if _, err := fmt.Sscanf(string(raw), "v1:%d", &seq); err != nil || seq < 0 {
		return 0, &ValidationError{Field: "cursor", Reason: "malformed"}
	}
	return seq, nil
}
