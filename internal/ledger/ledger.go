// Package ledger implements the hash-chained, append-only audit ledger core:
// canonical event encoding, serialized appends with an in-memory chain tip,
// chain verification by replay, and filtered queries with cursor pagination.
//
// Append is the only operation requiring mutual exclusion. It holds a single
// exclusive lock across tip read, signature computation, and the durable
// insert, trading throughput for total-order correctness — two concurrent
// appenders must never both claim the same previous signature. Verification
// and search read committed rows directly and never take the append lock.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// EventStore is the durable storage contract the ledger builds on. The
// implementation must provide atomic single-row inserts and must reject any
// mutation of existing rows (the Postgres implementation in
// internal/db/repositories installs a trigger for this).
type EventStore interface {
	// Insert persists a fully formed event as a single atomic write.
	Insert(ctx context.Context, ev *models.AuditEvent) error

	// Tip returns the highest-sequence event, or ok=false on an empty chain.
	Tip(ctx context.Context) (ev *models.AuditEvent, ok bool, err error)

	// GetBySequence returns the event at seq, or nil when absent.
	GetBySequence(ctx context.Context, seq int64) (*models.AuditEvent, error)

	// ListRange returns up to limit events with sequence >= from, ascending.
	ListRange(ctx context.Context, from int64, limit int) ([]*models.AuditEvent, error)

	// Search returns up to limit events matching the filters with
	// sequence > after, ascending by sequence.
	Search(ctx context.Context, f models.EventFilters, after int64, limit int) ([]*models.AuditEvent, error)
}

// Ledger owns the append path of the chain. It is the only component that
// assigns sequence numbers and signatures.
type Ledger struct {
	store EventStore
	codec *Codec

	// mu serializes appends and guards the tip fields below.
	mu       sync.Mutex
	tipSeq   int64
	tipSig   string
	tipKnown bool
}

// New returns a Ledger over the given store. The chain tip is loaded lazily
// from storage on the first append, so construction never touches the
// database.
func New(store EventStore, codec *Codec) *Ledger {
	return &Ledger{store: store, codec: codec}
}

// Append validates and signs the input, assigns the next sequence number,
// and commits the event durably. It blocks while waiting for the append lock
// and for the storage write; callers impose their own deadlines via ctx.
//
// Any failure between lock acquisition and the confirmed storage commit
// leaves the in-memory tip exactly as it was, so a retry of the same logical
// append is always safe.
func (l *Ledger) Append(ctx context.Context, in *Input) (*models.AuditEvent, error) {
	if err := l.codec.Validate(in); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tipKnown {
		if err := l.loadTipLocked(ctx); err != nil {
			return nil, &AppendFailure{Err: err}
		}
	}

	ev := &models.AuditEvent{
		ID:       uuid.New().String(),
		Sequence: l.tipSeq + 1,
		// Microsecond precision survives a timestamptz round-trip, so the
		// signature recomputed from stored fields matches the stored one.
		Timestamp:         time.Now().UTC().Truncate(time.Microsecond),
		Actor:             in.Actor,
		ActorRole:         in.ActorRole,
		Action:            in.Action,
		Resource:          in.Resource,
		Before:            in.Before,
		After:             in.After,
		IPAddress:         in.IPAddress,
		UserAgent:         in.UserAgent,
		PreviousSignature: l.tipSig,
	}
	ev.Signature = l.codec.Signature(ev.PreviousSignature, ev)

	if err := l.store.Insert(ctx, ev); err != nil {
		// The insert may have failed because another process advanced the
		// chain (unique sequence violation). Re-derive the tip from storage
		// on the next append instead of trusting the cache.
		l.tipKnown = false
		return nil, &AppendFailure{Err: err}
	}

	l.tipSeq = ev.Sequence
	l.tipSig = ev.Signature
	return ev, nil
}

// Tip returns the current chain tip (sequence and signature). A sequence of
// -1 means the chain is empty.
func (l *Ledger) Tip(ctx context.Context) (int64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tipKnown {
		if err := l.loadTipLocked(ctx); err != nil {
			return 0, "", err
		}
	}
	return l.tipSeq, l.tipSig, nil
}

// loadTipLocked seeds the in-memory tip from the highest-sequence row. The
// cache is never trusted across a restart or a failed insert; storage is the
// single source of truth for the tip.
func (l *Ledger) loadTipLocked(ctx context.Context) error {
	tip, ok, err := l.store.Tip(ctx)
	if err != nil {
		return err
	}
	if !ok {
		l.tipSeq = -1
		l.tipSig = GenesisSignature
	} else {
		l.tipSeq = tip.Sequence
		l.tipSig = tip.Signature
	}
	l.tipKnown = true
	return nil
}
