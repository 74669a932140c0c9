package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// memStore is an in-memory EventStore used by the ledger tests. It mimics the
// Postgres contract: atomic inserts, a unique constraint on sequence, and no
// mutating operations on its public surface. Tests simulate tampering by
// reaching into the slice via mutate/remove, the moral equivalent of editing
// rows behind the database trigger's back.
type memStore struct {
	mu         sync.Mutex
	events     []*models.AuditEvent
	failInsert error
}

func (m *memStore) Insert(ctx context.Context, ev *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failInsert != nil {
		return m.failInsert
	}
	for _, e := range m.events {
		if e.Sequence == ev.Sequence {
			return fmt.Errorf("duplicate sequence %d", ev.Sequence)
		}
	}
	cp := *ev
	m.events = append(m.events, &cp)
	sort.Slice(m.events, func(i, j int) bool { return m.events[i].Sequence < m.events[j].Sequence })
	return nil
}

func (m *memStore) Tip(ctx context.Context) (*models.AuditEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) == 0 {
		return nil, false, nil
	}
	cp := *m.events[len(m.events)-1]
	return &cp, true, nil
}

func (m *memStore) GetBySequence(ctx context.Context, seq int64) (*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.Sequence == seq {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListRange(ctx context.Context, from int64, limit int) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditEvent
	for _, e := range m.events {
		if e.Sequence < from {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Search(ctx context.Context, f models.EventFilters, after int64, limit int) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditEvent
	for _, e := range m.events {
		if e.Sequence <= after || !matches(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func matches(e *models.AuditEvent, f models.EventFilters) bool {
	if f.Actor != nil && e.Actor != *f.Actor {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.Resource != nil && !strings.HasPrefix(e.Resource, *f.Resource) {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.Timestamp.Before(*f.To) {
		return false
	}
	return true
}

// mutate edits the stored event at seq in place, simulating direct storage
// manipulation that bypasses the WORM guard.
func (m *memStore) mutate(seq int64, fn func(*models.AuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.Sequence == seq {
			fn(e)
			return
		}
	}
}

// remove deletes the stored event at seq, simulating a dropped row.
func (m *memStore) remove(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.events {
		if e.Sequence == seq {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return
		}
	}
}
