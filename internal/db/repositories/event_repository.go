// Package repositories implements Postgres-backed storage for audit events
// and export jobs. The audit_events table is write-once: a database trigger
// rejects UPDATE and DELETE, and this package deliberately exposes no
// mutating operations for committed events.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// uniqueViolation is the Postgres error code raised when the unique
// constraint on sequence rejects a concurrent writer's insert.
const uniqueViolation = pq.ErrorCode("23505")

// eventColumns is the canonical column list; every SELECT uses it so
// scanEvent stays in sync.
const eventColumns = `id, sequence, ts, actor, actor_role, action, resource, before_state, after_state, ip_address, user_agent, previous_signature, signature`

// EventRepository handles audit event database operations. It implements the
// ledger's EventStore contract.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert persists a fully formed event as a single atomic write. A unique
// violation on sequence means another writer advanced the chain first; the
// ledger treats any error here as a retryable append failure.
func (r *EventRepository) Insert(ctx context.Context, ev *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		ev.ID,
		ev.Sequence,
		ev.Timestamp,
		ev.Actor,
		ev.ActorRole,
		ev.Action,
		ev.Resource,
		ev.Before,
		ev.After,
		nullString(ev.IPAddress),
		nullString(ev.UserAgent),
		ev.PreviousSignature,
		ev.Signature,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("insert audit event: sequence %d already written by a concurrent appender: %w", ev.Sequence, err)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Tip returns the highest-sequence event, or ok=false on an empty chain.
func (r *EventRepository) Tip(ctx context.Context) (*models.AuditEvent, bool, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events ORDER BY sequence DESC LIMIT 1`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read chain tip: %w", err)
	}
	return ev, true, nil
}

// GetBySequence returns the event at seq, or nil when absent.
func (r *EventRepository) GetBySequence(ctx context.Context, seq int64) (*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE sequence = $1`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, query, seq))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %d: %w", seq, err)
	}
	return ev, nil
}

// ListRange returns up to limit events with sequence >= from, ascending.
func (r *EventRepository) ListRange(ctx context.Context, from int64, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// Search returns up to limit events matching the conjunctive filters with
// sequence > after, ascending by sequence.
func (r *EventRepository) Search(ctx context.Context, f models.EventFilters, after int64, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE sequence > $1`
	args := []interface{}{after}
	paramIndex := 2

	if f.Actor != nil {
		query += fmt.Sprintf(` AND actor = $%d`, paramIndex)
		args = append(args, *f.Actor)
		paramIndex++
	}

	if f.Action != nil {
		query += fmt.Sprintf(` AND action = $%d`, paramIndex)
		args = append(args, *f.Action)
		paramIndex++
	}

	if f.Resource != nil {
		query += fmt.Sprintf(` AND resource LIKE $%d ESCAPE '\'`, paramIndex)
		args = append(args, likePrefix(*f.Resource))
		paramIndex++
	}

	if f.From != nil {
		query += fmt.Sprintf(` AND ts >= $%d`, paramIndex)
		args = append(args, *f.From)
		paramIndex++
	}

	if f.To != nil {
		query += fmt.Sprintf(` AND ts < $%d`, paramIndex)
		args = append(args, *f.To)
		paramIndex++
	}

	query += fmt.Sprintf(` ORDER BY sequence ASC LIMIT $%d`, paramIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.AuditEvent, error) {
	ev := &models.AuditEvent{}
	var ip, ua sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.Sequence,
		&ev.Timestamp,
		&ev.Actor,
		&ev.ActorRole,
		&ev.Action,
		&ev.Resource,
		&ev.Before,
		&ev.After,
		&ip,
		&ua,
		&ev.PreviousSignature,
		&ev.Signature,
	)
	if err != nil {
		return nil, err
	}

	ev.IPAddress = ip.String
	ev.UserAgent = ua.String
	return ev, nil
}

func collectEvents(rows *sql.Rows) ([]*models.AuditEvent, error) {
	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// nullString maps "" to NULL so optional provenance fields stay nullable in
// the schema.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// likePrefix escapes LIKE metacharacters in a user-supplied prefix so the
// pattern matches literally.
func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}
