// export_repository.go implements ExportJobRepository, the persistence layer
// of the export orchestrator's job state machine. Workers claim pending jobs
// with FOR UPDATE SKIP LOCKED so at most one worker processes a given job;
// terminal statuses are guarded in SQL so a job can never transition out of
// complete or failed.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

const jobColumns = `id, requested_by, format, filters, status, error, object_location, checksum, created_at, completed_at`

// ExportJobRepository handles export job database operations.
type ExportJobRepository struct {
	db *sqlx.DB
}

// NewExportJobRepository creates a new ExportJobRepository.
func NewExportJobRepository(db *sqlx.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

// Create persists a new job in pending status, assigning its id and
// creation time.
func (r *ExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	job.ID = uuid.New().String()
	job.CreatedAt = time.Now().UTC()
	job.Status = models.JobStatusPending

	filtersJSON, err := json.Marshal(job.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}

	query := `
		INSERT INTO export_jobs (id, requested_by, format, filters, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := r.db.ExecContext(ctx, query,
		job.ID, job.RequestedBy, job.Format, filtersJSON, job.Status, job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

// Get retrieves a job by id, or nil when absent.
func (r *ExportJobRepository) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return job, nil
}

// List returns jobs newest-first with limit/offset pagination. Job listing is
// an operational surface, not the audit trail, so offset pagination is fine
// here.
func (r *ExportJobRepository) List(ctx context.Context, limit, offset int) ([]*models.ExportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.ExportJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextPending atomically leases the oldest pending job, transitioning it
// to processing. Returns nil when no pending job exists. SKIP LOCKED lets a
// worker pool poll concurrently without serializing on the queue head.
func (r *ExportJobRepository) ClaimNextPending(ctx context.Context) (*models.ExportJob, error) {
	query := `
		UPDATE export_jobs SET status = $1
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE status = $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, models.JobStatusProcessing, models.JobStatusPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim export job: %w", err)
	}
	return job, nil
}

// MarkComplete records the uploaded object and transitions the job to
// complete. Re-completing an already complete job is accepted and harmless:
// the object key is deterministic, so a lease race produces the same blob.
// A failed job can never become complete.
func (r *ExportJobRepository) MarkComplete(ctx context.Context, id, objectLocation, checksum string) error {
	query := `
		UPDATE export_jobs
		SET status = $2, object_location = $3, checksum = $4, completed_at = $5, error = NULL
		WHERE id = $1 AND status IN ($6, $7)
	`

	res, err := r.db.ExecContext(ctx, query,
		id, models.JobStatusComplete, objectLocation, checksum, time.Now().UTC(),
		models.JobStatusProcessing, models.JobStatusComplete,
	)
	if err != nil {
		return fmt.Errorf("complete export job: %w", err)
	}
	return requireTransition(res, id, models.JobStatusComplete)
}

// MarkFailed records the error and transitions the job to failed. Only a
// processing job can fail; terminal states are never overwritten.
func (r *ExportJobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE export_jobs
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`

	res, err := r.db.ExecContext(ctx, query,
		id, models.JobStatusFailed, reason, time.Now().UTC(), models.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("fail export job: %w", err)
	}
	return requireTransition(res, id, models.JobStatusFailed)
}

func requireTransition(res sql.Result, id string, to models.JobStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("export job %s: illegal transition to %s", id, to)
	}
	return nil
}

func scanJob(row rowScanner) (*models.ExportJob, error) {
	job := &models.ExportJob{}
	var filtersJSON []byte
	var jobErr, location, checksum sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.RequestedBy,
		&job.Format,
		&filtersJSON,
		&job.Status,
		&jobErr,
		&location,
		&checksum,
		&job.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &job.Filters); err != nil {
			return nil, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	if jobErr.Valid {
		job.Error = &jobErr.String
	}
	if location.Valid {
		job.ObjectLocation = &location.String
	}
	if checksum.Valid {
		job.Checksum = &checksum.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}
