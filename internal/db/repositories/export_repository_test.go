package repositories

import (
	"context"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

var jobCols = []string{
	"id", "requested_by", "format", "filters", "status", "error",
	"object_location", "checksum", "created_at", "completed_at",
}

func newExportRepo(t *testing.T) (*ExportJobRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewExportJobRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func pendingJobRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(jobCols).
		AddRow(id, "auditor@example.com", "csv", []byte(`{"actor":"admin@example.com"}`),
			"pending", nil, nil, nil, time.Now(), nil)
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateJob_AssignsIDAndPendingStatus(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("INSERT INTO export_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &models.ExportJob{
		RequestedBy: "auditor@example.com",
		Format:      models.ExportFormatCSV,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID == "" {
		t.Error("expected id to be assigned")
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestCreateJob_DBError(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("INSERT INTO export_jobs").
		WillReturnError(errDB)

	job := &models.ExportJob{RequestedBy: "a", Format: models.ExportFormatJSON}
	if err := repo.Create(context.Background(), job); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func TestGetJob_Found(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectQuery("SELECT .* FROM export_jobs WHERE id =").
		WithArgs("job-1").
		WillReturnRows(pendingJobRow("job-1"))

	job, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.ID != "job-1" {
		t.Fatalf("got %+v", job)
	}
	if job.Filters.Actor == nil || *job.Filters.Actor != "admin@example.com" {
		t.Errorf("filters not decoded: %+v", job.Filters)
	}
	if job.Error != nil || job.ObjectLocation != nil || job.CompletedAt != nil {
		t.Errorf("expected nil terminal fields on pending job: %+v", job)
	}
}

func TestGetJob_Missing(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectQuery("SELECT .* FROM export_jobs WHERE id =").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(jobCols))

	job, err := repo.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil, got %+v", job)
	}
}

func TestListJobs(t *testing.T) {
	repo, mock := newExportRepo(t)
	rows := sqlmock.NewRows(jobCols).
		AddRow("job-2", "a", "json", []byte(`{}`), "complete",
			nil, "exports/job-2.json", "abc123", time.Now(), time.Now()).
		AddRow("job-1", "a", "csv", []byte(`{}`), "failed",
			"source unavailable", nil, nil, time.Now().Add(-time.Hour), time.Now())
	mock.ExpectQuery("SELECT .* FROM export_jobs ORDER BY created_at DESC").
		WithArgs(20, 0).
		WillReturnRows(rows)

	jobs, err := repo.List(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ObjectLocation == nil || *jobs[0].ObjectLocation != "exports/job-2.json" {
		t.Errorf("object_location not decoded: %+v", jobs[0])
	}
	if jobs[1].Error == nil || *jobs[1].Error != "source unavailable" {
		t.Errorf("error not decoded: %+v", jobs[1])
	}
}

// ---------------------------------------------------------------------------
// ClaimNextPending
// ---------------------------------------------------------------------------

func TestClaimNextPending_LeasesJob(t *testing.T) {
	repo, mock := newExportRepo(t)
	rows := sqlmock.NewRows(jobCols).
		AddRow("job-1", "a", "ndjson", []byte(`{}`), "processing",
			nil, nil, nil, time.Now(), nil)
	mock.ExpectQuery("UPDATE export_jobs SET status .* FOR UPDATE SKIP LOCKED").
		WithArgs(models.JobStatusProcessing, models.JobStatusPending).
		WillReturnRows(rows)

	job, err := repo.ClaimNextPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.Status != models.JobStatusProcessing {
		t.Errorf("got %+v", job)
	}
}

func TestClaimNextPending_EmptyQueue(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectQuery("UPDATE export_jobs SET status").
		WillReturnRows(sqlmock.NewRows(jobCols))

	job, err := repo.ClaimNextPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil on empty queue, got %+v", job)
	}
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

func TestMarkComplete_FromProcessing(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("UPDATE export_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkComplete(context.Background(), "job-1", "exports/job-1.csv", "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkComplete_FromFailedRejected(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("UPDATE export_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkComplete(context.Background(), "job-1", "exports/job-1.csv", "deadbeef")
	if err == nil {
		t.Fatal("expected transition error, got nil")
	}
	if !strings.Contains(err.Error(), "illegal transition") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMarkFailed_FromProcessing(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("UPDATE export_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(context.Background(), "job-1", "blob upload failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkFailed_FromCompleteRejected(t *testing.T) {
	repo, mock := newExportRepo(t)
	mock.ExpectExec("UPDATE export_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.MarkFailed(context.Background(), "job-1", "too late"); err == nil {
		t.Fatal("expected transition error, got nil")
	}
}
