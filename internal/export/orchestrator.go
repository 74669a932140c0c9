// Package export implements asynchronous, filtered exports of the audit
// ledger to blob storage. Export requests become pending jobs in the
// database; a pool of workers claims jobs one at a time, streams the matching
// events through a format encoder, uploads the archive under a deterministic
// key, and records the terminal status. Consumers fetch the finished archive
// through a time-limited signed URL, never through the API process itself.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/ledger"
	"github.com/audit-ledger/audit-ledger/internal/safego"
	"github.com/audit-ledger/audit-ledger/internal/storage"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

var (
	// ErrNotFound reports that no export job exists for the given id, or that
	// its archive is gone from blob storage.
	ErrNotFound = errors.New("export job not found")

	// ErrNotReady reports that the job exists but has not completed, so no
	// download link can be issued yet.
	ErrNotReady = errors.New("export job not complete")
)

const (
	defaultWorkers      = 2
	defaultBatchSize    = 500
	defaultPollInterval = 5 * time.Second
	defaultLinkTTL      = 15 * time.Minute
)

// EventSource reads committed events in sequence order. Satisfied by the
// event repository.
type EventSource interface {
	Search(ctx context.Context, filters models.EventFilters, afterSeq int64, limit int) ([]*models.AuditEvent, error)
}

// JobStore persists export jobs and their state machine. Satisfied by the
// export job repository.
type JobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	Get(ctx context.Context, id string) (*models.ExportJob, error)
	List(ctx context.Context, limit, offset int) ([]*models.ExportJob, error)
	ClaimNextPending(ctx context.Context) (*models.ExportJob, error)
	MarkComplete(ctx context.Context, id, objectLocation, checksum string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LinkTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = defaultLinkTTL
	}
	return c
}

// Orchestrator owns the export worker pool and the job-facing operations the
// API exposes.
type Orchestrator struct {
	jobs   JobStore
	events EventSource
	blobs  storage.Storage
	cfg    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires an orchestrator; Start must be called before any
// pending job is picked up.
func NewOrchestrator(jobs JobStore, events EventSource, blobs storage.Storage, cfg Config) *Orchestrator {
	return &Orchestrator{
		jobs:   jobs,
		events: events,
		blobs:  blobs,
		cfg:    cfg.withDefaults(),
	}
}

// Start launches the worker pool. Workers poll for pending jobs and drain the
// queue on every tick.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		o.wg.Add(1)
		safego.Go(func() {
			defer o.wg.Done()
			o.runWorker(ctx, worker)
		})
	}
	slog.Info("export orchestrator started",
		"workers", o.cfg.Workers,
		"poll_interval", o.cfg.PollInterval,
	)
}

// Stop cancels the workers and waits for in-flight jobs to yield. A job
// interrupted mid-build stays in processing status; it is visible in the job
// list and can be re-queued operationally.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	slog.Info("export orchestrator stopped")
}

func (o *Orchestrator) runWorker(ctx context.Context, worker int) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.drainQueue(ctx, worker)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainQueue claims and processes pending jobs until the queue is empty or
// the context is canceled.
func (o *Orchestrator) drainQueue(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		job, err := o.jobs.ClaimNextPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("failed to claim export job", "worker", worker, "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		slog.Info("claimed export job", "worker", worker, "job_id", job.ID, "format", job.Format)
		o.ProcessJob(ctx, job)
	}
}

// ProcessJob builds and uploads the archive for a claimed job and records the
// terminal status. Cancellation mid-build leaves the job in processing status
// without counting it as failed. Terminal writes use a fresh context so a
// shutdown arriving after the upload cannot orphan a finished archive.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *models.ExportJob) {
	start := time.Now()

	location, sum, count, err := o.buildArchive(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("export interrupted by shutdown, job stays in processing",
				"job_id", job.ID)
			return
		}
		slog.Error("export job failed", "job_id", job.ID, "error", err)
		if ferr := o.jobs.MarkFailed(context.Background(), job.ID, err.Error()); ferr != nil {
			slog.Error("failed to record export failure", "job_id", job.ID, "error", ferr)
		}
		telemetry.ExportJobsTotal.WithLabelValues("failed").Inc()
		telemetry.ExportDuration.Observe(time.Since(start).Seconds())
		return
	}

	if err := o.jobs.MarkComplete(context.Background(), job.ID, location, sum); err != nil {
		slog.Error("failed to record export completion", "job_id", job.ID, "error", err)
		return
	}

	telemetry.ExportJobsTotal.WithLabelValues("complete").Inc()
	telemetry.ExportDuration.Observe(time.Since(start).Seconds())
	slog.Info("export job complete",
		"job_id", job.ID,
		"events", count,
		"location", location,
		"duration", time.Since(start),
	)
}

// buildArchive streams matching events through the format encoder in
// sequence-ordered batches and uploads the result. The object key is derived
// from the job id alone, so reprocessing the same job overwrites the same
// blob with identical content rather than accumulating duplicates.
func (o *Orchestrator) buildArchive(ctx context.Context, job *models.ExportJob) (location, checksum string, count int, err error) {
	var buf bytes.Buffer
	enc, err := newEncoder(job.Format, &buf)
	if err != nil {
		return "", "", 0, err
	}

	after := int64(-1)
	for {
		if err := ctx.Err(); err != nil {
			return "", "", 0, err
		}

		events, err := o.events.Search(ctx, job.Filters, after, o.cfg.BatchSize)
		if err != nil {
			return "", "", 0, fmt.Errorf("read events: %w", err)
		}
		for _, ev := range events {
			if err := enc.encode(ev); err != nil {
				return "", "", 0, fmt.Errorf("encode event %d: %w", ev.Sequence, err)
			}
		}
		count += len(events)
		if len(events) < o.cfg.BatchSize {
			break
		}
		after = events[len(events)-1].Sequence
	}

	if err := enc.flush(); err != nil {
		return "", "", 0, fmt.Errorf("finalize archive: %w", err)
	}

	key := fmt.Sprintf("exports/%s.%s", job.ID, job.Format.Extension())
	res, err := o.blobs.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", "", 0, fmt.Errorf("upload archive: %w", err)
	}
	return res.Path, res.Checksum, count, nil
}

// CreateJob validates and enqueues a new export request. The job is picked up
// by a worker on its next poll.
func (o *Orchestrator) CreateJob(ctx context.Context, requestedBy string, format models.ExportFormat, filters models.EventFilters) (*models.ExportJob, error) {
	if requestedBy == "" {
		return nil, &ledger.ValidationError{Field: "requested_by", Reason: "must not be empty"}
	}
	if !format.Valid() {
		return nil, &ledger.ValidationError{Field: "format", Reason: "must be one of csv, json, ndjson"}
	}

	job := &models.ExportJob{
		RequestedBy: requestedBy,
		Format:      format,
		Filters:     filters,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	slog.Info("export job created", "job_id", job.ID, "format", format, "requested_by", requestedBy)
	return job, nil
}

// GetJob returns the job with the given id, or nil when absent.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*models.ExportJob, error) {
	return o.jobs.Get(ctx, id)
}

// ListJobs returns jobs newest-first with limit/offset pagination.
func (o *Orchestrator) ListJobs(ctx context.Context, limit, offset int) ([]*models.ExportJob, error) {
	return o.jobs.List(ctx, limit, offset)
}

// GetDownloadLink issues a time-limited signed URL for a completed job's
// archive. Returns ErrNotFound when the job or its archive does not exist and
// ErrNotReady when the job has not completed.
func (o *Orchestrator) GetDownloadLink(ctx context.Context, id string) (string, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", ErrNotFound
	}
	if job.Status != models.JobStatusComplete {
		return "", ErrNotReady
	}
	if job.ObjectLocation == nil {
		return "", fmt.Errorf("export job %s: complete without object location", id)
	}

	url, err := o.blobs.GetURL(ctx, *job.ObjectLocation, o.cfg.LinkTTL)
	if errors.Is(err, storage.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sign download link: %w", err)
	}
	return url, nil
}
