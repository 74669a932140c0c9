// export_job.go defines the ExportJob model tracking asynchronous, filtered exports of
// the audit ledger to blob storage, and the shared EventFilters structure used by both
// search queries and export jobs.
package models

import "time"

// ExportFormat enumerates the supported export output formats.
type ExportFormat string

const (
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Valid reports whether f is one of the supported formats.
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatNDJSON:
		return true
	}
	return false
}

// Extension returns the file extension used for export object keys.
func (f ExportFormat) Extension() string {
	return string(f)
}

// ContentType returns the MIME type served for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// JobStatus enumerates the export job lifecycle states. The only legal
// transitions are pending → processing → {complete | failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// EventFilters is the fixed set of optional, conjunctive (AND) filters accepted
// by event search and copied verbatim into export jobs. A nil field means
// "no filter". Resource matches by prefix; From is inclusive, To exclusive.
type EventFilters struct {
	Actor    *string    `json:"actor,omitempty"`
	Action   *string    `json:"action,omitempty"`
	Resource *string    `json:"resource,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// ExportJob tracks one asynchronous export request from creation to a terminal
// state. Rows are effectively write-once after reaching a terminal status:
// the repository refuses transitions out of complete or failed.
type ExportJob struct {
	ID          string       `json:"id"`
	RequestedBy string       `json:"requested_by"`
	Format      ExportFormat `json:"format"`
	Filters     EventFilters `json:"filters"`
	Status      JobStatus    `json:"status"`

	// Error is set only when Status is failed.
	Error *string `json:"error,omitempty"`

	// ObjectLocation and Checksum are set only when Status is complete.
	// ObjectLocation is the blob store key; Checksum is the SHA-256 of the
	// uploaded object, recorded so the export can be integrity-checked later.
	ObjectLocation *string `json:"object_location,omitempty"`
	Checksum       *string `json:"checksum,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
