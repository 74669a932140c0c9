// Package exports exposes the export job lifecycle over HTTP: submit a
// filtered export, poll its status, and fetch a time-limited signed download
// URL once the archive is in blob storage.
package exports

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/export"
	"github.com/audit-ledger/audit-ledger/internal/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handlers bundles the export routes' dependencies.
type Handlers struct {
	orch *export.Orchestrator
}

// NewHandlers creates the export route handlers.
func NewHandlers(orch *export.Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// createRequest is the JSON body of POST /api/v1/exports. Filters use the
// same shape and semantics as event search.
type createRequest struct {
	RequestedBy string       `json:"requested_by"`
	Format      string       `json:"format"`
	Filters     filtersInput `json:"filters"`
}

type filtersInput struct {
	Actor    *string    `json:"actor"`
	Action   *string    `json:"action"`
	Resource *string    `json:"resource"`
	From     *time.Time `json:"from"`
	To       *time.Time `json:"to"`
}

// Create enqueues a new export job and returns it in pending status. The
// archive is built asynchronously; poll the job until it is complete.
func (h *Handlers) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	filters := models.EventFilters{
		Actor:    req.Filters.Actor,
		Action:   req.Filters.Action,
		Resource: req.Filters.Resource,
		From:     req.Filters.From,
		To:       req.Filters.To,
	}

	job, err := h.orch.CreateJob(c.Request.Context(), req.RequestedBy, models.ExportFormat(req.Format), filters)
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create export job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Get returns the current state of one export job.
func (h *Handlers) Get(c *gin.Context) {
	job, err := h.orch.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load export job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "export job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// List returns export jobs newest-first with limit/offset pagination.
func (h *Handlers) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset: must be a non-negative integer"})
			return
		}
		offset = n
	}

	jobs, err := h.orch.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list export jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Download returns a time-limited signed URL for a completed job's archive.
// Jobs that have not completed get a 409 so clients can distinguish "retry
// later" from "gone".
func (h *Handlers) Download(c *gin.Context) {
	url, err := h.orch.GetDownloadLink(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, export.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "export job or archive not found"})
	case errors.Is(err, export.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "export job has not completed"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign download link"})
	default:
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}
