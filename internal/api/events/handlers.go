// Package events exposes the ledger's append, search, fetch, and verify
// operations over HTTP. Handlers translate transport concerns (JSON binding,
// query parsing, status codes) and delegate all semantics to internal/ledger.
package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/ledger"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// Handlers bundles the ledger components the event routes need.
type Handlers struct {
	ledger   *ledger.Ledger
	querier  *ledger.Querier
	verifier *ledger.Verifier
}

// NewHandlers creates the event route handlers.
func NewHandlers(l *ledger.Ledger, q *ledger.Querier, v *ledger.Verifier) *Handlers {
	return &Handlers{ledger: l, querier: q, verifier: v}
}

// appendRequest is the JSON body of POST /api/v1/events. Before and After are
// kept as raw JSON so arbitrary caller snapshots pass through byte-exact into
// the signed event.
type appendRequest struct {
	Actor     string          `json:"actor"`
	ActorRole string          `json:"actor_role"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
	IPAddress string          `json:"ip"`
	UserAgent string          `json:"user_agent"`
}

// Append commits a new event to the chain and returns it with its assigned
// sequence and signature. Request provenance defaults to the HTTP request's
// own client IP and User-Agent when the caller does not supply values.
func (h *Handlers) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.AppendsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	in := &ledger.Input{
		Actor:     req.Actor,
		ActorRole: req.ActorRole,
		Action:    req.Action,
		Resource:  req.Resource,
		Before:    req.Before,
		After:     req.After,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if in.IPAddress == "" {
		in.IPAddress = c.ClientIP()
	}
	if in.UserAgent == "" {
		in.UserAgent = c.Request.UserAgent()
	}

	start := time.Now()
	ev, err := h.ledger.Append(c.Request.Context(), in)
	telemetry.AppendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			telemetry.AppendsTotal.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		telemetry.AppendsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append failed"})
		return
	}

	telemetry.AppendsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusCreated, ev)
}

// Search returns a page of events matching the conjunctive query filters,
// ordered by sequence ascending.
func (h *Handlers) Search(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: must be a non-negative integer"})
			return
		}
	}

	page, err := h.querier.Search(c.Request.Context(), filters, c.Query("cursor"), limit)
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get returns the single event at the given sequence.
func (h *Handlers) Get(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence: must be an integer"})
		return
	}

	ev, err := h.querier.Get(c.Request.Context(), seq)
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no event at that sequence"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Verify replays the chain (optionally bounded by from/to sequence numbers)
// and reports the result. Integrity failures are a 200 with is_valid=false;
// only storage trouble is an error.
func (h *Handlers) Verify(c *gin.Context) {
	var rng ledger.Range
	if raw := c.Query("from"); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: must be a non-negative integer"})
			return
		}
		rng.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || to < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: must be a non-negative integer"})
			return
		}
		rng.To = &to
	}
	if rng.From != nil && rng.To != nil && *rng.To < *rng.From {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range: to must not be less than from"})
		return
	}

	res, err := h.verifier.Verify(c.Request.Context(), rng)
	if err != nil {
		telemetry.ChainVerificationsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed: " + err.Error()})
		return
	}

	if res.IsValid {
		telemetry.ChainVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		telemetry.ChainVerificationsTotal.WithLabelValues("invalid").Inc()
	}
	c.JSON(http.StatusOK, res)
}

// parseFilters builds EventFilters from query parameters. Timestamps use
// RFC3339; from is inclusive, to exclusive.
func parseFilters(c *gin.Context) (models.EventFilters, error) {
	var f models.EventFilters

	if v := c.Query("actor"); v != "" {
		f.Actor = &v
	}
	if v := c.Query("action"); v != "" {
		f.Action = &v
	}
	if v := c.Query("resource"); v != "" {
		f.Resource = &v
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid from: must be an RFC3339 timestamp")
		}
		f.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid to: must be an RFC3339 timestamp")
		}
		f.To = &t
	}
	return f, nil
}
