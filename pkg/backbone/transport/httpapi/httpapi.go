// Package httpapi exposes the bus over HTTP with gin.
//
// Routes:
//
//	POST /v1/events                     publish one event (202, 422, 503)
//	POST /v1/scheduled                  schedule an event for later emission
//	POST /v1/categories                 register a category
//	POST /v1/domains                    register a domain
//	GET  /v1/taxonomy                   current domains and categories
//	GET  /v1/deadletters                list dead-letter entries
//	GET  /v1/deadletters/:id            one dead-letter entry
//	POST /v1/deadletters/:id/replay     replay now, or later with ?at=
//	GET  /v1/lineage/:correlation_id    lineage chain of a correlation id
//	GET  /v1/stats                      backbone summary
//	GET  /health                        liveness
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/backbone/pkg/backbone/bus"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// Handler serves the HTTP API for one bus.
type Handler struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewHandler creates a Handler. A nil logger uses slog.Default().
func NewHandler(b *bus.Bus, logger *slog.Logger) *Handler {
	return &Handler{bus: b, logger: observability.ResolveLogger(logger)}
}

// NewRouter builds a gin engine with recovery, request logging and every
// route registered.
func NewRouter(b *bus.Bus, logger *slog.Logger) *gin.Engine {
	h := NewHandler(b, logger)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/events", h.Publish)
		v1.POST("/scheduled", h.Schedule)
		v1.POST("/categories", h.RegisterCategory)
		v1.POST("/domains", h.RegisterDomain)
		v1.GET("/taxonomy", h.Taxonomy)
		v1.GET("/deadletters", h.ListDeadLetters)
		v1.GET("/deadletters/:id", h.GetDeadLetter)
		v1.POST("/deadletters/:id/replay", h.ReplayDeadLetter)
		v1.GET("/lineage/:correlation_id", h.Lineage)
		v1.GET("/stats", h.Stats)
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// Publish handles POST /v1/events.
func (h *Handler) Publish(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	env, err := h.bus.PublishMap(c.Request.Context(), body)
	if err != nil {
		h.sendClass(c, err)
		return
	}
	c.JSON(http.StatusAccepted, env)
}

type scheduleRequest struct {
	DueAt time.Time      `json:"due_at" binding:"required"`
	Event map[string]any `json:"event" binding:"required"`
}

// Schedule handles POST /v1/scheduled.
func (h *Handler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := event.RawFromMap(req.Event)
	if err != nil {
		h.sendClass(c, bberrors.Validation("http", event.CodeMalformedInput, err.Error()))
		return
	}
	rec, err := h.bus.Schedule(c.Request.Context(), raw, req.DueAt)
	if err != nil {
		h.sendClass(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// RegisterCategory handles POST /v1/categories.
func (h *Handler) RegisterCategory(c *gin.Context) {
	var cat event.Category
	if err := c.ShouldBindJSON(&cat); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.bus.RegisterCategory(cat); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, event.ErrCategoryExists) {
			status = http.StatusConflict
		}
		sendError(c, status, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"category":         cat,
		"taxonomy_version": h.bus.Taxonomy().Version(),
	})
}

// RegisterDomain handles POST /v1/domains.
func (h *Handler) RegisterDomain(c *gin.Context) {
	var req struct {
		Domain event.Domain `json:"domain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.bus.RegisterDomain(req.Domain); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"domain":           req.Domain,
		"taxonomy_version": h.bus.Taxonomy().Version(),
	})
}

// Taxonomy handles GET /v1/taxonomy.
func (h *Handler) Taxonomy(c *gin.Context) {
	t := h.bus.Taxonomy()
	c.JSON(http.StatusOK, gin.H{
		"version":    t.Version(),
		"domains":    t.Domains(),
		"categories": t.Categories(),
	})
}

// ListDeadLetters handles GET /v1/deadletters.
//
// Query parameters: queue, class, include_replayed, limit.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	f := deadletter.Filter{QueueName: c.Query("queue")}
	if v := c.Query("class"); v != "" {
		class, err := bberrors.ParseClass(v)
		if err != nil {
			sendError(c, http.StatusBadRequest, err.Error())
			return
		}
		f.Class = class
	}
	if v := c.Query("include_replayed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendError(c, http.StatusBadRequest, "invalid include_replayed")
			return
		}
		f.IncludeReplayed = b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := h.bus.DeadLetters().List(c.Request.Context(), f)
	if err != nil {
		h.internal(c, "list dead letters", err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetDeadLetter handles GET /v1/deadletters/:id.
func (h *Handler) GetDeadLetter(c *gin.Context) {
	entry, err := h.bus.DeadLetters().Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, deadletter.ErrNotFound) {
		sendError(c, http.StatusNotFound, "dead-letter entry not found")
		return
	}
	if err != nil {
		h.internal(c, "get dead letter", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ReplayDeadLetter handles POST /v1/deadletters/:id/replay. Without ?at= the
// replay is published now and the new envelope returned. With ?at= (RFC 3339)
// it is scheduled through the outbox.
func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if v := c.Query("at"); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			sendError(c, http.StatusBadRequest, "invalid at: use RFC 3339")
			return
		}
		rec, err := h.bus.ScheduleReplay(ctx, id, at)
		if err != nil {
			h.sendReplayError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, rec)
		return
	}

	env, err := h.bus.Replay(ctx, id)
	if err != nil {
		h.sendReplayError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// Lineage handles GET /v1/lineage/:correlation_id.
func (h *Handler) Lineage(c *gin.Context) {
	corr := c.Param("correlation_id")
	edges, err := h.bus.Lineage(c.Request.Context(), corr)
	if err != nil {
		h.internal(c, "load lineage", err)
		return
	}
	if len(edges) == 0 {
		sendError(c, http.StatusNotFound, "no lineage for correlation id")
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlation_id": corr, "edges": edges})
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.bus.Stats(c.Request.Context())
	if err != nil {
		h.internal(c, "collect stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) sendReplayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		sendError(c, http.StatusNotFound, "dead-letter entry not found")
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		sendError(c, http.StatusConflict, "dead-letter entry already replayed")
	default:
		h.sendClass(c, err)
	}
}

// sendClass writes a classified failure. Unclassified errors are 500.
func (h *Handler) sendClass(c *gin.Context, err error) {
	ec, ok := bberrors.AsClass(err)
	if !ok {
		h.internal(c, "request failed", err)
		return
	}
	status := StatusFor(ec)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": ec})
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	sendError(c, http.StatusInternalServerError, msg)
}

// StatusFor maps an ErrorClass to an HTTP status.
func StatusFor(ec *bberrors.ErrorClass) int {
	switch ec.Class {
	case bberrors.ClassValidation:
		return http.StatusUnprocessableEntity
	case bberrors.ClassSecurity:
		return http.StatusForbidden
	case bberrors.ClassTransient, bberrors.ClassDependency:
		return http.StatusServiceUnavailable
	case bberrors.ClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func sendError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message}})
}
