// Package handler exposes the quota-aware explanation API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"explaind/internal/explain"
	"explaind/internal/quota/models"
	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
	"explaind/pkg/platform/httputil"
	"explaind/pkg/requestcontext"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Service defines the explanation operations the handler exposes.
type Service interface {
	Explain(ctx context.Context, req explain.Request, onChunk func(string) error) (*explain.Response, error)
	Status(ctx context.Context, userID domain.UserID) (*models.QuotaSnapshot, error)
	History(ctx context.Context, userID domain.UserID, limit int) ([]*models.RequestLogEntry, error)
}

// Handler wires explanation endpoints to the explain service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs the handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/quota", h.HandleQuota)
	r.Post("/explain", h.HandleExplain)
	r.Get("/history", h.HandleHistory)
}

// HandleQuota handles GET /quota.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)

	snapshot, err := h.service.Status(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "quota status failed",
			"request_id", requestcontext.RequestID(ctx),
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

// HandleHistory handles GET /history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = min(v, maxHistoryLimit)
	}

	entries, err := h.service.History(ctx, userID, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "history lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.RequestLogEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// HandleExplain handles POST /explain. The response is a server-sent event
// stream: one "chunk" event per text increment, then a terminal "done"
// event carrying the settled totals and quota snapshot. Failures before the
// first chunk are plain JSON errors; failures after streaming started are
// delivered as an "error" event since the status line is already sent.
func (h *Handler) HandleExplain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)
	start := time.Now()

	req, err := httputil.DecodeJSON[ExplainRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "streaming unsupported"))
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}

	resp, err := h.service.Explain(ctx, explain.Request{
		UserID:  userID,
		Topic:   req.Topic,
		Context: req.Context,
	}, func(chunk string) error {
		return sse.event("chunk", ChunkEvent{Text: chunk})
	})
	if err != nil {
		h.logger.WarnContext(ctx, "explain request failed",
			"request_id", requestID,
			"user_id", userID,
			"streamed", sse.started,
			"error", err,
		)
		if !sse.started {
			httputil.WriteError(w, err)
			return
		}
		_ = sse.event("error", ErrorEvent{
			Error:       string(dErrors.CodeOf(err)),
			Description: err.Error(),
		})
		return
	}

	h.logger.InfoContext(ctx, "explanation generated",
		"request_id", requestID,
		"user_id", userID,
		"input_tokens", resp.Result.InputTokens,
		"output_tokens", resp.Result.OutputTokens,
		"truncated", resp.Result.Truncated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	_ = sse.event("done", SummaryFrom(resp))
}

// sseWriter lazily switches the response into an event stream on the first
// event so pre-stream failures can still use plain status codes.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) event(name string, v any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
