package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
	httpmw "github.com/mihaimyh/aitutor/middleware/http"
)

const (
	statusHealthy     = "healthy"
	statusUnavailable = "unavailable"

	eventDone  = "done"
	eventError = "error"
)

// Handler provides HTTP endpoints for the dispatch core
type Handler struct {
	core       *aitutor.Core
	classifier *aitutor.Classifier
	identity   func(http.Handler) http.Handler
	maxBody    int64
	logger     aitutor.Logger
}

// Routes returns a chi router serving every endpoint under /v1/ai.
// Health needs no caller identity; everything else passes through Identity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/v1/ai", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(h.identity)
			r.Post("/send", h.Send)
			r.Post("/stream", h.Stream)
			r.Post("/hint", h.Hint)
			r.Get("/quota", h.Quota)
			r.Post("/feedback", h.Feedback)
		})
	})
	return r
}

// Send dispatches a single-shot request and returns the Message
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.core.Send(r.Context(), req.Feature, req.Content, req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Stream dispatches a streamed request as server-sent events. Each chunk is
// a default "message" event carrying ChunkEvent; the stream ends with a
// "done" event carrying the Message or an "error" event carrying the AIError.
// Failures before the first byte (quota, rate limit, validation) are plain
// JSON errors with their mapped status.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	stream, err := h.core.Stream(r.Context(), req.Feature, req.Content, req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for chunk := range stream.Chunks() {
		if err := writeEvent(w, "", ChunkEvent{Text: chunk}); err != nil {
			// client went away; the request context is cancelled as well
			break
		}
		_ = rc.Flush()
	}

	msg, err := stream.Wait()
	if err != nil {
		aiErr := h.classifier.ClassifyContext(r.Context(), err)
		h.logFailure(r, aiErr)
		_ = writeEvent(w, eventError, map[string]*aitutor.AIError{"error": aiErr})
	} else {
		_ = writeEvent(w, eventDone, msg)
	}
	_ = rc.Flush()
}

// Hint returns a graded hint for a question
func (h *Handler) Hint(w http.ResponseWriter, r *http.Request) {
	var req HintRequest
	if !h.decode(w, r, &req) {
		return
	}
	hint, err := h.core.Hint(r.Context(), req.QuestionID, req.Level, req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HintResponse{QuestionID: req.QuestionID, Level: req.Level, Hint: hint})
}

// Quota returns the caller's quota status for the current period
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	status, err := h.core.GetCallerQuota(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Feedback records a rating for a previously returned message
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var entry aitutor.FeedbackEntry
	if !h.decode(w, r, &entry) {
		return
	}
	if err := h.core.SubmitFeedback(r.Context(), entry); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports provider liveness. An unhealthy provider is reported with
// 503 so load balancers can act on the status alone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.core.CheckHealth(r.Context()) {
		writeJSON(w, http.StatusOK, HealthResponse{Healthy: true, Status: statusHealthy})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Healthy: false, Status: statusUnavailable})
}

// decode reads a bounded JSON body into v, writing a VALIDATION_ERROR on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is empty")
	}
	h.writeError(w, r, h.classifier.New(r.Context(), aitutor.CodeValidationError, fmt.Errorf("decode body: %w", err)))
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	aiErr := h.classifier.ClassifyContext(r.Context(), err)
	h.logFailure(r, aiErr)
	httpmw.WriteError(w, aiErr)
}

func (h *Handler) logFailure(r *http.Request, aiErr *aitutor.AIError) {
	fields := []aitutor.Field{
		{Key: "path", Value: r.URL.Path},
		{Key: "requestId", Value: middleware.GetReqID(r.Context())},
		{Key: "code", Value: aiErr.Code},
		aitutor.ErrField(aiErr.Cause),
	}
	if aiErr.Code == aitutor.CodeServerError {
		h.logger.Error("request failed", fields...)
		return
	}
	h.logger.Debug("request rejected", fields...)
}

// logRequests logs method, path, status and duration of every request
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("request",
			aitutor.Field{Key: "method", Value: r.Method},
			aitutor.Field{Key: "path", Value: r.URL.Path},
			aitutor.Field{Key: "status", Value: ww.Status()},
			aitutor.Field{Key: "bytes", Value: ww.BytesWritten()},
			aitutor.Field{Key: "duration", Value: time.Since(start)},
			aitutor.Field{Key: "requestId", Value: middleware.GetReqID(r.Context())})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEvent writes one SSE event. An empty name writes a default "message" event.
func writeEvent(w io.Writer, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
