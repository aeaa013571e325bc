package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/orchestrator"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// Runner starts and resumes orchestration runs.
type Runner interface {
	Start(ctx context.Context, in orchestrator.StartInput) (orchestrator.Outcome, error)
	Resume(ctx context.Context, in orchestrator.ResumeInput) (orchestrator.Outcome, error)
	Pending(ctx context.Context, threadID string) error
}

// Replayer reads notifications of threads this process no longer buffers.
type Replayer interface {
	Replay(ctx context.Context, threadID string, after int64) ([]event.Event, error)
}

// ExpertStore persists expert configs edited over the API.
type ExpertStore interface {
	SaveExpert(ctx context.Context, c expert.Config) error
}

// Deps are the collaborators of a Handler. Replayer, Store and Gatherer may
// be nil.
type Deps struct {
	Runner    Runner
	Hub       *event.Hub
	Replayer  Replayer
	Experts   *expert.Registry
	Store     ExpertStore
	Gatherer  prometheus.Gatherer
	Keepalive event.Keepalive
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	d      Deps
	runs   sync.WaitGroup
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps, logger *zap.Logger) *Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{d: d, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Thread-ID", "X-Run-ID"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(h.d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/chat", h.chat)
		r.Post("/resume", h.resume)
		r.Get("/threads/{id}/events", h.threadEvents)

		r.Get("/experts", h.listExperts)
		r.Put("/experts/{key}", h.saveExpert)
		r.Post("/experts/refresh", h.refreshExperts)
		r.Post("/experts/invalidate", h.invalidateExperts)
	})

	return r
}

// Wait blocks until every run started over the API has returned or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-experts"})
}

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	in := orchestrator.StartInput{ThreadID: req.ThreadID, UserID: req.UserID, Message: req.Message}
	h.stream(w, r, req.ThreadID, func(ctx context.Context, runID string) (orchestrator.Outcome, error) {
		in.RunID = runID
		return h.d.Runner.Start(ctx, in)
	})
}

type resumeRequest struct {
	ThreadID    string         `json:"thread_id"`
	Approved    bool           `json:"approved"`
	UpdatedPlan []session.Task `json:"updated_plan,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ThreadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "thread_id is required"})
		return
	}
	in := orchestrator.ResumeInput{
		ThreadID:    req.ThreadID,
		Approved:    req.Approved,
		UpdatedPlan: req.UpdatedPlan,
		MessageID:   req.MessageID,
	}

	if !req.Approved {
		out, err := h.d.Runner.Resume(context.WithoutCancel(r.Context()), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if err := h.d.Runner.Pending(r.Context(), req.ThreadID); err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, r, req.ThreadID, func(ctx context.Context, runID string) (orchestrator.Outcome, error) {
		in.RunID = runID
		return h.d.Runner.Resume(ctx, in)
	})
}

// stream starts run detached from the request and relays the thread's
// notifications as SSE until that run ends or the client leaves.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, threadID string, run func(ctx context.Context, runID string) (orchestrator.Outcome, error)) {
	s := h.d.Hub.Stream(threadID)
	after := s.LastSeq()
	runID := uuid.New().String()
	w.Header().Set("X-Thread-ID", threadID)
	w.Header().Set("X-Run-ID", runID)

	ctx := context.WithoutCancel(r.Context())
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if _, err := run(ctx, runID); err != nil {
			h.logger.Error("run failed", zap.String("thread", threadID), zap.String("run", runID), zap.Error(err))
			s.Emit(event.Error, event.ErrorData{Code: "run_failed", Message: "The request could not be processed.", Details: err.Error()})
			s.Emit(event.RunEnd, event.RunEndData{RunID: runID, Status: orchestrator.StatusFailed})
		}
	}()

	h.serve(w, r, s, after, runID)
}

func (h *Handler) threadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	after, err := lastEventID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event id"})
		return
	}

	if s, ok := h.d.Hub.Lookup(threadID); ok {
		h.serve(w, r, s, after, "")
		return
	}
	if h.d.Replayer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}

	events, err := h.d.Replayer.Replay(r.Context(), threadID, after)
	if err != nil {
		h.logger.Warn("replay thread", zap.String("thread", threadID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "replay unavailable"})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		if err := event.WriteFrame(w, ev); err != nil {
			h.logger.Debug("replay write", zap.String("thread", threadID), zap.Error(err))
			return
		}
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, s *event.Stream, after int64, runID string) {
	err := event.ServeSSE(r.Context(), w, s, after, runID, h.d.Keepalive)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		h.logger.Debug("client left stream", zap.String("thread", s.ThreadID()))
	default:
		h.logger.Warn("stream events", zap.String("thread", s.ThreadID()), zap.Error(err))
	}
}

// lastEventID reads the resume point from ?after= or the Last-Event-ID header.
func lastEventID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (h *Handler) listExperts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Experts.Catalog(r.Context()))
}

func (h *Handler) saveExpert(w http.ResponseWriter, r *http.Request) {
	if h.d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "expert store not configured"})
		return
	}
	var c expert.Config
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	c.Key = chi.URLParam(r, "key")
	if c.SystemInstructions == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "system_instructions is required"})
		return
	}
	if c.Name == "" {
		c.Name = c.Key
	}
	if err := h.d.Store.SaveExpert(r.Context(), c); err != nil {
		h.logger.Error("save expert", zap.String("expert", c.Key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := h.d.Experts.Refresh(r.Context()); err != nil {
		h.logger.Warn("refresh experts after save", zap.String("expert", c.Key), zap.Error(err))
	}
	h.logger.Info("expert saved", zap.String("expert", c.Key))
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) refreshExperts(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Experts.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (h *Handler) invalidateExperts(w http.ResponseWriter, r *http.Request) {
	h.d.Experts.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, orchestrator.ErrNotAwaitingApproval) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
