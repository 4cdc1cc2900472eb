// Package api exposes the read-only status surface and the cooperative
// control endpoints. All reads go straight through to the queue store; the
// server holds no state of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasveiga/grimoire/internal/queue"
	"github.com/lucasveiga/grimoire/internal/render"
)

// Server serves the dashboard and control API.
type Server struct {
	store  *queue.Store
	log    *zap.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(store *queue.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJob)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Post("/stop", s.handleStop)
		r.Post("/resume", s.handleResume)
		r.Get("/screenshot", s.handleScreenshot)
	})
	s.router = r
	return s
}

// Handler returns the router for mounting or testing.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the context is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Running       bool       `json:"running"`
	StopRequested bool       `json:"stop_requested"`
	Queued        int        `json:"queued"`
	Ready         int        `json:"ready"`
	Active        int        `json:"active"`
	Done          int        `json:"done"`
	Failed        int        `json:"failed"`
	Current       *queue.Job `json:"current,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	running, err := s.store.GetFlag(ctx, queue.FlagRunning, "1")
	if err != nil {
		s.storeError(w, err)
		return
	}
	stopReq, err := s.store.GetFlag(ctx, queue.FlagStopRequested, "0")
	if err != nil {
		s.storeError(w, err)
		return
	}

	resp := statusResponse{Running: running == "1", StopRequested: stopReq == "1"}
	counts := []struct {
		status queue.Status
		dst    *int
	}{
		{queue.StatusQueued, &resp.Queued},
		{queue.StatusActive, &resp.Active},
		{queue.StatusDone, &resp.Done},
		{queue.StatusFailed, &resp.Failed},
	}
	for _, c := range counts {
		n, err := s.store.CountByStatus(ctx, queue.KindCrawl, c.status)
		if err != nil {
			s.storeError(w, err)
			return
		}
		*c.dst = n
	}
	if resp.Ready, err = s.store.CountReady(ctx, queue.KindCrawl); err != nil {
		s.storeError(w, err)
		return
	}
	if resp.Current, err = s.store.LatestActive(ctx, queue.KindCrawl); err != nil {
		s.storeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	kind := queue.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = queue.KindCrawl
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.store.ListJobs(r.Context(), kind, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if events == nil {
		events = []queue.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.SetFlag(ctx, queue.FlagStopRequested, "1"); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.SetFlag(ctx, queue.FlagRunning, "0"); err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info("stop requested via api")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.SetFlag(ctx, queue.FlagRunning, "1"); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.SetFlag(ctx, queue.FlagStopRequested, "0"); err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info("resume requested via api")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	buf, err := render.LiveScreenshot(r.Context())
	if err != nil {
		http.Error(w, "screenshot failed", http.StatusBadGateway)
		return
	}
	if buf == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	s.log.Error("store read failed", zap.Error(err))
	http.Error(w, "store unavailable", http.StatusServiceUnavailable)
}
