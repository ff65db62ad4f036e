// Package server exposes the local HTTP API: schedule status, manual
// triggering, cancellation, run history, health, and Prometheus metrics.
//
// The listener is meant for localhost or an internal network. There is no
// authentication layer here; put one in front if the address is reachable
// from elsewhere.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"primed/internal/schedule"
	"primed/internal/storage"
	"primed/pkg/logx"
)

// SchedulerAPI is the slice of the scheduler the handlers need.
type SchedulerAPI interface {
	Status(now time.Time) schedule.StatusView
	TriggerNow(jobID string) (schedule.DispatchResult, error)
	Cancel(jobID string) (schedule.CancelResult, error)
}

type Server struct {
	http   *http.Server
	log    logx.Logger
	sched  SchedulerAPI
	store  storage.Store // may be nil
	gath   prometheus.Gatherer
	cfgErr func() string // may be nil
}

type Config struct {
	Addr      string
	Scheduler SchedulerAPI
	Store     storage.Store
	Gatherer  prometheus.Gatherer
	Log       logx.Logger

	// ConfigError reports the last rejected reload, shown on the status
	// payload so operators can see why an edit did not take effect.
	ConfigError func() string
}

func New(cfg Config) *Server {
	s := &Server{
		log:    cfg.Log.With(logx.String("component", "http")),
		sched:  cfg.Scheduler,
		store:  cfg.Store,
		gath:   cfg.Gatherer,
		cfgErr: cfg.ConfigError,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	if s.gath != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gath, promhttp.HandlerOpts{}))
	}
	r.Route("/api/v1/schedule", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/jobs/{id}/run", s.handleRun)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/runs", s.handleRuns)
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := s.sched.Status(time.Now())
	if s.cfgErr != nil {
		view.ConfigError = s.cfgErr()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.sched.TriggerNow(id)
	switch {
	case errors.Is(err, schedule.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "unknown job: "+id)
	case errors.Is(err, schedule.ErrJobDisabled):
		writeError(w, http.StatusConflict, "job is disabled: "+id)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "result": res})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.sched.Cancel(id)
	switch {
	case errors.Is(err, schedule.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "unknown job: "+id)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run history storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be 1..200")
			return
		}
		limit = n
	}
	entries, err := s.store.RecentRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []storage.RunEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "runs": entries})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
