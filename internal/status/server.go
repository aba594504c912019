// Package status serves a read-only HTTP view of the running pipeline.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/announcer"
	"github.com/andresmejia3/firm/internal/capture"
	"github.com/andresmejia3/firm/internal/queue"
	"github.com/andresmejia3/firm/internal/worker"
)

// Providers are read on every request. Nil providers are left out of /stats.
type Providers struct {
	State     func() string
	Queue     func() queue.Stats
	Workers   func() worker.Stats
	Capture   func() capture.Stats
	Announcer func() announcer.Stats
	Cache     func() []string // identities inside the dedup window
	Registry  int
}

type CacheStats struct {
	Entries    int      `json:"entries"`
	Identities []string `json:"identities"`
}

type Snapshot struct {
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	RunID     string           `json:"run_id"`
	State     string           `json:"state"`
	Uptime    string           `json:"uptime"`
	Registry  int              `json:"registry"`
	Queue     *queue.Stats     `json:"queue,omitempty"`
	Workers   *worker.Stats    `json:"workers,omitempty"`
	Capture   *capture.Stats   `json:"capture,omitempty"`
	Announcer *announcer.Stats `json:"announcer,omitempty"`
	Cache     *CacheStats      `json:"cache,omitempty"`
}

type Info struct {
	Name    string
	Version string
	RunID   string
}

type Server struct {
	info       Info
	providers  Providers
	startedAt  time.Time
	router     *chi.Mux
	httpServer *http.Server
	log        logrus.FieldLogger
}

func New(addr string, info Info, p Providers, log logrus.FieldLogger) *Server {
	r := chi.NewRouter()
	s := &Server{
		info:      info,
		providers: p,
		startedAt: time.Now(),
		router:    r,
		log:       log,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Get("/stats", s.stats)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Infof("Status endpoint listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": chiMiddleware.GetReqID(r.Context()),
		}).Debug("Status request")
	})
}

func (s *Server) state() string {
	if s.providers.State == nil {
		return "running"
	}
	return s.providers.State()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := s.state()
	code := http.StatusOK
	if state != "running" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"state": state})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Snapshot())
}

// Snapshot gathers every provider once.
func (s *Server) Snapshot() Snapshot {
	p := s.providers
	snap := Snapshot{
		Name:     s.info.Name,
		Version:  s.info.Version,
		RunID:    s.info.RunID,
		State:    s.state(),
		Uptime:   time.Since(s.startedAt).Truncate(time.Second).String(),
		Registry: p.Registry,
	}
	if p.Queue != nil {
		q := p.Queue()
		snap.Queue = &q
	}
	if p.Workers != nil {
		w := p.Workers()
		snap.Workers = &w
	}
	if p.Capture != nil {
		c := p.Capture()
		snap.Capture = &c
	}
	if p.Announcer != nil {
		a := p.Announcer()
		snap.Announcer = &a
	}
	if p.Cache != nil {
		ids := p.Cache()
		snap.Cache = &CacheStats{Entries: len(ids), Identities: ids}
	}
	return snap
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
