// Package control exposes the daemon's local HTTP API: recommendations,
// feedback, queries over stored data and on-demand pipeline runs.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tracelearn/tracelearn/pkg/config"
	"github.com/tracelearn/tracelearn/pkg/feedback"
	"github.com/tracelearn/tracelearn/pkg/infer"
	"github.com/tracelearn/tracelearn/pkg/model"
	"github.com/tracelearn/tracelearn/pkg/store"
)

// Recommender serves scored labels for a context-feature vector.
type Recommender interface {
	Recommend(ctx context.Context, contextFeatures map[string]float64) ([]infer.Recommendation, error)
}

// FeedbackRecorder stores a user decision against a recommendation.
type FeedbackRecorder interface {
	Record(ctx context.Context, recommendationID string, decision feedback.Decision) (feedback.Record, error)
}

// JobTrigger requests an immediate run of a named background job.
type JobTrigger interface {
	Trigger(name string) error
}

// Promoter moves a trained candidate to active, subject to thresholds.
type Promoter interface {
	Promote(name, artifactID string, thresholds map[string]float64) (*model.Artifact, error)
}

// ConfigSource exposes the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// Server is the local control-plane HTTP server. It binds to loopback
// by default; there is no authentication because nothing leaves the
// machine.
type Server struct {
	addr     string
	st       *store.Store
	rec      Recommender
	fb       FeedbackRecorder
	jobs     JobTrigger
	promoter Promoter
	cfg      ConfigSource

	started time.Time
	httpSrv *http.Server
}

// NewServer wires the control server to the daemon's components.
func NewServer(addr string, st *store.Store, rec Recommender, fb FeedbackRecorder, jobs JobTrigger, promoter Promoter, cfg ConfigSource) *Server {
	if addr == "" {
		addr = "127.0.0.1:8750"
	}
	return &Server{
		addr:     addr,
		st:       st,
		rec:      rec,
		fb:       fb,
		jobs:     jobs,
		promoter: promoter,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control API listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("control API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
