// Package metrics exposes Prometheus metrics and the health endpoint for
// the tracelearn daemon.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_events_ingested_total",
		Help: "Canonical events durably stored, by kind",
	}, []string{"kind"})
	EventsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_events_invalid_total",
		Help: "Raw observations dropped by normalization validation",
	}, []string{"collector"})
	EventsPrivacyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracelearn_events_privacy_dropped_total",
		Help: "Events dropped by exclusion privacy rules",
	})
	EventsRedacted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracelearn_events_redacted_total",
		Help: "Events rewritten by anonymization privacy rules",
	})
	BufferDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracelearn_ingest_buffer_dropped_total",
		Help: "Oldest buffered observations dropped on ingest buffer overflow",
	})
	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracelearn_ingest_buffer_depth",
		Help: "Observations currently waiting in the ingest buffer",
	})
	AppendBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracelearn_append_batch_size",
		Help:    "Events per durable append batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
	AppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_append_failures_total",
		Help: "Failed append batches by error class",
	}, []string{"reason"})

	// Store metrics
	StoredEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracelearn_stored_events",
		Help: "Canonical events currently stored",
	})
	PurgedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_purged_records_total",
		Help: "Records removed by retention purge, by collection",
	}, []string{"collection"})

	// Pipeline metrics
	ExtractionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_extraction_runs_total",
		Help: "Feature extraction runs by outcome",
	}, []string{"outcome"})
	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_training_runs_total",
		Help: "Model training runs by outcome",
	}, []string{"model", "outcome"})
	TrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracelearn_training_duration_seconds",
		Help:    "Wall time of model training runs",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120, 600},
	}, []string{"model"})
	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_promotions_total",
		Help: "Promotion attempts by outcome",
	}, []string{"model", "outcome"})
	ActiveModelGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracelearn_active_model_generation",
		Help: "Generation of the currently active artifact per model",
	}, []string{"model"})

	// Serving metrics
	Recommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_recommendations_total",
		Help: "Recommendations served per model",
	}, []string{"model"})
	FeedbackRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_feedback_total",
		Help: "Feedback records by decision",
	}, []string{"decision"})

	// Config metrics
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelearn_config_reloads_total",
		Help: "Configuration reload attempts by outcome",
	}, []string{"outcome"})
	ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracelearn_config_version",
		Help: "Monotonic version of the active configuration snapshot",
	})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	EventsIngested.WithLabelValues("file_op")
	EventsIngested.WithLabelValues("app_focus")
	EventsIngested.WithLabelValues("system_metric")
	EventsInvalid.WithLabelValues("")
	AppendFailures.WithLabelValues("capacity")
	ExtractionRuns.WithLabelValues("ok")
	TrainingRuns.WithLabelValues("", "ok")
	Promotions.WithLabelValues("", "promoted")
	FeedbackRecords.WithLabelValues("accepted")
	ConfigReloads.WithLabelValues("ok")
	PurgedRecords.WithLabelValues("events")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
