package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/feedback"
	"github.com/tracelearn/tracelearn/pkg/infer"
	"github.com/tracelearn/tracelearn/pkg/model"
	"github.com/tracelearn/tracelearn/pkg/store"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/recommend", s.handleRecommend)
	mux.HandleFunc("POST /api/v1/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/features/{name}", s.handleFeatures)
	mux.HandleFunc("GET /api/v1/models", s.handleModelList)
	mux.HandleFunc("GET /api/v1/models/{name}", s.handleModelDetail)
	mux.HandleFunc("POST /api/v1/extract", s.handleTrigger("extract"))
	mux.HandleFunc("POST /api/v1/train", s.handleTrigger("train"))
	mux.HandleFunc("POST /api/v1/promote", s.handlePromote)
	mux.HandleFunc("POST /api/v1/purge", s.handleTrigger("purge"))
	mux.HandleFunc("GET /api/v1/export/{collection}", s.handleExport)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
}

// POST /api/v1/recommend — body: {"features": {"cpu_percent_mean": 42}}
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Features map[string]float64 `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	recs, err := s.rec.Recommend(r.Context(), req.Features)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []infer.Recommendation{} // never a JSON null
	}
	writeJSON(w, recs)
}

// POST /api/v1/feedback — body: {"recommendation_id": "...", "decision": "accepted"}
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecommendationID string `json:"recommendation_id"`
		Decision         string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.RecommendationID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("recommendation_id is required"))
		return
	}
	rec, err := s.fb.Record(r.Context(), req.RecommendationID, feedback.Decision(req.Decision))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, rec)
}

// GET /api/v1/events?kind=&from=&to=&limit=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := store.EventQuery{
		Kind:  event.Kind(r.URL.Query().Get("kind")),
		Limit: parseIntParam(r, "limit", 100),
	}
	var err error
	if q.From, err = parseTimeParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.To, err = parseTimeParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.st.QueryEvents(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, events)
}

// GET /api/v1/features/{name}?latest=true
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if r.URL.Query().Get("latest") == "true" {
		set, err := s.st.LatestFeatureSet(name)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, set)
		return
	}
	sets, err := s.st.ListFeatureSets(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, sets)
}

type modelSummary struct {
	Name             string             `json:"name"`
	ActiveGeneration uint64             `json:"active_generation"`
	ActiveMetrics    map[string]float64 `json:"active_metrics,omitempty"`
	Artifacts        int                `json:"artifacts"`
}

// GET /api/v1/models
func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Current()
	out := make([]modelSummary, 0, len(snap.Config.Models))
	for _, mc := range snap.Config.Models {
		arts, err := s.st.ListArtifacts(mc.Name)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		sum := modelSummary{Name: mc.Name, Artifacts: len(arts)}
		if active, ok, err := s.st.Active(mc.Name); err != nil {
			writeError(w, statusFor(err), err)
			return
		} else if ok {
			sum.ActiveGeneration = active.Generation
			sum.ActiveMetrics = active.Metrics
		}
		out = append(out, sum)
	}
	writeJSON(w, out)
}

// GET /api/v1/models/{name}
func (s *Server) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	arts, err := s.st.ListArtifacts(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, arts)
}

// handleTrigger requests an immediate run of a scheduled job.
func (s *Server) handleTrigger(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.jobs.Trigger(job); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]string{"status": "triggered", "job": job})
	}
}

// POST /api/v1/promote — body: {"name": "...", "artifact_id": "..."}.
// Thresholds come from the model's configured promotion policy.
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		ArtifactID string `json:"artifact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Name == "" || req.ArtifactID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name and artifact_id are required"))
		return
	}
	var thresholds map[string]float64
	for _, mc := range s.cfg.Current().Config.Models {
		if mc.Name == req.Name {
			thresholds = mc.Thresholds
			break
		}
	}
	promoted, err := s.promoter.Promote(req.Name, req.ArtifactID, thresholds)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, promoted)
}

// GET /api/v1/export/{collection} — streams one JSON document per line.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var rows []any
	switch collection := r.PathValue("collection"); collection {
	case "events":
		events, err := s.st.QueryEvents(r.Context(), store.EventQuery{})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		for _, ev := range events {
			rows = append(rows, ev)
		}
	case "features":
		snap := s.cfg.Current()
		sets, err := s.st.ListFeatureSets(snap.Config.Features.Spec.Name)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		for _, set := range sets {
			rows = append(rows, set)
		}
	case "models":
		snap := s.cfg.Current()
		for _, mc := range snap.Config.Models {
			arts, err := s.st.ListArtifacts(mc.Name)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			for _, a := range arts {
				rows = append(rows, a)
			}
		}
	case "feedback":
		recs, err := s.st.QueryFeedback(r.Context(), time.Time{}, time.Time{})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		for _, rec := range recs {
			rows = append(rows, rec)
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown collection %q", collection))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return
		}
	}
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Current()
	models := make([]modelSummary, 0, len(snap.Config.Models))
	for _, mc := range snap.Config.Models {
		sum := modelSummary{Name: mc.Name}
		if active, ok, err := s.st.Active(mc.Name); err == nil && ok {
			sum.ActiveGeneration = active.Generation
			sum.ActiveMetrics = active.Metrics
		}
		models = append(models, sum)
	}
	writeJSON(w, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"events_stored":  s.st.EventCount(),
		"config_version": snap.Version,
		"models":         models,
	})
}

// ─── Helpers ──────────────────────────────────────────────────

// statusFor maps the storage and domain error sentinels onto HTTP
// status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, event.ErrValidation), errors.Is(err, feedback.ErrDecision):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBelowThreshold), errors.Is(err, model.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse %s=%q as RFC3339", name, s)
	}
	return t, nil
}
