// Package infer serves recommendations from active model artifacts.
package infer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tracelearn/tracelearn/pkg/feedback"
	"github.com/tracelearn/tracelearn/pkg/metrics"
	"github.com/tracelearn/tracelearn/pkg/model"
)

// ModelSource resolves the active artifact for a model name. ok=false on
// cold start, before any generation has been promoted.
type ModelSource interface {
	Active(name string) (*model.Artifact, bool, error)
}

// ProvenanceSink records which generation produced a recommendation so
// later feedback attributes to it even after the generation retires.
type ProvenanceSink interface {
	PutProvenance(p feedback.Provenance) error
}

// Recommendation is one scored label for the caller's current context.
type Recommendation struct {
	RecommendationID string  `json:"recommendation_id"`
	ModelName        string  `json:"model_name"`
	ModelGeneration  uint64  `json:"model_generation"`
	Label            string  `json:"label"`
	Confidence       float64 `json:"confidence"`
	Rationale        string  `json:"rationale"`
}

// Service scores context features against every configured model's
// active artifact.
type Service struct {
	names  []string
	models ModelSource
	prov   ProvenanceSink
}

// NewService creates an inference service over the given model names.
func NewService(names []string, models ModelSource, prov ProvenanceSink) *Service {
	return &Service{names: names, models: models, prov: prov}
}

// Recommend scores the context features with every active model and
// returns recommendations sorted by confidence descending, ties broken
// by label. Models with no active artifact are skipped, so a cold-start
// call returns an empty slice and no error.
func (s *Service) Recommend(ctx context.Context, contextFeatures map[string]float64) ([]Recommendation, error) {
	var out []Recommendation
	for _, name := range s.names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		art, ok, err := s.models.Active(name)
		if err != nil {
			return nil, fmt.Errorf("infer.Recommend: %s: %w", name, err)
		}
		if !ok {
			continue
		}

		alg, err := model.LookupAlgorithm(art.AlgorithmID)
		if err != nil {
			return nil, fmt.Errorf("infer.Recommend: %s: %w", name, err)
		}
		scores, err := alg.Score(art.Parameters, contextFeatures)
		if err != nil {
			return nil, fmt.Errorf("infer.Recommend: %s: score: %w", name, err)
		}

		rationale := dominantFeature(contextFeatures)
		for _, sc := range scores {
			rec := Recommendation{
				RecommendationID: uuid.NewString(),
				ModelName:        name,
				ModelGeneration:  art.Generation,
				Label:            sc.Label,
				Confidence:       clamp01(sc.Score),
				Rationale:        rationale,
			}
			if err := s.prov.PutProvenance(feedback.Provenance{
				RecommendationID: rec.RecommendationID,
				ModelName:        name,
				ModelGeneration:  art.Generation,
				Label:            sc.Label,
				CreatedAt:        time.Now().UTC(),
			}); err != nil {
				return nil, fmt.Errorf("infer.Recommend: record provenance: %w", err)
			}
			out = append(out, rec)
		}
		metrics.Recommendations.WithLabelValues(name).Add(float64(len(scores)))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Label < out[j].Label
	})

	slog.Debug("recommendations served", "count", len(out), "features", len(contextFeatures))
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// dominantFeature names the context feature with the largest magnitude,
// the closest thing to an explanation the algorithm contract exposes.
func dominantFeature(fields map[string]float64) string {
	best := ""
	var bestAbs float64
	for f, v := range fields {
		abs := v
		if abs < 0 {
			abs = -abs
		}
		if best == "" || abs > bestAbs || (abs == bestAbs && f < best) {
			best, bestAbs = f, abs
		}
	}
	if best == "" {
		return "no context features supplied"
	}
	return fmt.Sprintf("strongest signal: %s=%.3f", best, fields[best])
}
