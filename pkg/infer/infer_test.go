package infer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tracelearn/tracelearn/pkg/feedback"
	"github.com/tracelearn/tracelearn/pkg/model"
)

type fakeModels struct {
	artifacts map[string]*model.Artifact
}

func (f *fakeModels) Active(name string) (*model.Artifact, bool, error) {
	a, ok := f.artifacts[name]
	return a, ok, nil
}

type memProvenance struct {
	mu   sync.Mutex
	recs map[string]feedback.Provenance
}

func (m *memProvenance) PutProvenance(p feedback.Provenance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]feedback.Provenance)
	}
	m.recs[p.RecommendationID] = p
	return nil
}

// baselineArtifact wraps majority-baseline parameters so scores are
// predictable: 3 productive rows, 1 leisure row.
func baselineArtifact(t *testing.T, name string, gen uint64) *model.Artifact {
	t.Helper()
	params, err := json.Marshal(map[string]any{
		"counts": map[string]int{"productive": 3, "leisure": 1},
		"total":  4,
	})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &model.Artifact{
		ID:          "a-" + name,
		Name:        name,
		Generation:  gen,
		TrainedAt:   time.Now().UTC(),
		AlgorithmID: "majority-baseline",
		Parameters:  params,
		Status:      model.StatusActive,
	}
}

func TestRecommendColdStart(t *testing.T) {
	svc := NewService([]string{"productivity"}, &fakeModels{artifacts: map[string]*model.Artifact{}}, &memProvenance{})

	recs, err := svc.Recommend(context.Background(), map[string]float64{"cpu_percent_mean": 50})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("cold start returned %d recommendations, want 0", len(recs))
	}
}

func TestRecommendSortedWithProvenance(t *testing.T) {
	models := &fakeModels{artifacts: map[string]*model.Artifact{
		"productivity": baselineArtifact(t, "productivity", 3),
	}}
	prov := &memProvenance{}
	svc := NewService([]string{"productivity"}, models, prov)

	recs, err := svc.Recommend(context.Background(), map[string]float64{"cpu_percent_mean": 72, "mem_percent_mean": 40})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d recommendations, want 2", len(recs))
	}
	if recs[0].Label != "productive" || recs[1].Label != "leisure" {
		t.Errorf("order = [%s %s], want [productive leisure]", recs[0].Label, recs[1].Label)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Confidence > recs[i-1].Confidence {
			t.Error("recommendations not sorted by confidence descending")
		}
	}
	for _, r := range recs {
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Errorf("confidence %g outside [0,1]", r.Confidence)
		}
		if r.RecommendationID == "" {
			t.Error("missing recommendation ID")
		}
		if r.Rationale == "" {
			t.Error("missing rationale")
		}
		p, ok := prov.recs[r.RecommendationID]
		if !ok {
			t.Fatalf("no provenance recorded for %s", r.RecommendationID)
		}
		if p.ModelName != "productivity" || p.ModelGeneration != 3 || p.Label != r.Label {
			t.Errorf("provenance = %+v, want productivity gen 3 label %s", p, r.Label)
		}
	}
	if recs[0].RecommendationID == recs[1].RecommendationID {
		t.Error("recommendation IDs collide")
	}
}

func TestRecommendMultipleModels(t *testing.T) {
	models := &fakeModels{artifacts: map[string]*model.Artifact{
		"productivity": baselineArtifact(t, "productivity", 1),
		// "wellness" has no active artifact and is skipped.
	}}
	svc := NewService([]string{"productivity", "wellness"}, models, &memProvenance{})

	recs, err := svc.Recommend(context.Background(), map[string]float64{"cpu_percent_mean": 10})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	for _, r := range recs {
		if r.ModelName != "productivity" {
			t.Errorf("unexpected model %s in results", r.ModelName)
		}
	}
	if len(recs) == 0 {
		t.Fatal("active model produced no recommendations")
	}
}
