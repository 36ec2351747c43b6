package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStorage struct {
	mu   sync.Mutex
	recs []Record
	prov map[string]Provenance
}

func newMemStorage() *memStorage {
	return &memStorage{prov: make(map[string]Provenance)}
}

func (m *memStorage) AppendFeedback(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memStorage) Provenance(recommendationID string) (*Provenance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prov[recommendationID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m *memStorage) QueryFeedback(ctx context.Context, from, to time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.recs {
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.Timestamp.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestRecordAttributesToIssuingGeneration(t *testing.T) {
	st := newMemStorage()
	// Generation 2 issued the recommendation and has since been retired;
	// the record still attributes to it.
	st.prov["rec-1"] = Provenance{
		RecommendationID: "rec-1",
		ModelName:        "productivity",
		ModelGeneration:  2,
		Label:            "productive",
		CreatedAt:        time.Now().UTC(),
	}
	loop := NewLoop(st)

	rec, err := loop.Record(context.Background(), "rec-1", DecisionAccepted)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.ModelName != "productivity" || rec.ModelGeneration != 2 {
		t.Errorf("attribution = %s/%d, want productivity/2", rec.ModelName, rec.ModelGeneration)
	}
	if rec.Label != "productive" {
		t.Errorf("label = %q, want productive", rec.Label)
	}
	if rec.ID == "" {
		t.Error("missing record ID")
	}
	if len(st.recs) != 1 {
		t.Fatalf("stored %d records, want 1", len(st.recs))
	}
}

func TestRecordUnknownRecommendationStillStored(t *testing.T) {
	st := newMemStorage()
	loop := NewLoop(st)

	rec, err := loop.Record(context.Background(), "never-issued", DecisionRejected)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.ModelName != "unattributed" || rec.ModelGeneration != 0 {
		t.Errorf("attribution = %s/%d, want unattributed/0", rec.ModelName, rec.ModelGeneration)
	}
	if len(st.recs) != 1 {
		t.Fatalf("stored %d records, want 1", len(st.recs))
	}
}

func TestRecordRejectsUnknownDecision(t *testing.T) {
	st := newMemStorage()
	loop := NewLoop(st)

	_, err := loop.Record(context.Background(), "rec-1", Decision("maybe"))
	if !errors.Is(err, ErrDecision) {
		t.Fatalf("err = %v, want ErrDecision", err)
	}
	if len(st.recs) != 0 {
		t.Error("invalid decision was stored")
	}
}

func TestAcceptanceByLabel(t *testing.T) {
	st := newMemStorage()
	loop := NewLoop(st)
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return base }

	seed := []struct {
		label    string
		decision Decision
	}{
		{"productive", DecisionAccepted},
		{"productive", DecisionAccepted},
		{"productive", DecisionAccepted},
		{"productive", DecisionRejected},
		{"leisure", DecisionRejected},
		{"leisure", DecisionIgnored}, // ignored carries no signal
		{"focus", DecisionIgnored},   // only ignored: label absent
	}
	for i, s := range seed {
		id := "rec-" + string(rune('a'+i))
		st.prov[id] = Provenance{RecommendationID: id, ModelName: "productivity", ModelGeneration: 1, Label: s.label}
		if _, err := loop.Record(context.Background(), id, s.decision); err != nil {
			t.Fatalf("seed record %d failed: %v", i, err)
		}
	}

	rates, err := loop.AcceptanceByLabel(context.Background(), base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("AcceptanceByLabel failed: %v", err)
	}
	if got := rates["productive"]; got != 0.75 {
		t.Errorf("productive rate = %g, want 0.75", got)
	}
	if got := rates["leisure"]; got != 0 {
		t.Errorf("leisure rate = %g, want 0", got)
	}
	if _, ok := rates["focus"]; ok {
		t.Error("ignored-only label should be absent from rates")
	}

	// Records outside the window do not count.
	empty, err := loop.AcceptanceByLabel(context.Background(), base.Add(2*time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("AcceptanceByLabel failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("out-of-window query returned %d labels", len(empty))
	}
}
