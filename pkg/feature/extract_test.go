package feature

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// memStorage is an in-memory Storage for pipeline tests.
type memStorage struct {
	events []event.Canonical
	sets   map[string][]*Set
}

func newMemStorage() *memStorage {
	return &memStorage{sets: make(map[string][]*Set)}
}

func (m *memStorage) EventsInWindow(ctx context.Context, w Window) ([]event.Canonical, error) {
	var out []event.Canonical
	for _, ev := range m.events {
		if !ev.Timestamp.Before(w.Start) && ev.Timestamp.Before(w.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStorage) LatestSet(name string) (*Set, bool, error) {
	sets := m.sets[name]
	if len(sets) == 0 {
		return nil, false, nil
	}
	return sets[len(sets)-1], true, nil
}

func (m *memStorage) FindSet(name, specHash, fingerprint string) (*Set, bool, error) {
	for _, set := range m.sets[name] {
		if set.SpecHash == specHash && set.SourceRange.Fingerprint == fingerprint {
			return set, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStorage) SaveSet(set *Set) error {
	m.sets[set.Name] = append(m.sets[set.Name], set)
	return nil
}

type fixedRates map[string]float64

func (f fixedRates) AcceptanceByLabel(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	return f, nil
}

func testSpec() Spec {
	return Spec{
		Name:       "activity",
		BucketSize: time.Hour,
		Aggregations: []Aggregation{
			AggHourOfDay, AggKindCounts, AggFocusDuration, AggSystemLoad, AggFeedbackRates,
		},
		LabelRules:   []LabelRule{{App: "editor", Label: "productive"}, {App: "video-player", Label: "leisure"}},
		DefaultLabel: "neutral",
	}
}

func seedEvents(st *memStorage, base time.Time) {
	mk := func(offset time.Duration, kind event.Kind, attrs event.Attributes) {
		ts := base.Add(offset)
		st.events = append(st.events, event.Canonical{
			ID: event.NewID(ts), Timestamp: ts, Kind: kind, Attributes: attrs, SourceCollector: "test",
		})
	}
	// Hour 0: editor-dominated work.
	mk(5*time.Minute, event.KindAppFocus, event.Attributes{"app_name": "editor", "focus_duration_s": 1800.0})
	mk(10*time.Minute, event.KindAppFocus, event.Attributes{"app_name": "terminal", "focus_duration_s": 600.0})
	mk(15*time.Minute, event.KindFileOp, event.Attributes{"path": "/work/a.go", "operation": event.OpModify})
	mk(20*time.Minute, event.KindSystemMetric, event.Attributes{"cpu_percent": 40.0, "memory_percent": 60.0})
	mk(25*time.Minute, event.KindSystemMetric, event.Attributes{"cpu_percent": 80.0, "memory_percent": 70.0})
	// Hour 1: video-dominated break.
	mk(65*time.Minute, event.KindAppFocus, event.Attributes{"app_name": "video-player", "focus_duration_s": 2400.0})
	mk(70*time.Minute, event.KindFileOp, event.Attributes{"path": "/downloads/b.mp4", "operation": event.OpCreate})
}

func TestExtractBucketsAndLabels(t *testing.T) {
	st := newMemStorage()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedEvents(st, base)

	p := NewPipeline(testSpec(), st, fixedRates{"productive": 0.9}, func() int64 { return 7 }, nil)
	w := Window{Start: base, End: base.Add(2 * time.Hour)}

	set, err := p.Extract(context.Background(), w)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if set.Generation != 1 {
		t.Errorf("generation = %d, want 1", set.Generation)
	}
	if set.RuleVersion != 7 {
		t.Errorf("rule version = %d, want 7", set.RuleVersion)
	}
	if len(set.Vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(set.Vectors))
	}

	v0, v1 := set.Vectors[0], set.Vectors[1]
	if v0.Label != "productive" {
		t.Errorf("hour 0 label = %q, want productive", v0.Label)
	}
	if v1.Label != "leisure" {
		t.Errorf("hour 1 label = %q, want leisure", v1.Label)
	}
	if v0.Fields["hour_of_day"] != 9 {
		t.Errorf("hour_of_day = %g, want 9", v0.Fields["hour_of_day"])
	}
	if v0.Fields["count_total"] != 5 {
		t.Errorf("count_total = %g, want 5", v0.Fields["count_total"])
	}
	if v0.Fields["focus_duration_s"] != 2400 {
		t.Errorf("focus_duration_s = %g, want 2400", v0.Fields["focus_duration_s"])
	}
	if v0.Fields["cpu_percent_mean"] != 60 {
		t.Errorf("cpu_percent_mean = %g, want 60", v0.Fields["cpu_percent_mean"])
	}
	if v0.Fields["cpu_percent_max"] != 80 {
		t.Errorf("cpu_percent_max = %g, want 80", v0.Fields["cpu_percent_max"])
	}
	if v0.Fields["label_accept_rate"] != 0.9 {
		t.Errorf("label_accept_rate = %g, want folded 0.9", v0.Fields["label_accept_rate"])
	}
	// No feedback for "leisure" yet: neutral prior.
	if v1.Fields["label_accept_rate"] != 0.5 {
		t.Errorf("leisure accept rate = %g, want 0.5", v1.Fields["label_accept_rate"])
	}
}

func TestExtractIdempotent(t *testing.T) {
	st := newMemStorage()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedEvents(st, base)

	p := NewPipeline(testSpec(), st, nil, nil, nil)
	w := Window{Start: base, End: base.Add(2 * time.Hour)}

	first, err := p.Extract(context.Background(), w)
	if err != nil {
		t.Fatalf("first Extract failed: %v", err)
	}
	second, err := p.Extract(context.Background(), w)
	if err != nil {
		t.Fatalf("second Extract failed: %v", err)
	}
	if second.Generation != first.Generation {
		t.Errorf("re-run minted generation %d, want %d", second.Generation, first.Generation)
	}
	if len(st.sets["activity"]) != 1 {
		t.Errorf("stored %d sets, want 1", len(st.sets["activity"]))
	}
	if fmt.Sprintf("%v", second.Vectors) != fmt.Sprintf("%v", first.Vectors) {
		t.Error("vectors differ between identical runs")
	}
}

func TestExtractOlderWindowReturnsExistingGeneration(t *testing.T) {
	st := newMemStorage()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedEvents(st, base)

	p := NewPipeline(testSpec(), st, nil, nil, nil)
	windowA := Window{Start: base, End: base.Add(time.Hour)}
	windowB := Window{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}

	first, err := p.Extract(context.Background(), windowA)
	if err != nil {
		t.Fatalf("Extract A failed: %v", err)
	}
	if _, err := p.Extract(context.Background(), windowB); err != nil {
		t.Fatalf("Extract B failed: %v", err)
	}

	// Window A is no longer the latest generation; re-extracting it with
	// unchanged events and spec must still return the stored set.
	again, err := p.Extract(context.Background(), windowA)
	if err != nil {
		t.Fatalf("re-Extract A failed: %v", err)
	}
	if again.Generation != first.Generation {
		t.Errorf("re-run minted generation %d, want %d", again.Generation, first.Generation)
	}
	if len(st.sets["activity"]) != 2 {
		t.Errorf("stored %d sets, want 2", len(st.sets["activity"]))
	}
}

func TestExtractNewGenerationOnNewEvents(t *testing.T) {
	st := newMemStorage()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedEvents(st, base)

	p := NewPipeline(testSpec(), st, nil, nil, nil)
	w := Window{Start: base, End: base.Add(2 * time.Hour)}

	first, err := p.Extract(context.Background(), w)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	ts := base.Add(30 * time.Minute)
	st.events = append(st.events, event.Canonical{
		ID: event.NewID(ts), Timestamp: ts, Kind: event.KindFileOp,
		Attributes: event.Attributes{"path": "/work/new.go", "operation": event.OpCreate}, SourceCollector: "test",
	})

	second, err := p.Extract(context.Background(), w)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if second.Generation != first.Generation+1 {
		t.Errorf("generation = %d, want %d", second.Generation, first.Generation+1)
	}
}

func TestExtractEmptyWindow(t *testing.T) {
	st := newMemStorage()
	p := NewPipeline(testSpec(), st, nil, nil, nil)
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	set, err := p.Extract(context.Background(), Window{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("empty window must not error: %v", err)
	}
	if len(set.Vectors) != 0 {
		t.Errorf("got %d vectors, want 0", len(set.Vectors))
	}
	if set.SourceRange.Count != 0 {
		t.Errorf("source count = %d, want 0", set.SourceRange.Count)
	}
}

func TestSpecHashChangesWithSpec(t *testing.T) {
	w := Window{Start: time.Unix(0, 0).UTC(), End: time.Unix(3600, 0).UTC()}
	a := testSpec()
	b := testSpec()
	if a.Hash(w) != b.Hash(w) {
		t.Error("identical specs should hash equal")
	}
	b.DefaultLabel = "other"
	if a.Hash(w) == b.Hash(w) {
		t.Error("different specs should hash differently")
	}
	w2 := Window{Start: w.Start, End: w.End.Add(time.Hour)}
	if a.Hash(w) == a.Hash(w2) {
		t.Error("different windows should hash differently")
	}
}
