package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/privacy"
)

// memSink collects appended events in memory, deduplicating by ID like
// the real store.
type memSink struct {
	mu     sync.Mutex
	events map[string]event.Canonical
}

func newMemSink() *memSink {
	return &memSink{events: make(map[string]event.Canonical)}
}

func (m *memSink) AppendEvents(ctx context.Context, events []event.Canonical) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range events {
		if _, ok := m.events[ev.ID]; ok {
			continue
		}
		m.events[ev.ID] = ev
		n++
	}
	return n, nil
}

func (m *memSink) all() []event.Canonical {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Canonical, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	return out
}

type staticRules struct{ rs privacy.RuleSet }

func (s staticRules) Rules() privacy.RuleSet { return s.rs }

func newTestPipeline(t *testing.T, rs privacy.RuleSet, cfg Config) (*Pipeline, *memSink) {
	t.Helper()
	sink := newMemSink()
	norm := event.NewNormalizer(event.NormalizerConfig{CollectWindowTitles: true}, nil)
	p := New(cfg, norm, staticRules{rs}, sink)
	t.Cleanup(p.Close)
	return p, sink
}

func fileObs(path string) event.Observation {
	return event.Observation{
		Timestamp: time.Now().UTC(),
		Kind:      event.KindFileOp,
		Payload:   event.Attributes{"path": path, "operation": event.OpCreate},
		Collector: "filesystem",
	}
}

func TestOfferFlushStore(t *testing.T) {
	p, sink := newTestPipeline(t, privacy.RuleSet{}, Config{BatchSize: 10, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		p.Offer(fileObs("/work/a.txt"))
	}
	p.Flush()

	if got := len(sink.all()); got != 5 {
		t.Fatalf("stored %d events, want 5", got)
	}
	if p.Stats().Stored.Load() != 5 {
		t.Errorf("stored counter = %d, want 5", p.Stats().Stored.Load())
	}
}

func TestInvalidObservationsDroppedAndCounted(t *testing.T) {
	p, sink := newTestPipeline(t, privacy.RuleSet{}, Config{BatchSize: 10, FlushInterval: time.Hour})

	p.Offer(event.Observation{Kind: event.KindFileOp, Payload: event.Attributes{}, Collector: "filesystem"})
	p.Offer(fileObs("/ok.txt"))
	p.Flush()

	if got := len(sink.all()); got != 1 {
		t.Fatalf("stored %d events, want 1", got)
	}
	if p.Stats().Invalid.Load() != 1 {
		t.Errorf("invalid counter = %d, want 1", p.Stats().Invalid.Load())
	}
}

func TestPrivacyFilterAppliedBeforeStore(t *testing.T) {
	rs := privacy.RuleSet{Version: 1, Rules: []privacy.Rule{
		{Scope: privacy.ScopePathPrefix, Pattern: "/private", Action: privacy.ActionExclude},
	}}
	p, sink := newTestPipeline(t, rs, Config{BatchSize: 200, FlushInterval: time.Hour})

	// 100 events, 10 under the excluded prefix.
	for i := 0; i < 90; i++ {
		p.Offer(fileObs("/work/doc.txt"))
	}
	for i := 0; i < 10; i++ {
		p.Offer(fileObs("/private/diary.txt"))
	}
	p.Flush()

	events := sink.all()
	if len(events) != 90 {
		t.Fatalf("stored %d events, want 90", len(events))
	}
	for _, ev := range events {
		if ev.Attributes.String("path") == "/private/diary.txt" {
			t.Fatal("excluded event reached the store")
		}
	}
	if p.Stats().PrivacyDropped.Load() != 10 {
		t.Errorf("privacy dropped = %d, want 10", p.Stats().PrivacyDropped.Load())
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	p, sink := newTestPipeline(t, privacy.RuleSet{}, Config{BufferSize: 10, BatchSize: 1000, FlushInterval: time.Hour})

	for i := 0; i < 25; i++ {
		p.Offer(fileObs("/burst.txt"))
	}
	p.Flush()

	if got := len(sink.all()); got != 10 {
		t.Errorf("stored %d events, want buffer size 10", got)
	}
	if p.Stats().BufferDropped.Load() != 15 {
		t.Errorf("buffer dropped = %d, want 15", p.Stats().BufferDropped.Load())
	}
}

func TestConcurrentProducers(t *testing.T) {
	p, sink := newTestPipeline(t, privacy.RuleSet{}, Config{BufferSize: 10000, BatchSize: 50, FlushInterval: 10 * time.Millisecond})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.Offer(fileObs("/concurrent.txt"))
			}
		}()
	}
	wg.Wait()
	p.Close()

	if got := len(sink.all()); got != 800 {
		t.Errorf("stored %d events, want 800", got)
	}
}
