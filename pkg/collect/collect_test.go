package collect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracelearn/tracelearn/pkg/config"
	"github.com/tracelearn/tracelearn/pkg/event"
)

// chanSink collects offered observations for assertions.
type chanSink struct {
	mu  sync.Mutex
	obs []event.Observation
}

func (s *chanSink) Offer(o event.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = append(s.obs, o)
}

func (s *chanSink) all() []event.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Observation, len(s.obs))
	copy(out, s.obs)
	return out
}

func (s *chanSink) waitFor(t *testing.T, n int, timeout time.Duration) []event.Observation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.all(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d observations, have %d", n, len(s.all()))
	return nil
}

func TestBuildEnabled(t *testing.T) {
	cfgs := map[string]config.CollectorConfig{
		"filesystem": {Enabled: true, Paths: []string{t.TempDir()}},
		"sysmetrics": {Enabled: false},
	}
	cs, err := BuildEnabled(cfgs, nil)
	if err != nil {
		t.Fatalf("BuildEnabled failed: %v", err)
	}
	if len(cs) != 1 || cs[0].Name() != "filesystem" {
		t.Fatalf("built %v", cs)
	}

	_, err = BuildEnabled(map[string]config.CollectorConfig{"telepathy": {Enabled: true}}, nil)
	if err == nil {
		t.Error("unknown kind should error, not silently disable collection")
	}
}

func TestFilesystemCollectorEmitsFileOps(t *testing.T) {
	dir := t.TempDir()
	c, err := newFilesystemCollector(BuildParams{
		Name:   "filesystem",
		Config: config.CollectorConfig{Paths: []string{dir}},
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	sink := &chanSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, sink)
	}()

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := sink.waitFor(t, 1, 5*time.Second)
	found := false
	for _, o := range obs {
		if o.Kind != event.KindFileOp {
			t.Errorf("kind = %q, want file_op", o.Kind)
		}
		if o.Payload.String("path") == path {
			found = true
			if ft := o.Payload.String("file_type"); ft != ".txt" {
				t.Errorf("file_type = %q, want .txt", ft)
			}
		}
	}
	if !found {
		t.Errorf("no observation for %s in %v", path, obs)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop on cancel")
	}
}

func TestFilesystemCollectorPrunesExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	private := filepath.Join(dir, "private")
	if err := os.MkdirAll(private, 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := newFilesystemCollector(BuildParams{
		Name:         "filesystem",
		Config:       config.CollectorConfig{Paths: []string{dir}},
		ExcludePaths: []string{private},
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	sink := &chanSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, sink) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(private, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "public.txt"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := sink.waitFor(t, 1, 5*time.Second)
	for _, o := range obs {
		if p := o.Payload.String("path"); strings.HasPrefix(p, private) {
			t.Errorf("excluded path %q leaked from the collector", p)
		}
	}
}

func TestAppFocusCollectorWithProbe(t *testing.T) {
	c, err := newAppFocusCollector(BuildParams{
		Name:   "appfocus",
		Config: config.CollectorConfig{SampleInterval: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	c.(*appFocusCollector).SetProbe(func() (string, string, error) {
		return "editor", "draft.md", nil
	})

	sink := &chanSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, sink) }()

	obs := sink.waitFor(t, 2, 5*time.Second)
	if obs[0].Kind != event.KindAppFocus {
		t.Errorf("kind = %q", obs[0].Kind)
	}
	if obs[0].Payload.String("app_name") != "editor" {
		t.Errorf("app_name = %q", obs[0].Payload.String("app_name"))
	}
	if d, ok := obs[0].Payload.Float("focus_duration_s"); !ok || d <= 0 {
		t.Errorf("focus_duration_s = %v", obs[0].Payload["focus_duration_s"])
	}
}

func TestReplayCollector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := json.NewEncoder(f)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(event.Observation{
			Timestamp: time.Now().UTC(),
			Kind:      event.KindFileOp,
			Payload:   event.Attributes{"path": "/replayed", "operation": event.OpCreate},
		}); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	c, err := newReplayCollector(BuildParams{
		Name:   "replay",
		Config: config.CollectorConfig{ReplayFile: path},
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	sink := &chanSink{}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx, sink) }()

	sink.waitFor(t, 3, 5*time.Second)
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run failed: %v", err)
	}

	obs := sink.all()
	if len(obs) != 3 {
		t.Fatalf("replayed %d observations, want 3", len(obs))
	}
	if obs[0].Collector != "replay" {
		t.Errorf("collector = %q, want replay backfill tag", obs[0].Collector)
	}
}
