package event

import (
	"errors"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func TestNormalizeFileOp(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, fixedNow)

	ev, err := n.Normalize(Observation{
		Timestamp: fixedNow().Add(-time.Minute),
		Kind:      KindFileOp,
		Payload:   Attributes{"path": "/home/me/notes.md", "operation": OpModify, "file_type": ".md", "size": int64(120)},
		Collector: "filesystem",
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != KindFileOp {
		t.Errorf("kind = %q, want file_op", ev.Kind)
	}
	if ev.ID == "" {
		t.Error("expected non-empty ID")
	}
	if ev.Timestamp != fixedNow().Add(-time.Minute) {
		t.Errorf("timestamp = %v, want collector timestamp", ev.Timestamp)
	}
	if ev.SourceCollector != "filesystem" {
		t.Errorf("source = %q", ev.SourceCollector)
	}
}

func TestNormalizeMissingRequiredFields(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, fixedNow)

	cases := []struct {
		name string
		obs  Observation
	}{
		{"file_op without path", Observation{Kind: KindFileOp, Payload: Attributes{"operation": OpCreate}, Collector: "fs"}},
		{"file_op bad operation", Observation{Kind: KindFileOp, Payload: Attributes{"path": "/x", "operation": "rename"}, Collector: "fs"}},
		{"app_focus without app_name", Observation{Kind: KindAppFocus, Payload: Attributes{"focus_duration_s": 3.0}, Collector: "focus"}},
		{"system_metric without samples", Observation{Kind: KindSystemMetric, Payload: Attributes{"note": "hi"}, Collector: "sys"}},
		{"unknown kind", Observation{Kind: "telepathy", Payload: Attributes{}, Collector: "x"}},
		{"missing collector", Observation{Kind: KindCustom, Payload: Attributes{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.obs)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestNormalizeTimestampFallback(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, fixedNow)

	cases := []struct {
		name string
		ts   time.Time
		want time.Time
	}{
		{"zero timestamp", time.Time{}, fixedNow()},
		{"far future", fixedNow().Add(time.Hour), fixedNow()},
		{"ancient", fixedNow().Add(-30 * 24 * time.Hour), fixedNow()},
		{"plausible", fixedNow().Add(-time.Hour), fixedNow().Add(-time.Hour)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := n.Normalize(Observation{
				Timestamp: tc.ts,
				Kind:      KindCustom,
				Payload:   Attributes{},
				Collector: "test",
			})
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if !ev.Timestamp.Equal(tc.want) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, tc.want)
			}
		})
	}
}

func TestNormalizeStripsWindowTitle(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{CollectWindowTitles: false}, fixedNow)

	ev, err := n.Normalize(Observation{
		Kind:      KindAppFocus,
		Payload:   Attributes{"app_name": "editor", "window_title": "secret-project.md"},
		Collector: "focus",
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if _, ok := ev.Attributes["window_title"]; ok {
		t.Error("window_title should be stripped when collection is disabled")
	}

	// Original payload must not be mutated.
	n2 := NewNormalizer(NormalizerConfig{CollectWindowTitles: true}, fixedNow)
	ev2, err := n2.Normalize(Observation{
		Kind:      KindAppFocus,
		Payload:   Attributes{"app_name": "editor", "window_title": "notes"},
		Collector: "focus",
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev2.Attributes.String("window_title") != "notes" {
		t.Error("window_title should be kept when collection is enabled")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	ts := fixedNow()
	for i := 0; i < 1000; i++ {
		id := NewID(ts)
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}
