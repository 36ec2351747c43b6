package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks a raw observation missing required fields for its
// kind. Such observations are dropped and counted, never coerced.
var ErrValidation = errors.New("event: validation failed")

// File operation values carried in file_op attributes.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
)

// NormalizerConfig tunes normalization behavior.
type NormalizerConfig struct {
	// CollectWindowTitles keeps the window_title attribute on app_focus
	// events. When false the attribute is stripped at normalize time.
	CollectWindowTitles bool `yaml:"collect_window_titles"`
	// FutureTolerance is how far ahead of ingestion time a collector
	// timestamp may be before it is replaced with ingestion time.
	FutureTolerance time.Duration `yaml:"future_tolerance"`
	// PlausibilityHorizon is how far behind ingestion time a collector
	// timestamp may be before it is replaced with ingestion time.
	PlausibilityHorizon time.Duration `yaml:"plausibility_horizon"`
}

// Normalizer converts raw observations into canonical events.
type Normalizer struct {
	cfg NormalizerConfig
	now func() time.Time
}

// NewNormalizer creates a normalizer. now may be nil, defaulting to
// time.Now (overridable for tests).
func NewNormalizer(cfg NormalizerConfig, now func() time.Time) *Normalizer {
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = 5 * time.Second
	}
	if cfg.PlausibilityHorizon <= 0 {
		cfg.PlausibilityHorizon = 7 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{cfg: cfg, now: now}
}

// Normalize converts a raw observation into a canonical event, assigning
// an ID and a plausible UTC timestamp. It returns ErrValidation when a
// required field for the observation's kind is absent.
func (n *Normalizer) Normalize(obs Observation) (Canonical, error) {
	if !ValidKind(obs.Kind) {
		return Canonical{}, fmt.Errorf("event.Normalize: unknown kind %q: %w", obs.Kind, ErrValidation)
	}
	if obs.Collector == "" {
		return Canonical{}, fmt.Errorf("event.Normalize: missing collector: %w", ErrValidation)
	}

	attrs := obs.Payload.Clone()
	if attrs == nil {
		attrs = Attributes{}
	}

	switch obs.Kind {
	case KindFileOp:
		if attrs.String("path") == "" {
			return Canonical{}, fmt.Errorf("event.Normalize: file_op missing path: %w", ErrValidation)
		}
		switch attrs.String("operation") {
		case OpCreate, OpModify, OpDelete:
		default:
			return Canonical{}, fmt.Errorf("event.Normalize: file_op has invalid operation %q: %w",
				attrs.String("operation"), ErrValidation)
		}
	case KindAppFocus:
		if attrs.String("app_name") == "" {
			return Canonical{}, fmt.Errorf("event.Normalize: app_focus missing app_name: %w", ErrValidation)
		}
		if !n.cfg.CollectWindowTitles {
			delete(attrs, "window_title")
		}
	case KindSystemMetric:
		if !hasNumericSample(attrs) {
			return Canonical{}, fmt.Errorf("event.Normalize: system_metric has no numeric sample: %w", ErrValidation)
		}
	case KindCustom:
		// No required fields.
	}

	ts := n.pickTimestamp(obs.Timestamp)
	return Canonical{
		ID:              NewID(ts),
		Timestamp:       ts,
		Kind:            obs.Kind,
		Attributes:      attrs,
		SourceCollector: obs.Collector,
	}, nil
}

// pickTimestamp uses the collector timestamp when plausible, otherwise
// falls back to ingestion time. Always UTC.
func (n *Normalizer) pickTimestamp(ts time.Time) time.Time {
	now := n.now().UTC()
	if ts.IsZero() {
		return now
	}
	ts = ts.UTC()
	if ts.After(now.Add(n.cfg.FutureTolerance)) {
		return now
	}
	if ts.Before(now.Add(-n.cfg.PlausibilityHorizon)) {
		return now
	}
	return ts
}

func hasNumericSample(attrs Attributes) bool {
	for _, v := range attrs {
		switch v.(type) {
		case float64, int64, int:
			return true
		}
	}
	return false
}
