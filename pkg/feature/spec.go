// Package feature derives versioned, ML-ready feature sets from stored
// canonical events. Extraction is deterministic and idempotent per
// (spec, window, events) so batch runs can be retried safely.
package feature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Aggregation names a single transform the pipeline knows how to apply.
type Aggregation string

const (
	// AggHourOfDay buckets event counts by hour of day per kind.
	AggHourOfDay Aggregation = "hour_of_day"
	// AggKindCounts counts events per kind in the bucket.
	AggKindCounts Aggregation = "kind_counts"
	// AggFocusDuration sums app_focus focus_duration_s per bucket and
	// tracks per-app focus share.
	AggFocusDuration Aggregation = "focus_duration"
	// AggSystemLoad computes mean and max of cpu_percent / memory_percent.
	AggSystemLoad Aggregation = "system_load"
	// AggFeedbackRates folds the historical acceptance rate for the
	// bucket's label into the vector.
	AggFeedbackRates Aggregation = "feedback_rates"
)

// LabelRule assigns a training label to a bucket whose dominant focused
// app matches Pattern (exact app name). First match wins.
type LabelRule struct {
	App   string `yaml:"app" json:"app"`
	Label string `yaml:"label" json:"label"`
}

// Spec declaratively describes one feature extraction. Identical specs
// over identical events always produce the same generation.
type Spec struct {
	Name         string        `yaml:"name" json:"name"`
	BucketSize   time.Duration `yaml:"bucket_size" json:"bucket_size"`
	Aggregations []Aggregation `yaml:"aggregations" json:"aggregations"`
	LabelRules   []LabelRule   `yaml:"label_rules" json:"label_rules"`
	DefaultLabel string        `yaml:"default_label" json:"default_label"`
}

// Hash returns a stable content hash of the spec plus window bounds.
// Used to detect re-runs of an already-extracted window.
func (s Spec) Hash(window Window) string {
	payload, _ := json.Marshal(s)
	h := sha256.New()
	h.Write(payload)
	fmt.Fprintf(h, "|%d|%d", window.Start.UnixNano(), window.End.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

// Window is a half-open [Start, End) extraction time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Vector is one named feature row: numeric fields plus a training label.
type Vector struct {
	Bucket time.Time          `json:"bucket"`
	Fields map[string]float64 `json:"fields"`
	Label  string             `json:"label"`
}

// EventRange fingerprints the exact slice of events a set was derived
// from, for idempotency checks and lineage.
type EventRange struct {
	FirstID     string `json:"first_id,omitempty"`
	LastID      string `json:"last_id,omitempty"`
	Count       int    `json:"count"`
	Fingerprint string `json:"fingerprint"`
}

// Set is an immutable, versioned batch of feature vectors. Superseded by
// later generations, never overwritten; purged only by retention policy.
type Set struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Generation  uint64     `json:"generation"`
	Window      Window     `json:"window"`
	SpecHash    string     `json:"spec_hash"`
	Vectors     []Vector   `json:"vectors"`
	SourceRange EventRange `json:"source_range"`
	ExtractedAt time.Time  `json:"extracted_at"`
	RuleVersion int64      `json:"rule_version"`
}
