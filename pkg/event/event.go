// Package event defines the canonical activity event record and the
// normalizer that converts raw collector observations into it.
package event

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a canonical event.
type Kind string

const (
	KindFileOp       Kind = "file_op"
	KindAppFocus     Kind = "app_focus"
	KindSystemMetric Kind = "system_metric"
	KindCustom       Kind = "custom"
)

// ValidKind reports whether k is one of the known event kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindFileOp, KindAppFocus, KindSystemMetric, KindCustom:
		return true
	}
	return false
}

// Attributes holds kind-specific scalar fields of an event.
// Values are strings, bools, int64s or float64s; JSON round-trips
// decode numbers as float64.
type Attributes map[string]any

// String returns the string value for key, or "" if absent or non-string.
func (a Attributes) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value for key, accepting any numeric scalar.
func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Clone returns a shallow copy of the attribute map. Scalar values make
// a shallow copy sufficient.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Canonical is the single normalized representation of any raw system
// observation. Immutable once stored; deleted only by retention purge.
type Canonical struct {
	ID              string     `json:"id"`
	Timestamp       time.Time  `json:"ts"`
	Kind            Kind       `json:"kind"`
	Attributes      Attributes `json:"attrs"`
	SourceCollector string     `json:"src"`
}

// Observation is a raw, un-normalized record produced by a collector.
// Timestamp may be zero or implausible; the normalizer decides.
type Observation struct {
	Timestamp time.Time  `json:"ts"`
	Kind      Kind       `json:"kind"`
	Payload   Attributes `json:"payload"`
	Collector string     `json:"collector"`
}

var idSeq atomic.Uint64

// NewID returns a unique, monotonic-ish event ID. The time prefix keeps
// IDs roughly ordered; the sequence and uuid suffix keep them unique
// across concurrent producers and restarts.
func NewID(ts time.Time) string {
	return fmt.Sprintf("%019d-%06d-%s", ts.UnixNano(), idSeq.Add(1)%1000000, uuid.NewString()[:8])
}
