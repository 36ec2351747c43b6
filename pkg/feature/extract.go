package feature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/metrics"
)

// Storage is the slice of the event/feature store the pipeline needs.
// LatestSet reports ok=false when no generation exists yet; FindSet
// looks a stored generation up by its content identity (spec hash plus
// input fingerprint), ok=false when no run produced those inputs.
type Storage interface {
	EventsInWindow(ctx context.Context, w Window) ([]event.Canonical, error)
	LatestSet(name string) (*Set, bool, error)
	FindSet(name, specHash, fingerprint string) (*Set, bool, error)
	SaveSet(set *Set) error
}

// AcceptanceSource aggregates historical feedback acceptance rates by
// label. Implemented by the feedback loop; nil disables the fold-in.
type AcceptanceSource interface {
	AcceptanceByLabel(ctx context.Context, from, to time.Time) (map[string]float64, error)
}

// Pipeline batches stored events into versioned feature sets.
type Pipeline struct {
	spec        Spec
	st          Storage
	acceptance  AcceptanceSource
	ruleVersion func() int64
	now         func() time.Time
}

// NewPipeline creates a feature pipeline. acceptance may be nil;
// ruleVersion supplies the active privacy rule version recorded on each
// set (re-read per extraction, never cached); now may be nil.
func NewPipeline(spec Spec, st Storage, acceptance AcceptanceSource, ruleVersion func() int64, now func() time.Time) *Pipeline {
	if ruleVersion == nil {
		ruleVersion = func() int64 { return 0 }
	}
	if now == nil {
		now = time.Now
	}
	return &Pipeline{spec: spec, st: st, acceptance: acceptance, ruleVersion: ruleVersion, now: now}
}

// Spec returns the pipeline's feature spec.
func (p *Pipeline) Spec() Spec { return p.spec }

// Extract derives a feature set from the events in w. Deterministic:
// unchanged events, feedback and spec yield the same generation back
// rather than minting a new one. An empty window yields a set with zero
// vectors, not an error.
func (p *Pipeline) Extract(ctx context.Context, w Window) (*Set, error) {
	events, err := p.st.EventsInWindow(ctx, w)
	if err != nil {
		metrics.ExtractionRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("feature.Extract: %w", err)
	}

	var rates map[string]float64
	if p.acceptance != nil && p.wants(AggFeedbackRates) {
		rates, err = p.acceptance.AcceptanceByLabel(ctx, time.Time{}, w.End)
		if err != nil {
			metrics.ExtractionRuns.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("feature.Extract: acceptance: %w", err)
		}
	}

	specHash := p.spec.Hash(w)
	fp := fingerprint(events, rates)

	// Idempotent re-run: any stored generation with the same spec hash
	// and input fingerprint is returned as-is, however old the window.
	existing, ok, err := p.st.FindSet(p.spec.Name, specHash, fp)
	if err != nil {
		metrics.ExtractionRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("feature.Extract: %w", err)
	}
	if ok {
		metrics.ExtractionRuns.WithLabelValues("unchanged").Inc()
		return existing, nil
	}

	latest, ok, err := p.st.LatestSet(p.spec.Name)
	if err != nil {
		metrics.ExtractionRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("feature.Extract: %w", err)
	}
	var gen uint64 = 1
	if ok {
		gen = latest.Generation + 1
	}

	set := &Set{
		ID:          uuid.NewString(),
		Name:        p.spec.Name,
		Generation:  gen,
		Window:      w,
		SpecHash:    specHash,
		Vectors:     p.buildVectors(events, rates),
		SourceRange: sourceRange(events, fp),
		ExtractedAt: p.now().UTC(),
		RuleVersion: p.ruleVersion(),
	}

	if err := p.st.SaveSet(set); err != nil {
		metrics.ExtractionRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("feature.Extract: %w", err)
	}
	metrics.ExtractionRuns.WithLabelValues("ok").Inc()
	slog.Info("feature set extracted", "name", set.Name, "generation", set.Generation,
		"vectors", len(set.Vectors), "events", len(events))
	return set, nil
}

func (p *Pipeline) wants(a Aggregation) bool {
	for _, agg := range p.spec.Aggregations {
		if agg == a {
			return true
		}
	}
	return false
}

// buildVectors buckets events by BucketSize and applies the configured
// aggregations per bucket, in ascending bucket order.
func (p *Pipeline) buildVectors(events []event.Canonical, rates map[string]float64) []Vector {
	size := p.spec.BucketSize
	if size <= 0 {
		size = time.Hour
	}

	buckets := make(map[int64][]event.Canonical)
	for _, ev := range events {
		b := ev.Timestamp.UTC().Truncate(size).Unix()
		buckets[b] = append(buckets[b], ev)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	vectors := make([]Vector, 0, len(keys))
	for _, k := range keys {
		start := time.Unix(k, 0).UTC()
		vectors = append(vectors, p.buildVector(start, buckets[k], rates))
	}
	return vectors
}

func (p *Pipeline) buildVector(bucket time.Time, events []event.Canonical, rates map[string]float64) Vector {
	fields := make(map[string]float64)
	label := p.spec.DefaultLabel

	focusByApp := make(map[string]float64)
	var focusTotal float64
	kindCounts := make(map[event.Kind]int)
	var cpuSum, cpuMax, memSum, memMax float64
	var sysSamples int

	for _, ev := range events {
		kindCounts[ev.Kind]++
		switch ev.Kind {
		case event.KindAppFocus:
			d, _ := ev.Attributes.Float("focus_duration_s")
			focusByApp[ev.Attributes.String("app_name")] += d
			focusTotal += d
		case event.KindSystemMetric:
			sysSamples++
			if c, ok := ev.Attributes.Float("cpu_percent"); ok {
				cpuSum += c
				if c > cpuMax {
					cpuMax = c
				}
			}
			if m, ok := ev.Attributes.Float("memory_percent"); ok {
				memSum += m
				if m > memMax {
					memMax = m
				}
			}
		}
	}

	for _, agg := range p.spec.Aggregations {
		switch agg {
		case AggHourOfDay:
			fields["hour_of_day"] = float64(bucket.Hour())
		case AggKindCounts:
			fields["count_file_op"] = float64(kindCounts[event.KindFileOp])
			fields["count_app_focus"] = float64(kindCounts[event.KindAppFocus])
			fields["count_system_metric"] = float64(kindCounts[event.KindSystemMetric])
			fields["count_total"] = float64(len(events))
		case AggFocusDuration:
			fields["focus_duration_s"] = focusTotal
			if app, share := dominantApp(focusByApp, focusTotal); app != "" {
				fields["focus_app_share"] = share
				label = p.labelFor(app)
			}
		case AggSystemLoad:
			if sysSamples > 0 {
				fields["cpu_percent_mean"] = cpuSum / float64(sysSamples)
				fields["cpu_percent_max"] = cpuMax
				fields["memory_percent_mean"] = memSum / float64(sysSamples)
				fields["memory_percent_max"] = memMax
			}
		}
	}

	// Label fold-in runs last so it sees the bucket's final label.
	if p.wants(AggFeedbackRates) {
		fields["label_accept_rate"] = acceptRate(rates, label)
	}

	return Vector{Bucket: bucket, Fields: fields, Label: label}
}

// labelFor maps the bucket's dominant app through the spec's label
// rules, first match wins.
func (p *Pipeline) labelFor(app string) string {
	for _, r := range p.spec.LabelRules {
		if r.App == app {
			return r.Label
		}
	}
	return p.spec.DefaultLabel
}

// dominantApp picks the app with the largest focus share; ties break
// lexically so extraction stays deterministic.
func dominantApp(focusByApp map[string]float64, total float64) (string, float64) {
	if total <= 0 {
		return "", 0
	}
	apps := make([]string, 0, len(focusByApp))
	for app := range focusByApp {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	var best string
	var bestDur float64
	for _, app := range apps {
		if focusByApp[app] > bestDur {
			best, bestDur = app, focusByApp[app]
		}
	}
	return best, bestDur / total
}

// acceptRate returns the label's historical acceptance rate, or a
// neutral prior when no feedback exists yet.
func acceptRate(rates map[string]float64, label string) float64 {
	if r, ok := rates[label]; ok {
		return r
	}
	return 0.5
}

// fingerprint hashes the exact event IDs plus the acceptance snapshot,
// so unchanged inputs are recognizable across runs.
func fingerprint(events []event.Canonical, rates map[string]float64) string {
	h := sha256.New()
	for _, ev := range events {
		fmt.Fprintf(h, "%s\n", ev.ID)
	}
	labels := make([]string, 0, len(rates))
	for l := range rates {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(h, "%s=%.6f\n", l, rates[l])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sourceRange(events []event.Canonical, fp string) EventRange {
	r := EventRange{Count: len(events), Fingerprint: fp}
	if len(events) > 0 {
		r.FirstID = events[0].ID
		r.LastID = events[len(events)-1].ID
	}
	return r
}
