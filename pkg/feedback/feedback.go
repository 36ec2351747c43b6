package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tracelearn/tracelearn/pkg/metrics"
)

// ErrDecision reports a decision value outside the known set.
var ErrDecision = errors.New("feedback: unknown decision")

// Storage is the persistence the loop needs. Implemented by the store;
// Provenance is ok=false when the recommendation ID was never issued.
type Storage interface {
	AppendFeedback(rec Record) error
	Provenance(recommendationID string) (*Provenance, bool, error)
	QueryFeedback(ctx context.Context, from, to time.Time) ([]Record, error)
}

// Loop accepts user decisions and folds them back into acceptance rates
// for the feature pipeline.
type Loop struct {
	st  Storage
	now func() time.Time
}

// NewLoop creates a feedback loop over the given storage.
func NewLoop(st Storage) *Loop {
	return &Loop{st: st, now: time.Now}
}

// Record stores one decision against a recommendation. The record
// attributes to whatever generation issued the recommendation, retired
// or not; an unknown recommendation ID is still stored, attributed to
// the unattributed sentinel generation 0.
func (l *Loop) Record(ctx context.Context, recommendationID string, decision Decision) (Record, error) {
	if !ValidDecision(decision) {
		return Record{}, fmt.Errorf("feedback.Record: %q: %w", decision, ErrDecision)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:               uuid.NewString(),
		RecommendationID: recommendationID,
		Decision:         decision,
		Timestamp:        l.now().UTC(),
	}

	p, ok, err := l.st.Provenance(recommendationID)
	if err != nil {
		return Record{}, fmt.Errorf("feedback.Record: resolve provenance: %w", err)
	}
	if ok {
		rec.ModelName = p.ModelName
		rec.ModelGeneration = p.ModelGeneration
		rec.Label = p.Label
	} else {
		rec.ModelName = "unattributed"
		slog.Warn("feedback for unknown recommendation", "recommendation_id", recommendationID)
	}

	if err := l.st.AppendFeedback(rec); err != nil {
		return Record{}, fmt.Errorf("feedback.Record: %w", err)
	}
	metrics.FeedbackRecords.WithLabelValues(string(decision)).Inc()
	return rec, nil
}

// AcceptanceByLabel aggregates accepted/(accepted+rejected) per label
// over [from, to). Ignored decisions carry no signal and are skipped;
// labels with no accept or reject decisions are absent from the result.
func (l *Loop) AcceptanceByLabel(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	recs, err := l.st.QueryFeedback(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("feedback.AcceptanceByLabel: %w", err)
	}

	type tally struct{ accepted, rejected int }
	byLabel := map[string]*tally{}
	for _, rec := range recs {
		if rec.Label == "" {
			continue
		}
		t := byLabel[rec.Label]
		if t == nil {
			t = &tally{}
			byLabel[rec.Label] = t
		}
		switch rec.Decision {
		case DecisionAccepted:
			t.accepted++
		case DecisionRejected:
			t.rejected++
		}
	}

	rates := make(map[string]float64, len(byLabel))
	for label, t := range byLabel {
		if t.accepted+t.rejected == 0 {
			continue
		}
		rates[label] = float64(t.accepted) / float64(t.accepted+t.rejected)
	}
	return rates, nil
}
