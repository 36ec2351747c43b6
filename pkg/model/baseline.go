package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracelearn/tracelearn/pkg/feature"
)

// majorityBaseline predicts label frequencies regardless of input. It
// exists as a sanity floor: a candidate that cannot beat it should not
// be promoted.
type majorityBaseline struct{}

type baselineParams struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func (b *majorityBaseline) ID() string { return "majority-baseline" }

func (b *majorityBaseline) Fit(ctx context.Context, vectors []feature.Vector) ([]byte, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("majority-baseline: no training vectors")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, v := range vectors {
		counts[v.Label]++
	}
	return json.Marshal(baselineParams{Counts: counts, Total: len(vectors)})
}

func (b *majorityBaseline) Score(parameters []byte, fields map[string]float64) ([]LabelScore, error) {
	var p baselineParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return nil, fmt.Errorf("majority-baseline: decode parameters: %w", err)
	}
	if p.Total == 0 {
		return nil, fmt.Errorf("majority-baseline: empty parameters")
	}
	out := make([]LabelScore, 0, len(p.Counts))
	for label, n := range p.Counts {
		out = append(out, LabelScore{Label: label, Score: float64(n) / float64(p.Total)})
	}
	return out, nil
}
