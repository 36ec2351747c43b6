package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tracelearn/tracelearn/pkg/feature"
)

// nearestCentroid classifies a vector by inverse distance to per-label
// feature centroids. Small, fast and fully deterministic, which suits a
// local assistant retraining daily on modest data.
type nearestCentroid struct{}

// centroidParams is the serialized parameter blob.
type centroidParams struct {
	Fields    []string                      `json:"fields"`
	Centroids map[string]map[string]float64 `json:"centroids"`
	Counts    map[string]int                `json:"counts"`
}

func (n *nearestCentroid) ID() string { return "nearest-centroid" }

func (n *nearestCentroid) Fit(ctx context.Context, vectors []feature.Vector) ([]byte, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("nearest-centroid: no training vectors")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fieldSet := map[string]bool{}
	for _, v := range vectors {
		for f := range v.Fields {
			fieldSet[f] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sums := map[string]map[string]float64{}
	counts := map[string]int{}
	for _, v := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sums[v.Label] == nil {
			sums[v.Label] = map[string]float64{}
		}
		for _, f := range fields {
			sums[v.Label][f] += v.Fields[f]
		}
		counts[v.Label]++
	}

	centroids := map[string]map[string]float64{}
	for label, sum := range sums {
		c := map[string]float64{}
		for _, f := range fields {
			c[f] = sum[f] / float64(counts[label])
		}
		centroids[label] = c
	}

	return json.Marshal(centroidParams{Fields: fields, Centroids: centroids, Counts: counts})
}

func (n *nearestCentroid) Score(parameters []byte, fields map[string]float64) ([]LabelScore, error) {
	var p centroidParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return nil, fmt.Errorf("nearest-centroid: decode parameters: %w", err)
	}
	if len(p.Centroids) == 0 {
		return nil, fmt.Errorf("nearest-centroid: empty parameters")
	}

	labels := make([]string, 0, len(p.Centroids))
	for l := range p.Centroids {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	// Inverse-distance scores, normalized to sum to 1 so they behave as
	// confidences.
	raw := make([]float64, len(labels))
	var total float64
	for i, label := range labels {
		d := distance(p.Fields, p.Centroids[label], fields)
		raw[i] = 1.0 / (1.0 + d)
		total += raw[i]
	}

	out := make([]LabelScore, len(labels))
	for i, label := range labels {
		score := raw[i]
		if total > 0 {
			score = raw[i] / total
		}
		out[i] = LabelScore{Label: label, Score: score}
	}
	return out, nil
}

func distance(fieldNames []string, centroid, fields map[string]float64) float64 {
	var sum float64
	for _, f := range fieldNames {
		d := centroid[f] - fields[f]
		sum += d * d
	}
	return math.Sqrt(sum)
}
