package model

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tracelearn/tracelearn/pkg/feature"
)

// LabelScore is one label's score from an algorithm backend.
type LabelScore struct {
	Label string
	Score float64
}

// Algorithm is a pluggable training backend. Parameters are an opaque
// blob: the lifecycle manager never inspects them, only stores and
// hands them back for scoring.
type Algorithm interface {
	ID() string
	Fit(ctx context.Context, vectors []feature.Vector) (parameters []byte, err error)
	Score(parameters []byte, fields map[string]float64) ([]LabelScore, error)
}

var (
	algMu      sync.RWMutex
	algorithms = map[string]Algorithm{}
)

// RegisterAlgorithm adds a backend to the registry. Built-ins register
// in init; external backends may register before training starts.
func RegisterAlgorithm(a Algorithm) {
	algMu.Lock()
	defer algMu.Unlock()
	algorithms[a.ID()] = a
}

// LookupAlgorithm resolves an algorithm identifier.
func LookupAlgorithm(id string) (Algorithm, error) {
	algMu.RLock()
	defer algMu.RUnlock()
	a, ok := algorithms[id]
	if !ok {
		return nil, fmt.Errorf("model: unknown algorithm %q", id)
	}
	return a, nil
}

// Algorithms returns the registered algorithm IDs, sorted.
func Algorithms() []string {
	algMu.RLock()
	defer algMu.RUnlock()
	out := make([]string, 0, len(algorithms))
	for id := range algorithms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterAlgorithm(&nearestCentroid{})
	RegisterAlgorithm(&majorityBaseline{})
}
