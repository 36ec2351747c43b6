package store

import (
	"context"
	"errors"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/feature"
)

// Adapters satisfying the feature pipeline's Storage interface.

// EventsInWindow returns all events in the extraction window, ascending.
func (s *Store) EventsInWindow(ctx context.Context, w feature.Window) ([]event.Canonical, error) {
	return s.QueryEvents(ctx, EventQuery{From: w.Start, To: w.End})
}

// LatestSet returns the newest feature set generation for name, with
// ok=false when none exists yet.
func (s *Store) LatestSet(name string) (*feature.Set, bool, error) {
	set, err := s.LatestFeatureSet(name)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return set, true, nil
}

// FindSet looks a stored generation up by content identity. Generations
// per name stay bounded by retention, so a list scan suffices.
func (s *Store) FindSet(name, specHash, fingerprint string) (*feature.Set, bool, error) {
	sets, err := s.ListFeatureSets(name)
	if err != nil {
		return nil, false, err
	}
	for i := range sets {
		if sets[i].SpecHash == specHash && sets[i].SourceRange.Fingerprint == fingerprint {
			return &sets[i], true, nil
		}
	}
	return nil, false, nil
}

// SaveSet persists a new feature set generation.
func (s *Store) SaveSet(set *feature.Set) error {
	return s.PutFeatureSet(set)
}
