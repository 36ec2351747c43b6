package store

import (
	"errors"

	"github.com/tracelearn/tracelearn/pkg/model"
)

// Adapters satisfying the model lifecycle manager's Registry interface.

// Put persists a candidate artifact.
func (s *Store) Put(a *model.Artifact) error {
	return s.PutArtifact(a)
}

// Active returns the active artifact for name, ok=false on cold start.
func (s *Store) Active(name string) (*model.Artifact, bool, error) {
	a, err := s.ActiveArtifact(name)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// List returns all artifacts for name in ascending generation order.
func (s *Store) List(name string) ([]model.Artifact, error) {
	return s.ListArtifacts(name)
}

// NextGeneration returns the next unused generation for name.
func (s *Store) NextGeneration(name string) (uint64, error) {
	return s.NextModelGeneration(name)
}

// Promote runs the transactional candidate → active swap, guarded by
// the caller's observed active generation.
func (s *Store) Promote(name, artifactID string, expectedActive uint64) (*model.Artifact, error) {
	return s.PromoteArtifact(name, artifactID, expectedActive)
}

// Retire moves a candidate straight to retired.
func (s *Store) Retire(name, artifactID string) error {
	return s.RetireArtifact(name, artifactID)
}
