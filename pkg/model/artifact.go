// Package model manages the training, validation, versioning and
// promotion lifecycle of activity models. Each model name moves through
// untrained → training → candidate → active → retired; exactly one
// artifact per name is active at any instant.
package model

import (
	"errors"
	"time"
)

// Status is the lifecycle position of a persisted artifact.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusActive    Status = "active"
	StatusRetired   Status = "retired"
)

// Artifact is a trained, versioned, persisted model plus its validation
// metrics. Parameters are an opaque blob owned by the algorithm backend.
type Artifact struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Generation  uint64             `json:"generation"`
	TrainedAt   time.Time          `json:"trained_at"`
	AlgorithmID string             `json:"algorithm_id"`
	Parameters  []byte             `json:"parameters"`
	Metrics     map[string]float64 `json:"metrics"`
	Status      Status             `json:"status"`
	FeatureSet  string             `json:"feature_set_id"`
}

// ErrInsufficientData marks a training run with too few feature rows.
// The model stays untrained and any previously active artifact keeps
// serving.
var ErrInsufficientData = errors.New("model: insufficient training data")
