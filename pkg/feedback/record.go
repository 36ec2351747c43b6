// Package feedback records user accept/reject decisions against the
// exact model generation that produced each recommendation, so accuracy
// stays attributable after the model is retired.
package feedback

import "time"

// Decision is the user's verdict on a recommendation.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionIgnored  Decision = "ignored"
)

// ValidDecision reports whether d is a known decision value.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionAccepted, DecisionRejected, DecisionIgnored:
		return true
	}
	return false
}

// Record is one append-only feedback entry.
type Record struct {
	ID               string    `json:"id"`
	ModelName        string    `json:"model_name"`
	ModelGeneration  uint64    `json:"model_generation"`
	RecommendationID string    `json:"recommendation_id"`
	Label            string    `json:"label"`
	Decision         Decision  `json:"decision"`
	Timestamp        time.Time `json:"ts"`
}

// Provenance ties a recommendation ID back to the model generation and
// label that produced it. Written by the inference service, read when
// feedback arrives.
type Provenance struct {
	RecommendationID string    `json:"recommendation_id"`
	ModelName        string    `json:"model_name"`
	ModelGeneration  uint64    `json:"model_generation"`
	Label            string    `json:"label"`
	CreatedAt        time.Time `json:"created_at"`
}
