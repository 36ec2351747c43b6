package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracelearn/tracelearn/pkg/feature"
	"github.com/tracelearn/tracelearn/pkg/metrics"
)

// ErrBelowThreshold reports a candidate that failed validation
// thresholds; it is retired without touching the active artifact.
var ErrBelowThreshold = errors.New("model: validation below promotion threshold")

// Registry is the artifact persistence the manager drives. Implemented
// by the store; Promote and Retire are transactional there.
type Registry interface {
	Put(a *Artifact) error
	Active(name string) (*Artifact, bool, error)
	List(name string) ([]Artifact, error)
	NextGeneration(name string) (uint64, error)
	Promote(name, artifactID string, expectedActive uint64) (*Artifact, error)
	Retire(name, artifactID string) error
}

// TrainConfig is one model name's training and promotion policy.
type TrainConfig struct {
	Name       string
	Algorithm  string
	MinRows    int
	SplitRatio float64
	Seed       int64
	Thresholds map[string]float64 // metric name → required minimum
}

// State is the lifecycle position of a model name.
type State string

const (
	StateUntrained State = "untrained"
	StateTraining  State = "training"
	StateCandidate State = "candidate"
	StateActive    State = "active"
)

// Manager owns artifact status transitions. Per-name locks serialize
// training and promotion so concurrent attempts cannot interleave.
type Manager struct {
	reg Registry

	mu       sync.Mutex
	training map[string]bool
	promote  map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager over the given registry.
func NewManager(reg Registry) *Manager {
	return &Manager{
		reg:      reg,
		training: make(map[string]bool),
		promote:  make(map[string]*sync.Mutex),
	}
}

// Train fits a new candidate artifact from the feature set. Cancellable:
// a cancelled run persists nothing and the name reverts to untrained.
// Fewer rows than cfg.MinRows is InsufficientDataError: the name stays
// untrained and any previously active artifact keeps serving.
func (m *Manager) Train(ctx context.Context, cfg TrainConfig, set *feature.Set) (*Artifact, error) {
	if err := m.beginTraining(cfg.Name); err != nil {
		return nil, err
	}
	defer m.endTraining(cfg.Name)

	start := time.Now()
	a, err := m.train(ctx, cfg, set)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, ErrInsufficientData):
			outcome = "insufficient_data"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			outcome = "cancelled"
		}
		metrics.TrainingRuns.WithLabelValues(cfg.Name, outcome).Inc()
		return nil, err
	}
	metrics.TrainingRuns.WithLabelValues(cfg.Name, "ok").Inc()
	metrics.TrainingDuration.WithLabelValues(cfg.Name).Observe(time.Since(start).Seconds())
	slog.Info("training completed", "model", cfg.Name, "generation", a.Generation,
		"algorithm", cfg.Algorithm, "rows", len(set.Vectors), "metrics", a.Metrics)
	return a, nil
}

func (m *Manager) train(ctx context.Context, cfg TrainConfig, set *feature.Set) (*Artifact, error) {
	minRows := cfg.MinRows
	if minRows <= 0 {
		minRows = 1
	}
	if len(set.Vectors) < minRows {
		return nil, fmt.Errorf("model.Train: %s: %d rows, need %d: %w",
			cfg.Name, len(set.Vectors), minRows, ErrInsufficientData)
	}

	alg, err := LookupAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("model.Train: %w", err)
	}

	trainRows, holdout := split(set.Vectors, cfg.SplitRatio, cfg.Seed)

	params, err := alg.Fit(ctx, trainRows)
	if err != nil {
		return nil, fmt.Errorf("model.Train: %s: fit: %w", cfg.Name, err)
	}
	// A cancelled fit must never surface as a candidate.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vals, err := validate(alg, params, holdout)
	if err != nil {
		return nil, fmt.Errorf("model.Train: %s: validate: %w", cfg.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gen, err := m.reg.NextGeneration(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("model.Train: %w", err)
	}

	// The artifact is assembled fully in memory and committed in a
	// single Put, the store-level equivalent of write-temp-then-rename:
	// there is no observable half-written candidate.
	a := &Artifact{
		ID:          uuid.NewString(),
		Name:        cfg.Name,
		Generation:  gen,
		TrainedAt:   time.Now().UTC(),
		AlgorithmID: cfg.Algorithm,
		Parameters:  params,
		Metrics:     vals,
		Status:      StatusCandidate,
		FeatureSet:  set.ID,
	}
	if err := m.reg.Put(a); err != nil {
		return nil, fmt.Errorf("model.Train: persist candidate: %w", err)
	}
	return a, nil
}

// Promote moves a candidate to active when its validation metrics meet
// every threshold; candidate → active and prior active → retired are one
// atomic swap in the registry. A candidate below threshold is retired
// immediately and ErrBelowThreshold returned; the prior active artifact
// is untouched, so served recommendations never regress. Concurrent
// promotions for the same name serialize; the loser observes that the
// active generation moved, its candidate is retired and the winner's
// artifact stays in place.
func (m *Manager) Promote(name, artifactID string, thresholds map[string]float64) (*Artifact, error) {
	// Observe the active generation before serializing: if another
	// promotion lands in between, the registry swap detects the stale
	// expectation and fails the attempt instead of demoting the winner.
	var expected uint64
	if prior, ok, err := m.reg.Active(name); err != nil {
		return nil, fmt.Errorf("model.Promote: %w", err)
	} else if ok {
		expected = prior.Generation
	}

	lock := m.promoteLock(name)
	lock.Lock()
	defer lock.Unlock()

	arts, err := m.reg.List(name)
	if err != nil {
		return nil, fmt.Errorf("model.Promote: %w", err)
	}
	var cand *Artifact
	for i := range arts {
		if arts[i].ID == artifactID {
			cand = &arts[i]
			break
		}
	}
	if cand == nil {
		return nil, fmt.Errorf("model.Promote: %s: artifact %s not found", name, artifactID)
	}

	if metric, min, ok := failedThreshold(cand.Metrics, thresholds); !ok {
		if err := m.reg.Retire(name, artifactID); err != nil {
			return nil, fmt.Errorf("model.Promote: retire failed candidate: %w", err)
		}
		metrics.Promotions.WithLabelValues(name, "below_threshold").Inc()
		slog.Info("candidate retired below threshold", "model", name,
			"generation", cand.Generation, "metric", metric, "value", cand.Metrics[metric], "required", min)
		return nil, fmt.Errorf("model.Promote: %s: %s=%.4f < %.4f: %w",
			name, metric, cand.Metrics[metric], min, ErrBelowThreshold)
	}

	promoted, err := m.reg.Promote(name, artifactID, expected)
	if err != nil {
		metrics.Promotions.WithLabelValues(name, "conflict").Inc()
		return nil, fmt.Errorf("model.Promote: %w", err)
	}
	metrics.Promotions.WithLabelValues(name, "promoted").Inc()
	metrics.ActiveModelGeneration.WithLabelValues(name).Set(float64(promoted.Generation))
	slog.Info("model promoted", "model", name, "generation", promoted.Generation, "metrics", promoted.Metrics)
	return promoted, nil
}

// TrainAndPromote runs a full cycle: train a candidate and promote it if
// it passes thresholds. Threshold failure and insufficient data are
// expected outcomes, reported but not escalated.
func (m *Manager) TrainAndPromote(ctx context.Context, cfg TrainConfig, set *feature.Set) (*Artifact, error) {
	cand, err := m.Train(ctx, cfg, set)
	if err != nil {
		return nil, err
	}
	return m.Promote(cfg.Name, cand.ID, cfg.Thresholds)
}

// StateOf reports the lifecycle state of a model name.
func (m *Manager) StateOf(name string) (State, error) {
	m.mu.Lock()
	inTraining := m.training[name]
	m.mu.Unlock()
	if inTraining {
		return StateTraining, nil
	}
	if _, ok, err := m.reg.Active(name); err != nil {
		return "", err
	} else if ok {
		return StateActive, nil
	}
	arts, err := m.reg.List(name)
	if err != nil {
		return "", err
	}
	for _, a := range arts {
		if a.Status == StatusCandidate {
			return StateCandidate, nil
		}
	}
	return StateUntrained, nil
}

func (m *Manager) beginTraining(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.training[name] {
		return fmt.Errorf("model.Train: %s: training already in flight", name)
	}
	m.training[name] = true
	return nil
}

func (m *Manager) endTraining(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.training, name)
}

func (m *Manager) promoteLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promote[name] == nil {
		m.promote[name] = &sync.Mutex{}
	}
	return m.promote[name]
}

// split deterministically shuffles vectors with the seed and holds out
// ratio of them for validation. A holdout that would be empty falls back
// to validating on the training rows.
func split(vectors []feature.Vector, ratio float64, seed int64) (train, holdout []feature.Vector) {
	shuffled := make([]feature.Vector, len(vectors))
	copy(shuffled, vectors)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := int(float64(len(shuffled)) * ratio)
	if n <= 0 || n >= len(shuffled) {
		return shuffled, shuffled
	}
	return shuffled[n:], shuffled[:n]
}

// validate computes accuracy and macro precision/recall/f1 over the
// holdout split.
func validate(alg Algorithm, params []byte, holdout []feature.Vector) (map[string]float64, error) {
	type counts struct{ tp, fp, fn int }
	byLabel := map[string]*counts{}
	correct := 0

	for _, v := range holdout {
		scores, err := alg.Score(params, v.Fields)
		if err != nil {
			return nil, err
		}
		pred := argmax(scores)
		if byLabel[v.Label] == nil {
			byLabel[v.Label] = &counts{}
		}
		if byLabel[pred] == nil {
			byLabel[pred] = &counts{}
		}
		if pred == v.Label {
			correct++
			byLabel[v.Label].tp++
		} else {
			byLabel[pred].fp++
			byLabel[v.Label].fn++
		}
	}

	var precSum, recSum float64
	var classes int
	for _, c := range byLabel {
		if c.tp+c.fn == 0 {
			continue // label never appears in holdout truth
		}
		classes++
		if c.tp+c.fp > 0 {
			precSum += float64(c.tp) / float64(c.tp+c.fp)
		}
		recSum += float64(c.tp) / float64(c.tp+c.fn)
	}

	vals := map[string]float64{}
	if len(holdout) > 0 {
		vals["accuracy"] = float64(correct) / float64(len(holdout))
	}
	if classes > 0 {
		p := precSum / float64(classes)
		r := recSum / float64(classes)
		vals["precision"] = p
		vals["recall"] = r
		if p+r > 0 {
			vals["f1"] = 2 * p * r / (p + r)
		} else {
			vals["f1"] = 0
		}
	}
	return vals, nil
}

// argmax picks the highest score, ties broken by label order so
// validation is deterministic.
func argmax(scores []LabelScore) string {
	best := ""
	bestScore := -1.0
	for _, s := range scores {
		if s.Score > bestScore || (s.Score == bestScore && s.Label < best) {
			best, bestScore = s.Label, s.Score
		}
	}
	return best
}

// failedThreshold returns the first unmet threshold, ok=true when all
// pass.
func failedThreshold(vals, thresholds map[string]float64) (string, float64, bool) {
	for metric, min := range thresholds {
		if vals[metric] < min {
			return metric, min, false
		}
	}
	return "", 0, true
}
