// Package schedule runs the daemon's recurring jobs: feature
// extraction, model retraining and retention purges.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one recurring unit of work.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives registered jobs on fixed intervals. Each job gets
// its own ticker goroutine; a run still in flight when the next tick
// arrives is skipped rather than stacked.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*jobState
	started  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type jobState struct {
	job      Job
	trigger  chan struct{}
	inFlight sync.Mutex
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*jobState),
		stopCh: make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start; duplicate names and
// non-positive intervals are rejected.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("schedule.Register: job needs a name and a run func")
	}
	if job.Every <= 0 {
		return fmt.Errorf("schedule.Register: %s: interval %v must be positive", job.Name, job.Every)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("schedule.Register: %s: scheduler already started", job.Name)
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("schedule.Register: %s: duplicate job", job.Name)
	}
	s.jobs[job.Name] = &jobState{job: job, trigger: make(chan struct{}, 1)}
	return nil
}

// Start launches one goroutine per registered job. Jobs run until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		s.wg.Add(1)
		go func(st *jobState) {
			defer s.wg.Done()
			s.loop(ctx, st)
		}(st)
	}
}

// Trigger requests an immediate run of the named job, on top of its
// regular schedule. A trigger while a run is pending coalesces.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule.Trigger: unknown job %q", name)
	}
	select {
	case st.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Stop halts all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, st *jobState) {
	ticker := time.NewTicker(st.job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOne(ctx, st, "tick")
		case <-st.trigger:
			s.runOne(ctx, st, "trigger")
		}
	}
}

// runOne launches the job without blocking the tick loop; a tick or
// trigger arriving while the previous run is in flight is skipped.
func (s *Scheduler) runOne(ctx context.Context, st *jobState, cause string) {
	if !st.inFlight.TryLock() {
		slog.Warn("job still running, skipping", "job", st.job.Name, "cause", cause)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer st.inFlight.Unlock()

		start := time.Now()
		err := st.job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			slog.Error("job failed", "job", st.job.Name, "cause", cause, "elapsed", elapsed, "err", err)
			return
		}
		slog.Info("job completed", "job", st.job.Name, "cause", cause, "elapsed", elapsed)
	}()
}
