package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestJobRunsOnInterval(t *testing.T) {
	s := New()
	var runs atomic.Int64
	err := s.Register(Job{
		Name:  "tick",
		Every: 20 * time.Millisecond,
		Run:   func(ctx context.Context) error { runs.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestTriggerRunsImmediately(t *testing.T) {
	s := New()
	var runs atomic.Int64
	if err := s.Register(Job{
		Name:  "slow-interval",
		Every: time.Hour,
		Run:   func(ctx context.Context) error { runs.Add(1); return nil },
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.Trigger("slow-interval"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })

	if err := s.Trigger("no-such-job"); err == nil {
		t.Error("Trigger on unknown job did not fail")
	}
}

func TestOverlappingRunsSkipped(t *testing.T) {
	s := New()
	var started atomic.Int64
	release := make(chan struct{})
	if err := s.Register(Job{
		Name:  "blocker",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Trigger("blocker"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return started.Load() == 1 })

	// While the first run blocks, further triggers must be skipped.
	for i := 0; i < 3; i++ {
		if err := s.Trigger("blocker"); err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := started.Load(); n != 1 {
		t.Fatalf("started %d runs while one was in flight, want 1", n)
	}

	close(release)
	s.Stop()
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	s := New()
	var finished atomic.Bool
	if err := s.Register(Job{
		Name:  "lingering",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Trigger("lingering"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
}

func TestJobErrorDoesNotStopSchedule(t *testing.T) {
	s := New()
	var runs atomic.Int64
	if err := s.Register(Job{
		Name:  "flaky",
		Every: 15 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if runs.Add(1)%2 == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 4 })
}

func TestRegisterValidation(t *testing.T) {
	s := New()
	noop := func(ctx context.Context) error { return nil }

	if err := s.Register(Job{Name: "", Every: time.Second, Run: noop}); err == nil {
		t.Error("empty name accepted")
	}
	if err := s.Register(Job{Name: "bad", Every: 0, Run: noop}); err == nil {
		t.Error("zero interval accepted")
	}
	if err := s.Register(Job{Name: "dup", Every: time.Second, Run: noop}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register(Job{Name: "dup", Every: time.Second, Run: noop}); err == nil {
		t.Error("duplicate name accepted")
	}
}
