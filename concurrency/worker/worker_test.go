package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 2, QueueSize: 16, TaskTimeout: time.Second})
	p.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	}()

	var ran atomic.Int64
	for i := 0; i < 8; i++ {
		if err := p.Submit(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, "all tasks to run", func() bool { return ran.Load() == 8 })
	waitFor(t, "completed count", func() bool { return p.GetMetrics()["completed_tasks"] == 8 })
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 4, TaskTimeout: time.Second})
	p.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	}()

	_ = p.Submit(func(ctx context.Context) error { return errors.New("task failed") })
	_ = p.Submit(func(ctx context.Context) error { return nil })

	waitFor(t, "metrics to settle", func() bool {
		m := p.GetMetrics()
		return m["failed_tasks"] == 1 && m["completed_tasks"] == 1
	})
	waitFor(t, "pool to go idle", p.IsIdle)
}

func TestStopIsIdempotent(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 4, TaskTimeout: time.Second})
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
	p.Stop(ctx) // second stop must not panic
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	// no workers started, the queue fills up
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 2, TaskTimeout: time.Second})

	task := func(ctx context.Context) error { return nil }
	if err := p.Submit(task); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(task); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := p.Submit(task); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third submit err = %v, want ErrQueueFull", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", *DefaultConfig(), true},
		{"zero workers", Config{MaxWorkers: 0, QueueSize: 1}, false},
		{"zero queue", Config{MaxWorkers: 1, QueueSize: 0}, false},
		{"negative timeout", Config{MaxWorkers: 1, QueueSize: 1, TaskTimeout: -time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
