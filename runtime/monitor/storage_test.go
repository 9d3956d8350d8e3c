package monitor

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryStorageEvictsOldestMetrics(t *testing.T) {
	s := NewMemoryStorage(3, 3)

	for i := 0; i < 5; i++ {
		m := &Metrics{
			PluginID:       "scanner",
			Timestamp:      time.Now(),
			ExecutionCount: int64(i + 1),
		}
		if err := s.AppendMetrics("scanner", m); err != nil {
			t.Fatalf("AppendMetrics: %v", err)
		}
	}

	history, err := s.MetricsHistory("scanner", 10)
	if err != nil {
		t.Fatalf("MetricsHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want capacity 3", len(history))
	}
	// oldest two snapshots evicted, survivors in insertion order
	for i, m := range history {
		want := int64(i + 3)
		if m.ExecutionCount != want {
			t.Errorf("history[%d].ExecutionCount = %d, want %d", i, m.ExecutionCount, want)
		}
	}

	latest, ok := s.LatestMetrics("scanner")
	if !ok || latest.ExecutionCount != 5 {
		t.Errorf("latest = %+v ok=%v, want count 5", latest, ok)
	}
}

func TestMemoryStorageEvictsOldestErrors(t *testing.T) {
	s := NewMemoryStorage(3, 2)

	for i := 0; i < 4; i++ {
		e := &ErrorEntry{
			PluginID:    "scanner",
			ExecutionID: fmt.Sprintf("exec-%d", i),
			Time:        time.Now(),
			Message:     fmt.Sprintf("failure %d", i),
		}
		if err := s.AppendError("scanner", e); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}

	errs, err := s.RecentErrors("scanner", 10)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want capacity 2", len(errs))
	}
	// newest first
	if errs[0].ExecutionID != "exec-3" || errs[1].ExecutionID != "exec-2" {
		t.Errorf("unexpected order: %s, %s", errs[0].ExecutionID, errs[1].ExecutionID)
	}
}

func TestMemoryStorageErrorsSince(t *testing.T) {
	s := NewMemoryStorage(10, 10)

	old := &ErrorEntry{PluginID: "a", Time: time.Now().Add(-2 * time.Hour)}
	recent := &ErrorEntry{PluginID: "a", Time: time.Now()}
	other := &ErrorEntry{PluginID: "b", Time: time.Now()}
	for _, e := range []*ErrorEntry{old, recent, other} {
		if err := s.AppendError(e.PluginID, e); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}

	n, err := s.ErrorsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ErrorsSince: %v", err)
	}
	if n != 2 {
		t.Errorf("errors since 1h = %d, want 2", n)
	}
}

func TestMemoryStoragePlugins(t *testing.T) {
	s := NewMemoryStorage(10, 10)
	_ = s.AppendMetrics("beta", &Metrics{PluginID: "beta"})
	_ = s.AppendMetrics("alpha", &Metrics{PluginID: "alpha"})
	_ = s.AppendError("gamma", &ErrorEntry{PluginID: "gamma"})

	got := s.Plugins()
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("plugins = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("plugins = %v, want %v", got, want)
		}
	}

	if _, ok := s.LatestMetrics("missing"); ok {
		t.Error("expected no metrics for unknown plugin")
	}
}
