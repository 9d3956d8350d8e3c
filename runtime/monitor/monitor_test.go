package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/secforge/plugrun/runtime/event"
	"github.com/secforge/plugrun/runtime/types"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EvaluationInterval = time.Hour // evaluation driven manually in tests
	cfg.Thresholds.MaxErrorRate = 0.1
	return cfg
}

func successResult(pluginID string, d time.Duration) *types.ExecutionResult {
	return &types.ExecutionResult{
		PluginID:      pluginID,
		ExecutionID:   fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		Success:       true,
		ExecutionTime: d,
	}
}

func failureResult(pluginID string, d time.Duration) *types.ExecutionResult {
	return &types.ExecutionResult{
		PluginID:      pluginID,
		ExecutionID:   fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		Success:       false,
		Error:         "guest failure",
		ErrorCode:     types.CodeExecutionFailed,
		ExecutionTime: d,
	}
}

func alertsOfKind(alerts []*Alert, kind AlertKind) []*Alert {
	var out []*Alert
	for _, a := range alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestRecordExecutionDerivesSnapshot(t *testing.T) {
	m := New(testConfig(), nil, nil)

	m.RecordExecution("scanner", successResult("scanner", 100*time.Millisecond))
	m.RecordExecution("scanner", successResult("scanner", 300*time.Millisecond))
	m.RecordExecution("scanner", failureResult("scanner", 200*time.Millisecond))

	latest, ok := m.storage.LatestMetrics("scanner")
	if !ok {
		t.Fatal("expected metrics for scanner")
	}
	if latest.ExecutionCount != 3 {
		t.Errorf("execution count = %d, want 3", latest.ExecutionCount)
	}
	if latest.SuccessCount != 2 || latest.ErrorCount != 1 {
		t.Errorf("success/error = %d/%d, want 2/1", latest.SuccessCount, latest.ErrorCount)
	}
	if latest.AvgExecTime != 200*time.Millisecond {
		t.Errorf("avg exec time = %v, want 200ms", latest.AvgExecTime)
	}

	errs, err := m.PluginErrors("scanner", 10)
	if err != nil {
		t.Fatalf("PluginErrors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("error entries = %d, want 1", len(errs))
	}
	if errs[0].Code != string(types.CodeExecutionFailed) {
		t.Errorf("error code = %s, want %s", errs[0].Code, types.CodeExecutionFailed)
	}
}

func TestAlertDeduplicationAndResolution(t *testing.T) {
	m := New(testConfig(), nil, nil)

	for i := 0; i < 4; i++ {
		m.RecordExecution("flaky", successResult("flaky", 10*time.Millisecond))
	}
	for i := 0; i < 6; i++ {
		m.RecordExecution("flaky", failureResult("flaky", 10*time.Millisecond))
	}

	m.Evaluate()
	m.Evaluate()
	m.Evaluate()

	raised := alertsOfKind(m.Alerts(), HighErrorRate)
	if len(raised) != 1 {
		t.Fatalf("high error rate alerts = %d, want exactly 1", len(raised))
	}
	alert := raised[0]
	if alert.PluginID != "flaky" {
		t.Errorf("alert plugin = %s, want flaky", alert.PluginID)
	}
	if alert.Observed != 0.6 {
		t.Errorf("observed = %v, want 0.6", alert.Observed)
	}

	if err := m.ResolveAlert(alert.ID); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if !m.alerts[alert.ID].Resolved {
		t.Error("alert not marked resolved")
	}

	// condition still holds, a fresh alert may now be raised
	m.Evaluate()
	raised = alertsOfKind(m.Alerts(), HighErrorRate)
	if len(raised) != 2 {
		t.Fatalf("alerts after resolve = %d, want 2", len(raised))
	}

	if err := m.ResolveAlert("no-such-alert"); err == nil {
		t.Error("expected error resolving unknown alert id")
	}
}

func TestAlertHandlersAndBusEvents(t *testing.T) {
	bus := event.NewBus()
	created := make(chan *Alert, 4)
	bus.Subscribe(event.AlertCreated, func(d event.Data) {
		if a, ok := d.Data.(*Alert); ok {
			created <- a
		}
	})
	resolved := make(chan *Alert, 4)
	bus.Subscribe(event.AlertResolved, func(d event.Data) {
		if a, ok := d.Data.(*Alert); ok {
			resolved <- a
		}
	})

	m := New(testConfig(), nil, bus)
	handled := make(chan *Alert, 4)
	m.RegisterHandler(HandlerFunc(func(a *Alert) { handled <- a }))

	m.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	m.RecordExecution("noisy", failureResult("noisy", time.Millisecond))
	m.Evaluate()

	select {
	case a := <-handled:
		if a.Kind != HighErrorRate && a.Kind != LowSuccessRate {
			t.Errorf("unexpected alert kind %s", a.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	var busAlert *Alert
	select {
	case busAlert = <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert.created event on bus")
	}

	if err := m.ResolveAlert(busAlert.ID); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	select {
	case <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert.resolved event on bus")
	}
}

func TestEvaluateRaisesPerThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds.MaxExecutionTime = 50 * time.Millisecond
	cfg.Thresholds.MaxMemoryBytes = 1024
	m := New(cfg, nil, nil)

	slow := successResult("heavy", 200*time.Millisecond)
	slow.MemoryUsed = 4096
	m.RecordExecution("heavy", slow)

	m.Evaluate()

	if got := alertsOfKind(m.Alerts(), SlowExecution); len(got) != 1 {
		t.Errorf("slow execution alerts = %d, want 1", len(got))
	}
	if got := alertsOfKind(m.Alerts(), HighMemoryUsage); len(got) != 1 {
		t.Errorf("high memory alerts = %d, want 1", len(got))
	}
	if got := alertsOfKind(m.Alerts(), HighErrorRate); len(got) != 0 {
		t.Errorf("high error rate alerts = %d, want 0", len(got))
	}
}

func TestDashboardData(t *testing.T) {
	m := New(testConfig(), nil, nil)

	m.RecordExecution("alpha", successResult("alpha", 10*time.Millisecond))
	m.RecordExecution("alpha", failureResult("alpha", 10*time.Millisecond))
	m.RecordExecution("beta", successResult("beta", 20*time.Millisecond))
	m.Evaluate()

	data := m.GetDashboardData()
	if data.PluginCount != 2 {
		t.Errorf("plugin count = %d, want 2", data.PluginCount)
	}
	if data.TotalExecutions != 3 {
		t.Errorf("total executions = %d, want 3", data.TotalExecutions)
	}
	if data.TotalErrors != 1 {
		t.Errorf("total errors = %d, want 1", data.TotalErrors)
	}
	if data.RecentErrors != 1 {
		t.Errorf("recent errors = %d, want 1", data.RecentErrors)
	}
	if data.ActiveAlerts == 0 {
		t.Error("expected at least one active alert for alpha")
	}
	if data.System.Goroutines <= 0 {
		t.Error("goroutine count not populated")
	}
	if len(data.Plugins) != 2 {
		t.Fatalf("plugin health entries = %d, want 2", len(data.Plugins))
	}
}

func TestTraceSampling(t *testing.T) {
	cfg := testConfig()
	cfg.TraceSampleRate = 1
	m := New(cfg, nil, nil)

	tr := m.StartTrace("scanner", "exec-1")
	if tr == nil {
		t.Fatal("sample rate 1 must always trace")
	}
	tr.StartSpan("compile")
	tr.SetTag("module_bytes", 2048)
	tr.StartSpan("validate")
	tr.EndSpan()
	tr.EndSpan()
	tr.Finish()

	if len(tr.Spans) != 1 {
		t.Fatalf("root spans = %d, want 1", len(tr.Spans))
	}
	root := tr.Spans[0]
	if root.Name != "compile" || len(root.Children) != 1 {
		t.Errorf("unexpected span tree: root %q with %d children", root.Name, len(root.Children))
	}
	if root.Tags["module_bytes"] != 2048 {
		t.Errorf("tag module_bytes = %v, want 2048", root.Tags["module_bytes"])
	}
	if tr.TotalDuration() <= 0 {
		t.Error("finished trace must report a duration")
	}

	cfg.TraceSampleRate = 0
	unsampled := m.StartTrace("scanner", "exec-2")
	if unsampled != nil {
		t.Fatal("sample rate 0 must not trace")
	}
	// nil traces are no-ops, never panics
	unsampled.StartSpan("noop")
	unsampled.SetTag("k", "v")
	unsampled.EndSpan()
	unsampled.Finish()
	if unsampled.TotalDuration() != 0 {
		t.Error("nil trace duration must be zero")
	}
}
