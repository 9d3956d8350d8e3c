// Package monitor records per-execution outcomes, keeps bounded rolling
// metrics and error histories per plugin, and raises deduplicated alerts
// when configured thresholds are breached.
package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/secforge/plugrun/concurrency/worker"
	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/event"
	"github.com/secforge/plugrun/runtime/types"
)

// Thresholds are the per-plugin alert conditions evaluated on every tick
type Thresholds struct {
	MaxExecutionTime time.Duration `json:"max_execution_time"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes"`
	MaxErrorRate     float64       `json:"max_error_rate"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	MaxCPUPercent    float64       `json:"max_cpu_percent"`
}

// Config represents monitor configuration
type Config struct {
	EvaluationInterval time.Duration `json:"evaluation_interval"`
	MetricsCapacity    int           `json:"metrics_capacity"`
	ErrorCapacity      int           `json:"error_capacity"`
	TraceSampleRate    float64       `json:"trace_sample_rate"`
	Thresholds         Thresholds    `json:"thresholds"`
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		EvaluationInterval: 30 * time.Second,
		MetricsCapacity:    100,
		ErrorCapacity:      50,
		TraceSampleRate:    0.1,
		Thresholds: Thresholds{
			MaxExecutionTime: 30 * time.Second,
			MaxMemoryBytes:   512 * 1024 * 1024,
			MaxErrorRate:     0.5,
			MinSuccessRate:   0.5,
			MaxCPUPercent:    80,
		},
	}
}

// Monitor consumes execution results and evaluates alert conditions.
// Alert handlers run on a worker pool so a slow handler never stalls
// the evaluation loop.
type Monitor struct {
	config  *Config
	storage Storage
	bus     *event.Bus
	pool    *worker.Pool

	mu       sync.RWMutex
	handlers []Handler
	alerts   map[string]*Alert // alert id -> alert
	active   map[string]string // plugin|kind -> unresolved alert id

	started   time.Time
	totalErrs atomic.Int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a monitor. A nil storage falls back to the in-memory
// backend sized from the config.
func New(config *Config, storage Storage, bus *event.Bus) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if storage == nil {
		storage = NewMemoryStorage(config.MetricsCapacity, config.ErrorCapacity)
	}
	return &Monitor{
		config:  config,
		storage: storage,
		bus:     bus,
		pool:    worker.NewPool(worker.DefaultConfig()),
		alerts:  make(map[string]*Alert),
		active:  make(map[string]string),
		started: time.Now(),
	}
}

// RegisterHandler adds an alert handler. Handlers registered after an
// alert was created do not see it.
func (m *Monitor) RegisterHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// RecordExecution derives a new metrics snapshot from the previous one
// and appends it to the plugin's history. Failures also append an error
// entry. Satisfies the loader's Recorder interface.
func (m *Monitor) RecordExecution(pluginID string, result *types.ExecutionResult) {
	if result == nil {
		return
	}

	prev, ok := m.storage.LatestMetrics(pluginID)
	next := &Metrics{
		PluginID:  pluginID,
		Timestamp: time.Now(),
	}
	if ok {
		next.ExecutionCount = prev.ExecutionCount
		next.SuccessCount = prev.SuccessCount
		next.ErrorCount = prev.ErrorCount
		next.TotalExecTime = prev.TotalExecTime
		next.NetworkRequests = prev.NetworkRequests
		next.FileOps = prev.FileOps
	}

	next.ExecutionCount++
	if result.Success {
		next.SuccessCount++
	} else {
		next.ErrorCount++
		m.totalErrs.Add(1)
	}
	next.TotalExecTime += result.ExecutionTime
	next.AvgExecTime = next.TotalExecTime / time.Duration(next.ExecutionCount)
	next.MemoryUsed = result.MemoryUsed
	next.NetworkRequests += int64(result.NetworkRequests)
	next.FileOps += int64(result.FilesCreated)

	// CPU share of this plugin relative to monitor uptime
	uptime := time.Since(m.started)
	if uptime > 0 {
		next.CPUPercent = float64(next.TotalExecTime) / float64(uptime) * 100
	}

	if err := m.storage.AppendMetrics(pluginID, next); err != nil {
		logger.Warnf(nil, "failed to store metrics for plugin %s: %v", pluginID, err)
	}

	if !result.Success {
		entry := &ErrorEntry{
			PluginID:    pluginID,
			ExecutionID: result.ExecutionID,
			Time:        time.Now(),
			Code:        string(result.ErrorCode),
			Message:     result.Error,
		}
		if err := m.storage.AppendError(pluginID, entry); err != nil {
			logger.Warnf(nil, "failed to store error entry for plugin %s: %v", pluginID, err)
		}
	}
}

// Start launches the handler pool and the periodic evaluation loop.
// Stop must be called to release them.
func (m *Monitor) Start(ctx context.Context) {
	m.pool.Start()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.EvaluationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Evaluate()
			}
		}
	}()
}

// Stop halts evaluation and drains the handler pool
func (m *Monitor) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.pool.Stop(ctx)
}

// Evaluate compares the latest snapshot of every plugin against the
// configured thresholds. Breaches raise an alert unless an unresolved
// alert of the same (plugin, kind) already exists.
func (m *Monitor) Evaluate() {
	t := m.config.Thresholds
	for _, pluginID := range m.storage.Plugins() {
		latest, ok := m.storage.LatestMetrics(pluginID)
		if !ok {
			continue
		}

		if t.MaxErrorRate > 0 && latest.ErrorRate() > t.MaxErrorRate {
			m.raise(pluginID, HighErrorRate, types.SeverityCritical, t.MaxErrorRate, latest.ErrorRate(),
				fmt.Sprintf("plugin %s error rate %.2f exceeds %.2f", pluginID, latest.ErrorRate(), t.MaxErrorRate))
		}
		if t.MinSuccessRate > 0 && latest.SuccessRate() < t.MinSuccessRate {
			m.raise(pluginID, LowSuccessRate, types.SeverityWarning, t.MinSuccessRate, latest.SuccessRate(),
				fmt.Sprintf("plugin %s success rate %.2f below %.2f", pluginID, latest.SuccessRate(), t.MinSuccessRate))
		}
		if t.MaxExecutionTime > 0 && latest.AvgExecTime > t.MaxExecutionTime {
			m.raise(pluginID, SlowExecution, types.SeverityWarning, t.MaxExecutionTime.Seconds(), latest.AvgExecTime.Seconds(),
				fmt.Sprintf("plugin %s average execution time %v exceeds %v", pluginID, latest.AvgExecTime, t.MaxExecutionTime))
		}
		if t.MaxMemoryBytes > 0 && latest.MemoryUsed > t.MaxMemoryBytes {
			m.raise(pluginID, HighMemoryUsage, types.SeverityWarning, float64(t.MaxMemoryBytes), float64(latest.MemoryUsed),
				fmt.Sprintf("plugin %s memory usage %d bytes exceeds %d", pluginID, latest.MemoryUsed, t.MaxMemoryBytes))
		}
		if t.MaxCPUPercent > 0 && latest.CPUPercent > t.MaxCPUPercent {
			m.raise(pluginID, HighCPUUsage, types.SeverityWarning, t.MaxCPUPercent, latest.CPUPercent,
				fmt.Sprintf("plugin %s cpu usage %.1f%% exceeds %.1f%%", pluginID, latest.CPUPercent, t.MaxCPUPercent))
		}
	}
}

func (m *Monitor) raise(pluginID string, kind AlertKind, severity types.AlertSeverity, threshold, observed float64, message string) {
	key := pluginID + "|" + string(kind)

	m.mu.Lock()
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return
	}
	alert := newAlert(pluginID, kind, severity, threshold, observed, message)
	m.alerts[alert.ID] = alert
	m.active[key] = alert.ID
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(pluginID, event.AlertCreated, alert)
	}

	for _, h := range handlers {
		handler := h
		err := m.pool.Submit(func(ctx context.Context) error {
			handler.HandleAlert(alert)
			return nil
		})
		if err != nil {
			logger.Warnf(nil, "alert handler dispatch dropped for plugin %s: %v", pluginID, err)
		}
	}
}

// ResolveAlert marks an alert resolved. A later breach of the same
// condition raises a fresh alert.
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.Resolved {
		alert.Resolved = true
		alert.ResolvedAt = time.Now()
		delete(m.active, alert.PluginID+"|"+string(alert.Kind))
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(alert.PluginID, event.AlertResolved, alert)
	}
	return nil
}

// ActiveAlerts returns the unresolved alerts
func (m *Monitor) ActiveAlerts() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Alert, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, m.alerts[id])
	}
	return out
}

// Alerts returns every alert the monitor has raised, resolved included
func (m *Monitor) Alerts() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out
}

// PluginMetrics returns up to limit snapshots for a plugin, oldest first
func (m *Monitor) PluginMetrics(pluginID string, limit int) ([]*Metrics, error) {
	return m.storage.MetricsHistory(pluginID, limit)
}

// PluginErrors returns up to limit failure entries, newest first
func (m *Monitor) PluginErrors(pluginID string, limit int) ([]*ErrorEntry, error) {
	return m.storage.RecentErrors(pluginID, limit)
}

// StartTrace begins a performance trace for an execution. Traces are
// sampled at the configured rate; an unsampled call returns a no-op
// trace that is safe to use.
func (m *Monitor) StartTrace(pluginID, executionID string) *PerformanceTrace {
	if rand.Float64() >= m.config.TraceSampleRate {
		return nil
	}
	return newTrace(pluginID, executionID)
}

// PluginHealth is one plugin's entry in the dashboard snapshot
type PluginHealth struct {
	PluginID    string        `json:"plugin_id"`
	SuccessRate float64       `json:"success_rate"`
	AvgExecTime time.Duration `json:"avg_exec_time"`
	MemoryUsed  int64         `json:"memory_used"`
	ErrorCount  int64         `json:"error_count"`
}

// SystemMetrics aggregates host-level state for the dashboard
type SystemMetrics struct {
	Uptime          time.Duration `json:"uptime"`
	Goroutines      int           `json:"goroutines"`
	HeapAllocBytes  uint64        `json:"heap_alloc_bytes"`
	SystemMemoryPct float64       `json:"system_memory_pct"`
	SystemCPUPct    float64       `json:"system_cpu_pct"`
}

// DashboardData is a read-only aggregate snapshot safe for external polling
type DashboardData struct {
	System          SystemMetrics  `json:"system"`
	PluginCount     int            `json:"plugin_count"`
	TotalExecutions int64          `json:"total_executions"`
	TotalErrors     int64          `json:"total_errors"`
	ActiveAlerts    int            `json:"active_alerts"`
	RecentErrors    int            `json:"recent_errors"`
	Plugins         []PluginHealth `json:"plugins"`
}

// GetDashboardData assembles the current monitoring snapshot
func (m *Monitor) GetDashboardData() *DashboardData {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	data := &DashboardData{
		System: SystemMetrics{
			Uptime:         time.Since(m.started),
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: ms.HeapAlloc,
		},
		TotalErrors: m.totalErrs.Load(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		data.System.SystemMemoryPct = vm.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		data.System.SystemCPUPct = pct[0]
	}

	for _, pluginID := range m.storage.Plugins() {
		latest, ok := m.storage.LatestMetrics(pluginID)
		if !ok {
			continue
		}
		data.PluginCount++
		data.TotalExecutions += latest.ExecutionCount
		data.Plugins = append(data.Plugins, PluginHealth{
			PluginID:    pluginID,
			SuccessRate: latest.SuccessRate(),
			AvgExecTime: latest.AvgExecTime,
			MemoryUsed:  latest.MemoryUsed,
			ErrorCount:  latest.ErrorCount,
		})
	}

	m.mu.RLock()
	data.ActiveAlerts = len(m.active)
	m.mu.RUnlock()

	if n, err := m.storage.ErrorsSince(time.Now().Add(-time.Hour)); err == nil {
		data.RecentErrors = n
	}
	return data
}
