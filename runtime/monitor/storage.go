package monitor

import (
	"sort"
	"sync"
	"time"
)

// Metrics is one rolling per-plugin snapshot. A new snapshot is derived
// from the previous one on every recorded execution.
type Metrics struct {
	PluginID        string        `json:"plugin_id"`
	Timestamp       time.Time     `json:"timestamp"`
	ExecutionCount  int64         `json:"execution_count"`
	SuccessCount    int64         `json:"success_count"`
	ErrorCount      int64         `json:"error_count"`
	TotalExecTime   time.Duration `json:"total_exec_time"`
	AvgExecTime     time.Duration `json:"avg_exec_time"`
	MemoryUsed      int64         `json:"memory_used"`
	CPUPercent      float64       `json:"cpu_percent"`
	NetworkRequests int64         `json:"network_requests"`
	FileOps         int64         `json:"file_ops"`
}

// SuccessRate is the fraction of executions that succeeded
func (m *Metrics) SuccessRate() float64 {
	if m.ExecutionCount == 0 {
		return 1
	}
	return float64(m.SuccessCount) / float64(m.ExecutionCount)
}

// ErrorRate is the fraction of executions that failed
func (m *Metrics) ErrorRate() float64 {
	if m.ExecutionCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.ExecutionCount)
}

// ErrorEntry is one recorded failure
type ErrorEntry struct {
	PluginID    string    `json:"plugin_id"`
	ExecutionID string    `json:"execution_id"`
	Time        time.Time `json:"time"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
}

// Storage holds per-plugin metrics and error histories. Implementations
// must be safe for concurrent use.
type Storage interface {
	// AppendMetrics stores a snapshot, evicting the oldest once the
	// per-plugin capacity is reached
	AppendMetrics(pluginID string, m *Metrics) error
	// AppendError stores a failure entry under the same eviction rule
	AppendError(pluginID string, e *ErrorEntry) error
	// LatestMetrics returns the most recent snapshot for a plugin
	LatestMetrics(pluginID string) (*Metrics, bool)
	// MetricsHistory returns up to limit snapshots, oldest first
	MetricsHistory(pluginID string, limit int) ([]*Metrics, error)
	// RecentErrors returns up to limit entries, newest first
	RecentErrors(pluginID string, limit int) ([]*ErrorEntry, error)
	// ErrorsSince counts failures across all plugins after t
	ErrorsSince(t time.Time) (int, error)
	// Plugins lists every plugin id with recorded history
	Plugins() []string
}

// MemoryStorage is the default in-process backend: bounded FIFO queues per
// plugin id.
type MemoryStorage struct {
	mu         sync.RWMutex
	metrics    map[string][]*Metrics
	errors     map[string][]*ErrorEntry
	metricsCap int
	errorCap   int
}

// NewMemoryStorage creates a bounded in-memory storage. Capacities below 1
// fall back to the defaults.
func NewMemoryStorage(metricsCap, errorCap int) *MemoryStorage {
	if metricsCap <= 0 {
		metricsCap = 100
	}
	if errorCap <= 0 {
		errorCap = 50
	}
	return &MemoryStorage{
		metrics:    make(map[string][]*Metrics),
		errors:     make(map[string][]*ErrorEntry),
		metricsCap: metricsCap,
		errorCap:   errorCap,
	}
}

func (s *MemoryStorage) AppendMetrics(pluginID string, m *Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := append(s.metrics[pluginID], m)
	if len(q) > s.metricsCap {
		q = q[len(q)-s.metricsCap:]
	}
	s.metrics[pluginID] = q
	return nil
}

func (s *MemoryStorage) AppendError(pluginID string, e *ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := append(s.errors[pluginID], e)
	if len(q) > s.errorCap {
		q = q[len(q)-s.errorCap:]
	}
	s.errors[pluginID] = q
	return nil
}

func (s *MemoryStorage) LatestMetrics(pluginID string) (*Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.metrics[pluginID]
	if len(q) == 0 {
		return nil, false
	}
	return q[len(q)-1], true
}

func (s *MemoryStorage) MetricsHistory(pluginID string, limit int) ([]*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.metrics[pluginID]
	if limit > 0 && len(q) > limit {
		q = q[len(q)-limit:]
	}
	return append([]*Metrics(nil), q...), nil
}

func (s *MemoryStorage) RecentErrors(pluginID string, limit int) ([]*ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.errors[pluginID]
	out := make([]*ErrorEntry, 0, len(q))
	for i := len(q) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, q[i])
	}
	return out, nil
}

func (s *MemoryStorage) ErrorsSince(t time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, q := range s.errors {
		for _, e := range q {
			if e.Time.After(t) {
				count++
			}
		}
	}
	return count, nil
}

func (s *MemoryStorage) Plugins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.metrics))
	for id := range s.metrics {
		seen[id] = struct{}{}
	}
	for id := range s.errors {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
