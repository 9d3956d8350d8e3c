package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/secforge/plugrun/runtime/monitor"
)

// Monitor plugin monitor config struct
type Monitor struct {
	EvaluationInterval string
	MetricsCapacity    int
	ErrorCapacity      int
	TraceSampleRate    float64
	Thresholds         MonitorThresholds
	RedisAddr          string
	RedisPassword      string
	SentryDSN          string

	interval time.Duration
}

// MonitorThresholds alert threshold config struct
type MonitorThresholds struct {
	MaxExecutionTime string
	MaxMemoryMB      int64
	MaxErrorRate     float64
	MinSuccessRate   float64
	MaxCPUPercent    float64

	maxExecTime time.Duration
}

func getMonitorConfig(v *viper.Viper) *Monitor {
	return &Monitor{
		EvaluationInterval: v.GetString("monitor.evaluation_interval"),
		MetricsCapacity:    v.GetInt("monitor.metrics_capacity"),
		ErrorCapacity:      v.GetInt("monitor.error_capacity"),
		TraceSampleRate:    v.GetFloat64("monitor.trace_sample_rate"),
		Thresholds: MonitorThresholds{
			MaxExecutionTime: v.GetString("monitor.thresholds.max_execution_time"),
			MaxMemoryMB:      v.GetInt64("monitor.thresholds.max_memory_mb"),
			MaxErrorRate:     v.GetFloat64("monitor.thresholds.max_error_rate"),
			MinSuccessRate:   v.GetFloat64("monitor.thresholds.min_success_rate"),
			MaxCPUPercent:    v.GetFloat64("monitor.thresholds.max_cpu_percent"),
		},
		RedisAddr:     v.GetString("monitor.redis.addr"),
		RedisPassword: v.GetString("monitor.redis.password"),
		SentryDSN:     v.GetString("monitor.sentry_dsn"),
	}
}

// Validate checks the monitor section and parses its durations
func (m *Monitor) Validate() error {
	var err error
	if m.interval, err = time.ParseDuration(m.EvaluationInterval); err != nil {
		return fmt.Errorf("monitor.evaluation_interval: %w", err)
	}
	if m.interval <= 0 {
		return fmt.Errorf("monitor.evaluation_interval must be positive")
	}
	if m.MetricsCapacity < 1 || m.ErrorCapacity < 1 {
		return fmt.Errorf("monitor capacities must be greater than 0")
	}
	if m.TraceSampleRate < 0 || m.TraceSampleRate > 1 {
		return fmt.Errorf("monitor.trace_sample_rate must be between 0 and 1")
	}
	if m.Thresholds.maxExecTime, err = time.ParseDuration(m.Thresholds.MaxExecutionTime); err != nil {
		return fmt.Errorf("monitor.thresholds.max_execution_time: %w", err)
	}
	if m.Thresholds.MaxErrorRate < 0 || m.Thresholds.MaxErrorRate > 1 {
		return fmt.Errorf("monitor.thresholds.max_error_rate must be between 0 and 1")
	}
	if m.Thresholds.MinSuccessRate < 0 || m.Thresholds.MinSuccessRate > 1 {
		return fmt.Errorf("monitor.thresholds.min_success_rate must be between 0 and 1")
	}
	return nil
}

// MonitorConfig converts the section into the monitor package's config
func (m *Monitor) MonitorConfig() *monitor.Config {
	return &monitor.Config{
		EvaluationInterval: m.interval,
		MetricsCapacity:    m.MetricsCapacity,
		ErrorCapacity:      m.ErrorCapacity,
		TraceSampleRate:    m.TraceSampleRate,
		Thresholds: monitor.Thresholds{
			MaxExecutionTime: m.Thresholds.maxExecTime,
			MaxMemoryBytes:   m.Thresholds.MaxMemoryMB * 1024 * 1024,
			MaxErrorRate:     m.Thresholds.MaxErrorRate,
			MinSuccessRate:   m.Thresholds.MinSuccessRate,
			MaxCPUPercent:    m.Thresholds.MaxCPUPercent,
		},
	}
}
