package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed region inside a trace. Spans may nest.
type Span struct {
	Name     string         `json:"name"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Duration time.Duration  `json:"duration"`
	Children []*Span        `json:"children,omitempty"`
	Tags     map[string]any `json:"tags,omitempty"`

	parent *Span
}

// PerformanceTrace records nested spans for one sampled execution.
// A nil trace is valid: every method is a no-op on it, so callers never
// branch on whether the execution was sampled.
type PerformanceTrace struct {
	ID          string    `json:"id"`
	PluginID    string    `json:"plugin_id"`
	ExecutionID string    `json:"execution_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Spans       []*Span   `json:"spans"`

	mu      sync.Mutex
	current *Span
}

func newTrace(pluginID, executionID string) *PerformanceTrace {
	return &PerformanceTrace{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		ExecutionID: executionID,
		Start:       time.Now(),
	}
}

// StartSpan opens a span nested under the innermost open span
func (t *PerformanceTrace) StartSpan(name string) *Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	span := &Span{
		Name:   name,
		Start:  time.Now(),
		parent: t.current,
	}
	if t.current != nil {
		t.current.Children = append(t.current.Children, span)
	} else {
		t.Spans = append(t.Spans, span)
	}
	t.current = span
	return span
}

// EndSpan closes the innermost open span
func (t *PerformanceTrace) EndSpan() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return
	}
	t.current.End = time.Now()
	t.current.Duration = t.current.End.Sub(t.current.Start)
	t.current = t.current.parent
}

// SetTag attaches a key/value pair to the innermost open span
func (t *PerformanceTrace) SetTag(key string, value any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return
	}
	if t.current.Tags == nil {
		t.current.Tags = make(map[string]any)
	}
	t.current.Tags[key] = value
}

// Finish closes any spans left open and stamps the trace end time
func (t *PerformanceTrace) Finish() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for t.current != nil {
		t.current.End = now
		t.current.Duration = now.Sub(t.current.Start)
		t.current = t.current.parent
	}
	t.End = now
}

// TotalDuration is the wall time the trace covers. Zero until Finish.
func (t *PerformanceTrace) TotalDuration() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.Start)
}
