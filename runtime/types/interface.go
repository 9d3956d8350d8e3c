package types

import (
	"context"
)

// Instance is a materialized plugin. One exists per loaded plugin; the
// runtime type behind it (WASM sandbox, native object, script engine) is
// the factory's concern.
type Instance interface {
	// ID returns the runtime instance id, unique per (re)load
	ID() string

	// Metadata returns the metadata the instance was created from
	Metadata() *Metadata

	// Execute runs the plugin's entry point. It always returns a result
	// value on guest-side failures; err is reserved for host-side faults
	// such as an unknown instance.
	Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error)

	// Shutdown tears the instance down. No guest code runs afterward.
	// It waits for an in-flight execution to finish.
	Shutdown(ctx context.Context) error
}

// Factory materializes plugins of one type
type Factory interface {
	// Type returns the plugin type this factory serves
	Type() PluginType

	// Validate statically checks a module before any load cost is paid
	Validate(md *Metadata, module []byte) error

	// Create compiles and instantiates a plugin
	Create(ctx context.Context, md *Metadata, module []byte) (Instance, error)
}

// AlertSeverity grades an alert
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)
