package types

import (
	"strings"
	"time"
)

// PluginType defines the kind of runtime a plugin targets
type PluginType string

const (
	// TypeNative is a platform shared-object plugin
	TypeNative PluginType = "native"
	// TypeWasm is a sandboxed WebAssembly plugin
	TypeWasm PluginType = "wasm"
	// TypeJavaScript is a script plugin
	TypeJavaScript PluginType = "javascript"
)

// ParsePluginType parses a manifest type string
func ParsePluginType(s string) (PluginType, bool) {
	switch PluginType(strings.ToLower(s)) {
	case TypeNative:
		return TypeNative, true
	case TypeWasm:
		return TypeWasm, true
	case TypeJavaScript:
		return TypeJavaScript, true
	}
	return "", false
}

// Dependency represents a declared dependency on another plugin
type Dependency struct {
	Name        string `json:"name"`
	Requirement string `json:"requirement"`
	Optional    bool   `json:"optional"`
}

// PermissionKind identifies a capability category
type PermissionKind string

const (
	PermFileRead   PermissionKind = "fs_read"
	PermFileWrite  PermissionKind = "fs_write"
	PermNetwork    PermissionKind = "network"
	PermEnv        PermissionKind = "env"
	PermProcess    PermissionKind = "process"
	PermSystem     PermissionKind = "system"
	PermPluginComm PermissionKind = "plugin_comm"
	PermCustom     PermissionKind = "custom"
)

// Permission is a manifest-declared capability grant. Args carries the
// kind-specific arguments: paths for fs_read/fs_write, hosts for network,
// variable names for env. For custom kinds Name holds the declared kind and
// Args an optional description.
type Permission struct {
	Kind PermissionKind `json:"kind"`
	Name string         `json:"name,omitempty"`
	Args []string       `json:"args,omitempty"`
}

// AllowsAll reports whether the grant uses the "*" wildcard
func (p Permission) AllowsAll() bool {
	return len(p.Args) == 1 && p.Args[0] == "*"
}

// ResourceLimits bound what a plugin instance may consume
type ResourceLimits struct {
	MaxMemoryBytes        int64 `json:"max_memory_bytes"`
	MaxCPUTimeMS          int64 `json:"max_cpu_time_ms"`
	MaxFileHandles        int   `json:"max_file_handles"`
	MaxNetworkConnections int   `json:"max_network_connections"`
	MaxExecutionTimeMS    int64 `json:"max_execution_time_ms"`
}

// Default resource limits applied when a manifest omits a field
const (
	DefaultMaxMemoryMB           = 64
	DefaultMaxCPUTimeMS          = 1000
	DefaultMaxFileHandles        = 16
	DefaultMaxNetworkConnections = 4
	DefaultMaxExecutionTimeMS    = 5000
)

// DefaultResourceLimits returns the documented defaults
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:        DefaultMaxMemoryMB * 1024 * 1024,
		MaxCPUTimeMS:          DefaultMaxCPUTimeMS,
		MaxFileHandles:        DefaultMaxFileHandles,
		MaxNetworkConnections: DefaultMaxNetworkConnections,
		MaxExecutionTimeMS:    DefaultMaxExecutionTimeMS,
	}
}

// ExecutionTimeout returns the per-call timeout implied by the limits
func (r ResourceLimits) ExecutionTimeout() time.Duration {
	return time.Duration(r.MaxExecutionTimeMS) * time.Millisecond
}

// Metadata is the validated, immutable record produced from a plugin
// manifest. A hot reload supersedes the record; it is never mutated.
type Metadata struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Version            string         `json:"version"`
	Type               PluginType     `json:"type"`
	EntryPoint         string         `json:"entry_point"`
	RequiredAPIVersion string         `json:"required_api_version,omitempty"`
	Dependencies       []Dependency   `json:"dependencies,omitempty"`
	Permissions        []Permission   `json:"permissions,omitempty"`
	Limits             ResourceLimits `json:"resource_limits"`
	Checksum           string         `json:"checksum,omitempty"`
	Signature          []byte         `json:"signature,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	Configuration      map[string]any `json:"configuration,omitempty"`
}

// FindPermission returns the grant of the given kind, if declared
func (m *Metadata) FindPermission(kind PermissionKind) (Permission, bool) {
	for _, p := range m.Permissions {
		if p.Kind == kind {
			return p, true
		}
	}
	return Permission{}, false
}

// DependencyNames returns the names of all required dependencies
func (m *Metadata) DependencyNames() []string {
	var names []string
	for _, dep := range m.Dependencies {
		if !dep.Optional {
			names = append(names, dep.Name)
		}
	}
	return names
}

// LoadState tracks on-disk facts for a loaded plugin id. One per
// currently-or-previously loaded plugin; updated on every (re)load.
type LoadState struct {
	Path       string    `json:"path"`
	ModTime    time.Time `json:"mod_time"`
	Checksum   string    `json:"checksum"`
	LoadCount  int64     `json:"load_count"`
	LastLoaded time.Time `json:"last_loaded"`
}
