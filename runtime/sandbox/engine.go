package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/types"
)

const wasmPageSize = 64 * 1024

// Config controls the execution engine
type Config struct {
	// MaxMemoryPages caps linear memory per instance, in 64 KiB wasm pages
	MaxMemoryPages uint32 `json:"max_memory_pages" yaml:"max_memory_pages"`
	// MaxInstances caps concurrently loaded instances, 0 means unlimited
	MaxInstances int `json:"max_instances" yaml:"max_instances"`
	// CompileTimeout bounds module compilation and instantiation
	CompileTimeout time.Duration `json:"compile_timeout" yaml:"compile_timeout"`
	// DefaultExecutionTimeout applies when neither request nor manifest set one
	DefaultExecutionTimeout time.Duration `json:"default_execution_timeout" yaml:"default_execution_timeout"`
	// EnvWhitelist names host environment variables a plugin with an env
	// grant may see
	EnvWhitelist []string `json:"env_whitelist" yaml:"env_whitelist"`
	// SandboxRoot is the directory mounted for wildcard filesystem grants
	SandboxRoot string `json:"sandbox_root" yaml:"sandbox_root"`
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		MaxMemoryPages:          1024, // 64 MiB
		MaxInstances:            128,
		CompileTimeout:          30 * time.Second,
		DefaultExecutionTimeout: 5 * time.Second,
	}
}

// Engine hosts sandboxed plugin instances. Every instance gets its own
// wazero runtime, nothing is shared between plugins except the host
// function surface.
type Engine struct {
	config *Config

	mu        sync.RWMutex
	instances map[string]*Instance
	closed    bool
}

// NewEngine creates an execution engine
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:    config,
		instances: make(map[string]*Instance),
	}
}

// LoadPlugin validates, compiles and instantiates a wasm module and returns
// the instance id. The module bytes are validated structurally before any
// compilation cost is paid.
func (e *Engine) LoadPlugin(ctx context.Context, md *types.Metadata, module []byte) (string, error) {
	maxPages := e.pageLimit(md)
	if err := validateModule(md, module, maxPages); err != nil {
		return "", err
	}

	e.mu.RLock()
	count, closed := len(e.instances), e.closed
	e.mu.RUnlock()
	if closed {
		return "", types.NewError(types.CodeSandbox, md.ID, "engine is shut down")
	}
	// Cheap pre-check to skip compilation when already at the cap; the
	// authoritative check happens under the write lock at registration.
	if e.config.MaxInstances > 0 && count >= e.config.MaxInstances {
		return "", types.NewError(types.CodeResourceLimitExceeded, md.ID,
			fmt.Sprintf("instance limit of %d reached", e.config.MaxInstances))
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(maxPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	inst, err := e.instantiate(ctx, r, md, module)
	if err != nil {
		_ = r.Close(ctx)
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = r.Close(ctx)
		return "", types.NewError(types.CodeSandbox, md.ID, "engine is shut down")
	}
	if e.config.MaxInstances > 0 && len(e.instances) >= e.config.MaxInstances {
		e.mu.Unlock()
		_ = r.Close(ctx)
		return "", types.NewError(types.CodeResourceLimitExceeded, md.ID,
			fmt.Sprintf("instance limit of %d reached", e.config.MaxInstances))
	}
	e.instances[inst.id] = inst
	e.mu.Unlock()

	logger.Infof(ctx, "loaded plugin %s as instance %s (%d pages max)", md.ID, inst.id, maxPages)
	return inst.id, nil
}

func (e *Engine) instantiate(ctx context.Context, r wazero.Runtime, md *types.Metadata, module []byte) (*Instance, error) {
	var compiled wazero.CompiledModule
	err := runWithTimeout(ctx, timeoutSpec{op: "compile " + md.ID, d: e.config.CompileTimeout},
		func(ctx context.Context) error {
			var err error
			compiled, err = r.CompileModule(ctx, module)
			return err
		})
	if err != nil {
		if errors.Is(err, errOpTimeout) {
			return nil, types.WrapError(types.CodeLoadingFailed, md.ID, "compilation did not finish", err)
		}
		return nil, types.WrapError(types.CodeSandbox, md.ID, "compilation failed", err)
	}

	// Host functions close over the instance shell, so build it before the
	// guest module that imports them.
	inst := newInstance(md, r)
	if err := instantiateHostModule(ctx, r, inst); err != nil {
		return nil, types.WrapError(types.CodeSandbox, md.ID, "host module setup failed", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, types.WrapError(types.CodeSandbox, md.ID, "wasi setup failed", err)
	}

	modConfig, err := e.moduleConfig(md)
	if err != nil {
		return nil, err
	}

	mod, err := r.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, types.WrapError(types.CodeSandbox, md.ID, "instantiation failed", err)
	}
	inst.mod = mod

	if err := inst.bindExports(entryPoint(md)); err != nil {
		return nil, err
	}

	// Reactor-style modules expose their setup as _initialize
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			return nil, types.WrapError(types.CodeSandbox, md.ID, "module initialization failed", err)
		}
	}
	return inst, nil
}

// moduleConfig applies the manifest's permission grants: env variables are
// filtered through the whitelist, filesystem grants become directory mounts.
func (e *Engine) moduleConfig(md *types.Metadata) (wazero.ModuleConfig, error) {
	cfg := wazero.NewModuleConfig().
		WithName(md.ID).
		WithStartFunctions() // never run _start implicitly

	if grant, ok := md.FindPermission(types.PermEnv); ok {
		for _, kv := range e.allowedEnv(grant) {
			cfg = cfg.WithEnv(kv[0], kv[1])
		}
	}

	fsConfig, mounted, err := e.fsConfig(md)
	if err != nil {
		return nil, err
	}
	if mounted {
		cfg = cfg.WithFSConfig(fsConfig)
	}
	return cfg, nil
}

func (e *Engine) fsConfig(md *types.Metadata) (wazero.FSConfig, bool, error) {
	fsConfig := wazero.NewFSConfig()
	mounted := false

	mount := func(grant types.Permission, readOnly bool) error {
		dirs := grant.Args
		if grant.AllowsAll() {
			if e.config.SandboxRoot == "" {
				return types.NewError(types.CodeValidationFailed, md.ID,
					"wildcard filesystem grant requires a configured sandbox root")
			}
			dirs = []string{e.config.SandboxRoot}
		}
		for _, dir := range dirs {
			if readOnly {
				fsConfig = fsConfig.WithReadOnlyDirMount(dir, dir)
			} else {
				fsConfig = fsConfig.WithDirMount(dir, dir)
			}
			mounted = true
		}
		return nil
	}

	if grant, ok := md.FindPermission(types.PermFileRead); ok {
		if err := mount(grant, true); err != nil {
			return nil, false, err
		}
	}
	if grant, ok := md.FindPermission(types.PermFileWrite); ok {
		if err := mount(grant, false); err != nil {
			return nil, false, err
		}
	}
	return fsConfig, mounted, nil
}

// allowedEnv intersects the grant's variable names with the engine whitelist
func (e *Engine) allowedEnv(grant types.Permission) [][2]string {
	whitelist := make(map[string]bool, len(e.config.EnvWhitelist))
	for _, name := range e.config.EnvWhitelist {
		whitelist[name] = true
	}

	var out [][2]string
	for _, name := range grant.Args {
		if name == "*" {
			continue // still whitelist-bound, never pass everything
		}
		if !whitelist[name] {
			continue
		}
		if val, ok := os.LookupEnv(name); ok {
			out = append(out, [2]string{name, val})
		}
	}
	return out
}

// ExecutePlugin runs a request against a loaded instance
func (e *Engine) ExecutePlugin(ctx context.Context, instanceID string, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.CodePluginNotFound, req.PluginID,
			fmt.Sprintf("no instance %q", instanceID))
	}

	if req.Timeout <= 0 {
		req.Timeout = e.config.DefaultExecutionTimeout
	}
	return inst.Execute(ctx, req)
}

// UnloadPlugin removes an instance, waiting for in-flight work to drain
func (e *Engine) UnloadPlugin(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	if ok {
		delete(e.instances, instanceID)
	}
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.CodePluginNotFound, "", fmt.Sprintf("no instance %q", instanceID))
	}

	if err := inst.Shutdown(ctx); err != nil {
		return err
	}
	logger.Infof(ctx, "unloaded instance %s", instanceID)
	return nil
}

// Instance returns a loaded instance by id
func (e *Engine) Instance(instanceID string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[instanceID]
	return inst, ok
}

// InstanceStats lists a snapshot of every loaded instance
func (e *Engine) InstanceStats() []Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Stats, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.Stats())
	}
	return out
}

// Close shuts down all instances and refuses further loads
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	instances := e.instances
	e.instances = make(map[string]*Instance)
	e.mu.Unlock()

	var firstErr error
	for id, inst := range instances {
		if err := inst.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown of %s: %w", id, err)
		}
	}
	return firstErr
}

// pageLimit converts the manifest memory limit to wasm pages, bounded by
// the engine-wide cap
func (e *Engine) pageLimit(md *types.Metadata) uint32 {
	maxPages := e.config.MaxMemoryPages
	if maxPages == 0 {
		maxPages = DefaultConfig().MaxMemoryPages
	}
	if md.Limits.MaxMemoryBytes > 0 {
		pages := uint32((md.Limits.MaxMemoryBytes + wasmPageSize - 1) / wasmPageSize)
		if pages < maxPages {
			maxPages = pages
		}
	}
	return maxPages
}

func entryPoint(md *types.Metadata) string {
	if md.EntryPoint != "" {
		return md.EntryPoint
	}
	return "execute"
}

// Factory adapts the engine to the loader's instance factory contract
type Factory struct {
	engine *Engine
}

// NewFactory wraps an engine as a wasm instance factory
func NewFactory(engine *Engine) *Factory {
	return &Factory{engine: engine}
}

func (f *Factory) Type() types.PluginType { return types.TypeWasm }

// Validate checks the module statically without loading it
func (f *Factory) Validate(md *types.Metadata, module []byte) error {
	return validateModule(md, module, f.engine.pageLimit(md))
}

// Create loads the module and returns the running instance
func (f *Factory) Create(ctx context.Context, md *types.Metadata, module []byte) (types.Instance, error) {
	instanceID, err := f.engine.LoadPlugin(ctx, md, module)
	if err != nil {
		return nil, err
	}
	inst, ok := f.engine.Instance(instanceID)
	if !ok {
		return nil, types.NewError(types.CodeSandbox, md.ID, "instance vanished after load")
	}
	return inst, nil
}
