package loader

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/event"
	"github.com/secforge/plugrun/runtime/manifest"
	"github.com/secforge/plugrun/runtime/resolver"
	"github.com/secforge/plugrun/runtime/types"
)

// ManifestName is the descriptor file every plugin bundle carries
const ManifestName = "plugin.toml"

// Recorder consumes execution outcomes, the monitor implements it
type Recorder interface {
	RecordExecution(pluginID string, result *types.ExecutionResult)
}

// Config controls discovery and loading
type Config struct {
	// Dirs are the directories scanned for plugin bundles
	Dirs []string `json:"dirs" yaml:"dirs"`
	// MaxConcurrentLoads bounds parallel compile/instantiate work
	MaxConcurrentLoads int `json:"max_concurrent_loads" yaml:"max_concurrent_loads"`
	// MaxPlugins caps how many plugins may be loaded at once, 0 is unlimited
	MaxPlugins int `json:"max_plugins" yaml:"max_plugins"`
	// Includes, when set, is the only set of plugin ids that will load
	Includes []string `json:"includes" yaml:"includes"`
	// Excludes lists plugin ids that never load
	Excludes []string `json:"excludes" yaml:"excludes"`
	// TrustedKeys are ed25519 public keys accepted for bundle signatures
	TrustedKeys []ed25519.PublicKey `json:"-" yaml:"-"`
	// RequireSignature rejects unsigned bundles when trusted keys are set
	RequireSignature bool `json:"require_signature" yaml:"require_signature"`
	// HotReload enables the filesystem watcher
	HotReload bool `json:"hot_reload" yaml:"hot_reload"`
	// DebounceInterval batches rapid file events per bundle
	DebounceInterval time.Duration `json:"debounce_interval" yaml:"debounce_interval"`
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentLoads: 4,
		MaxPlugins:         256,
		DebounceInterval:   500 * time.Millisecond,
	}
}

// record is one loaded plugin, the instance pointer is swapped on reload
type record struct {
	md       *types.Metadata
	instance types.Instance
	dir      string
}

// Loader discovers plugin bundles, orders them by dependency, and
// materializes them through type-keyed factories.
type Loader struct {
	config    *Config
	factories *FactoryRegistry
	bus       *event.Bus
	recorder  Recorder

	mu       sync.RWMutex
	plugins  map[string]*record
	states   map[string]*types.LoadState
	breakers map[string]*gobreaker.CircuitBreaker

	loadPermits *semaphore.Weighted
	watcher     *Watcher
}

// New creates a loader. The recorder may be nil when no monitor is attached.
func New(config *Config, factories *FactoryRegistry, bus *event.Bus, recorder Recorder) *Loader {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrentLoads <= 0 {
		config.MaxConcurrentLoads = DefaultConfig().MaxConcurrentLoads
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Loader{
		config:      config,
		factories:   factories,
		bus:         bus,
		recorder:    recorder,
		plugins:     make(map[string]*record),
		states:      make(map[string]*types.LoadState),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		loadPermits: semaphore.NewWeighted(int64(config.MaxConcurrentLoads)),
	}
}

// discovered is one parsed bundle awaiting load
type discovered struct {
	md  *types.Metadata
	dir string
}

// DiscoverAndLoad scans the configured directories, orders the discovered
// plugins by dependency, and loads them. Malformed bundles are skipped and
// logged, a dependency cycle aborts the whole pass.
func (l *Loader) DiscoverAndLoad(ctx context.Context) error {
	found := l.discover(ctx)
	if len(found) == 0 {
		logger.Infof(ctx, "no plugin bundles discovered in %v", l.config.Dirs)
		return nil
	}

	found = l.pruneMissingDependencies(ctx, found)

	graph := resolver.New()
	for id, d := range found {
		graph.Add(id, d.md.DependencyNames())
	}
	order, err := graph.Resolve()
	if err != nil {
		return err
	}

	return l.loadInOrder(ctx, order, found)
}

// discover parses every bundle under the configured directories, skipping
// the ones that fail and the ones filtered out by configuration
func (l *Loader) discover(ctx context.Context) map[string]discovered {
	found := make(map[string]discovered)

	for _, dir := range l.config.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Errorf(ctx, "failed to scan plugin directory %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			bundleDir := filepath.Join(dir, entry.Name())
			manifestPath := filepath.Join(bundleDir, ManifestName)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}

			md, err := manifest.ParseFile(manifestPath)
			if err != nil {
				logger.Errorf(ctx, "skipping bundle %s: %v", bundleDir, err)
				continue
			}
			if !l.shouldLoad(md.ID) {
				logger.Infof(ctx, "skipping plugin %s per include/exclude configuration", md.ID)
				continue
			}
			if prev, dup := found[md.ID]; dup {
				logger.Warnf(ctx, "duplicate plugin id %s in %s, keeping %s", md.ID, bundleDir, prev.dir)
				continue
			}
			found[md.ID] = discovered{md: md, dir: bundleDir}
		}
	}
	return found
}

// pruneMissingDependencies drops plugins whose required dependencies were
// not discovered, transitively, so nothing loads against a hole in the graph
func (l *Loader) pruneMissingDependencies(ctx context.Context, found map[string]discovered) map[string]discovered {
	for {
		var dropped []string
		for id, d := range found {
			for _, dep := range d.md.DependencyNames() {
				if _, ok := found[dep]; !ok {
					logger.Errorf(ctx, "skipping plugin %s: required dependency %s is not available", id, dep)
					dropped = append(dropped, id)
					break
				}
			}
		}
		if len(dropped) == 0 {
			return found
		}
		for _, id := range dropped {
			delete(found, id)
		}
	}
}

// loadInOrder runs the loads concurrently under the permit pool while
// preserving dependency order: a plugin only starts once every dependency
// reported success.
func (l *Loader) loadInOrder(ctx context.Context, order []string, found map[string]discovered) error {
	type outcome struct {
		done chan struct{}
		ok   bool
	}
	outcomes := make(map[string]*outcome, len(order))
	for _, id := range order {
		outcomes[id] = &outcome{done: make(chan struct{})}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range order {
		d := found[id]
		o := outcomes[id]
		g.Go(func() error {
			defer close(o.done)

			for _, dep := range d.md.DependencyNames() {
				depOutcome := outcomes[dep]
				select {
				case <-depOutcome.done:
				case <-ctx.Done():
					return ctx.Err()
				}
				if !depOutcome.ok {
					logger.Errorf(ctx, "skipping plugin %s: dependency %s failed to load", d.md.ID, dep)
					return nil
				}
			}

			if err := l.loadPermits.Acquire(ctx, 1); err != nil {
				return err
			}
			defer l.loadPermits.Release(1)

			if err := l.LoadPlugin(ctx, d.md, d.dir); err != nil {
				logger.Errorf(ctx, "failed to load plugin %s: %v", d.md.ID, err)
				return nil // partial-failure tolerant
			}
			o.ok = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var loaded []string
	for id, o := range outcomes {
		if o.ok {
			loaded = append(loaded, id)
		}
	}
	sort.Strings(loaded)
	logger.Infof(ctx, "loaded %d of %d discovered plugins: %v", len(loaded), len(order), loaded)
	return nil
}

// LoadPlugin loads one bundle. A checksum identical to the current load
// state makes the call a no-op.
func (l *Loader) LoadPlugin(ctx context.Context, md *types.Metadata, dir string) error {
	checksum, err := bundleChecksum(dir)
	if err != nil {
		return types.WrapError(types.CodeLoadingFailed, md.ID, "checksum failed", err)
	}

	l.mu.RLock()
	state, known := l.states[md.ID]
	_, loaded := l.plugins[md.ID]
	count := len(l.plugins)
	l.mu.RUnlock()

	if known && loaded && state.Checksum == checksum {
		logger.Debugf(ctx, "plugin %s unchanged (checksum match), skipping load", md.ID)
		return nil
	}
	if !loaded && l.config.MaxPlugins > 0 && count >= l.config.MaxPlugins {
		return types.NewError(types.CodeResourceLimitExceeded, md.ID,
			fmt.Sprintf("plugin limit of %d reached", l.config.MaxPlugins))
	}

	module, err := l.readModule(md, dir)
	if err != nil {
		return err
	}
	if err := verifySignature(md, module, l.config.TrustedKeys, l.config.RequireSignature); err != nil {
		return err
	}

	factory, err := l.factories.Get(md.Type)
	if err != nil {
		return err
	}
	if err := factory.Validate(md, module); err != nil {
		return err
	}

	// Parsed metadata is immutable, the stored record carries a stamped copy
	stamped := *md
	stamped.Checksum = checksum
	instance, err := factory.Create(ctx, &stamped, module)
	if err != nil {
		return err
	}

	eventName := event.PluginLoaded
	var old types.Instance

	l.mu.Lock()
	if prev, ok := l.plugins[md.ID]; ok {
		old = prev.instance
		eventName = event.PluginReloaded
	}
	l.plugins[md.ID] = &record{md: &stamped, instance: instance, dir: dir}
	state = l.states[md.ID]
	if state == nil {
		state = &types.LoadState{Path: dir}
		l.states[md.ID] = state
	}
	if info, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		state.ModTime = info.ModTime()
	}
	state.Path = dir
	state.Checksum = checksum
	state.LoadCount++
	state.LastLoaded = time.Now()
	l.ensureBreaker(md.ID)
	l.mu.Unlock()

	// New calls route to the new instance immediately, the old one drains
	// its in-flight execution before shutting down.
	if old != nil {
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := old.Shutdown(drainCtx); err != nil {
				logger.Errorf(nil, "failed to drain replaced instance of %s: %v", md.ID, err)
			}
		}()
	}

	l.bus.Publish(md.ID, eventName, &stamped)
	logger.Infof(ctx, "plugin %s v%s loaded from %s (load %d)", md.ID, md.Version, dir, state.LoadCount)
	return nil
}

// readModule locates the bundle's module file: <id>.wasm when present,
// otherwise the lexicographically first *.wasm file.
func (l *Loader) readModule(md *types.Metadata, dir string) ([]byte, error) {
	preferred := filepath.Join(dir, md.ID+".wasm")
	if data, err := os.ReadFile(preferred); err == nil {
		return data, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil || len(matches) == 0 {
		return nil, types.NewError(types.CodeLoadingFailed, md.ID,
			fmt.Sprintf("no module file found in %s", dir))
	}
	sort.Strings(matches)
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, types.WrapError(types.CodeLoadingFailed, md.ID, "failed to read module", err)
	}
	return data, nil
}

// ReloadPlugin re-parses a plugin's manifest from its known path and loads
// it again. An unchanged checksum makes it a no-op.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) error {
	l.mu.RLock()
	state, ok := l.states[id]
	var dir string
	if ok {
		dir = state.Path
	}
	l.mu.RUnlock()
	if !ok {
		return types.NewError(types.CodePluginNotFound, id, "plugin has never been loaded")
	}

	md, err := manifest.ParseFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return err
	}
	if md.ID != id {
		return types.NewError(types.CodeValidationFailed, id,
			fmt.Sprintf("bundle at %s now declares id %q", dir, md.ID))
	}
	return l.LoadPlugin(ctx, md, dir)
}

// UnloadPlugin shuts a plugin down and removes it from the registry. Its
// load state is kept so a later load of the same bytes still no-ops.
func (l *Loader) UnloadPlugin(ctx context.Context, id string) error {
	l.mu.Lock()
	rec, ok := l.plugins[id]
	if ok {
		delete(l.plugins, id)
		delete(l.breakers, id)
	}
	l.mu.Unlock()
	if !ok {
		return types.NewError(types.CodePluginNotFound, id, "plugin is not loaded")
	}

	if err := rec.instance.Shutdown(ctx); err != nil {
		return err
	}
	l.bus.Publish(id, event.PluginUnloaded, rec.md)
	logger.Infof(ctx, "plugin %s unloaded", id)
	return nil
}

// Execute runs a loaded plugin by id through its circuit breaker. Callers
// always receive a result value, guest failures are reported as data.
func (l *Loader) Execute(ctx context.Context, id string, payload []byte, timeout time.Duration) (*types.ExecutionResult, error) {
	l.mu.RLock()
	rec, ok := l.plugins[id]
	cb := l.breakers[id]
	l.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.CodePluginNotFound, id, "plugin is not loaded")
	}

	req := &types.ExecutionRequest{
		PluginID:    id,
		ExecutionID: uuid.NewString(),
		Payload:     payload,
		Timeout:     timeout,
	}

	start := time.Now()
	var result *types.ExecutionResult
	_, err := cb.Execute(func() (any, error) {
		var execErr error
		result, execErr = rec.instance.Execute(ctx, req)
		if execErr != nil {
			return nil, execErr
		}
		if !result.Success {
			return nil, types.NewError(result.ErrorCode, id, result.Error)
		}
		return result, nil
	})

	if result == nil {
		// Breaker open or a host-side fault before the guest ran
		code := types.CodeExecutionFailed
		if c := types.ErrorCode(err); c != "" {
			code = c
		}
		result = types.FailedResult(req, code, err.Error(), time.Since(start))
	}

	if l.recorder != nil {
		l.recorder.RecordExecution(id, result)
	}
	return result, nil
}

// Get returns a loaded plugin's metadata
func (l *Loader) Get(id string) (*types.Metadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plugins[id]
	if !ok {
		return nil, false
	}
	return rec.md, true
}

// LoadState returns the load state for a plugin id
func (l *Loader) LoadState(id string) (types.LoadState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.states[id]
	if !ok {
		return types.LoadState{}, false
	}
	return *state, true
}

// List returns the metadata of every loaded plugin, sorted by id
func (l *Loader) List() []*types.Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Metadata, 0, len(l.plugins))
	for _, rec := range l.plugins {
		out = append(out, rec.md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartWatcher begins hot-reload watching of the configured directories
func (l *Loader) StartWatcher(ctx context.Context) error {
	if !l.config.HotReload {
		return nil
	}
	w, err := NewWatcher(l, l.config.Dirs, l.config.DebounceInterval)
	if err != nil {
		return err
	}
	l.watcher = w
	w.Start(ctx)
	return nil
}

// Close stops the watcher and shuts down every loaded plugin
func (l *Loader) Close(ctx context.Context) error {
	if l.watcher != nil {
		l.watcher.Stop()
	}

	l.mu.Lock()
	plugins := l.plugins
	l.plugins = make(map[string]*record)
	l.breakers = make(map[string]*gobreaker.CircuitBreaker)
	l.mu.Unlock()

	var firstErr error
	for id, rec := range plugins {
		if err := rec.instance.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown of %s: %w", id, err)
		}
	}
	return firstErr
}

// shouldLoad applies the include/exclude filters
func (l *Loader) shouldLoad(id string) bool {
	if len(l.config.Includes) > 0 {
		for _, include := range l.config.Includes {
			if include == id {
				return true
			}
		}
		return false
	}
	for _, exclude := range l.config.Excludes {
		if exclude == id {
			return false
		}
	}
	return true
}

// ensureBreaker installs the per-plugin circuit breaker, callers hold l.mu
func (l *Loader) ensureBreaker(id string) {
	if _, ok := l.breakers[id]; ok {
		return
	}
	l.breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 100,
		Interval:    5 * time.Second,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}

// manifestFileName reports whether a path names a bundle manifest
func manifestFileName(path string) bool {
	return strings.EqualFold(filepath.Base(path), ManifestName)
}
