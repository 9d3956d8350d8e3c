package loader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/secforge/plugrun/runtime/types"
)

// FactoryRegistry maps plugin types to the factory that materializes them
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[types.PluginType]types.Factory
}

// NewFactoryRegistry creates an empty registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[types.PluginType]types.Factory)}
}

// Register installs a factory for its plugin type, replacing any previous one
func (r *FactoryRegistry) Register(f types.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Type()] = f
}

// Get returns the factory for a plugin type
func (r *FactoryRegistry) Get(t types.PluginType) (types.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[t]
	if !ok {
		return nil, types.NewError(types.CodeLoadingFailed, "",
			fmt.Sprintf("no factory registered for plugin type %q", t))
	}
	return f, nil
}

// Types lists the registered plugin types
func (r *FactoryRegistry) Types() []types.PluginType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PluginType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
