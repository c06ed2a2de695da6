// Package plugin defines the contract between the worker runtime and the
// extension modules it hosts, plus the static registry that replaces
// dynamic code loading.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Plugin is one loaded extension instance.
//
// Hook errors are logged by the runtime and never abort the worker or the
// other plugins.
type Plugin interface {
	// OnLoad runs once after construction, before any events arrive.
	OnLoad(ctx context.Context) error
	// OnUnload runs before the instance is discarded (replacement, reload,
	// or worker shutdown). Best effort.
	OnUnload(ctx context.Context) error
	// OnEvent receives every event forwarded into the worker.
	OnEvent(ctx context.Context, name string, data map[string]any) error
}

// API is the call surface the runtime hands to each plugin instance.
type API interface {
	// Log emits a log line attributed to the plugin through the host logger.
	Log(level, message string)
	// CallAPI invokes a gateway action and awaits its result.
	CallAPI(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	// Config returns the plugin's merged configuration.
	Config() map[string]any
	// SetConfig updates one configuration key in memory.
	SetConfig(key string, value any)
}

// Constructor builds one plugin instance from its API handle and merged
// configuration.
type Constructor func(api API, config map[string]any) Plugin

// Info is the discovery record for one registered plugin.
type Info struct {
	Author        string
	Name          string
	DefaultConfig map[string]any
	New           Constructor
}

// ID returns the author/name key the runtime tracks instances under.
func (i Info) ID() string {
	return i.Author + "/" + i.Name
}

// Registry is the startup-built lookup table of plugin constructors.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Info
}

// NewRegistry builds an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Info)}
}

// Register adds one plugin record, keyed by plugin name.
func (r *Registry) Register(info Info) error {
	if info.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if info.New == nil {
		return fmt.Errorf("plugin %s has no constructor", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[info.Name]; exists {
		return fmt.Errorf("plugin %s already registered", info.Name)
	}
	r.byName[info.Name] = info
	return nil
}

// Lookup finds a plugin record by name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// Names lists registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeConfig layers supplied configuration over defaults; supplied wins.
func MergeConfig(defaults, supplied map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(supplied))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range supplied {
		merged[k] = v
	}
	return merged
}
