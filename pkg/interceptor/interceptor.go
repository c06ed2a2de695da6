// Package interceptor implements the priority-ordered inspection chains
// applied to messages and events crossing the host/worker boundary.
package interceptor

import (
	"log/slog"
	"sort"
	"sync"
)

// Result is the verdict of one interceptor.
//
// Allow=false halts the chain immediately. A non-nil ModifiedData replaces
// the payload seen by subsequent interceptors.
type Result struct {
	Allow        bool
	ModifiedData map[string]any
	BlockReason  string
}

// Pass allows the payload through unchanged.
func Pass() Result {
	return Result{Allow: true}
}

// Block halts the chain with the given reason.
func Block(reason string) Result {
	return Result{Allow: false, BlockReason: reason}
}

// Modify allows the payload through with a replacement.
func Modify(data map[string]any) Result {
	return Result{Allow: true, ModifiedData: data}
}

// MessageFunc inspects one outbound message action before it reaches the
// gateway. sourcePlugin identifies the plugin that initiated the send, when
// known.
type MessageFunc func(action string, params map[string]any, sourcePlugin string) (Result, error)

// EventFunc inspects one event before it is forwarded to the worker.
type EventFunc func(name string, data map[string]any, source string) (Result, error)

type entry[F any] struct {
	pluginID string
	priority int
	seq      uint64
	fn       F
}

// Registry holds the two independent interceptor chains.
//
// Lower priority runs first; entries with equal priority keep insertion
// order. An interceptor that returns an error or panics is logged and
// treated as a pass-through so a misbehaving entry cannot wedge the chain.
type Registry struct {
	mu       sync.RWMutex
	messages []entry[MessageFunc]
	events   []entry[EventFunc]
	seq      uint64
	log      *slog.Logger
}

// NewRegistry builds an empty interceptor registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log.With("component", "interceptor")}
}

// RegisterMessage adds a message interceptor owned by pluginID.
func (r *Registry) RegisterMessage(pluginID string, priority int, fn MessageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.messages = append(r.messages, entry[MessageFunc]{pluginID: pluginID, priority: priority, seq: r.seq, fn: fn})
	sortEntries(r.messages)
}

// RegisterEvent adds an event interceptor owned by pluginID.
func (r *Registry) RegisterEvent(pluginID string, priority int, fn EventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.events = append(r.events, entry[EventFunc]{pluginID: pluginID, priority: priority, seq: r.seq, fn: fn})
	sortEntries(r.events)
}

// UnregisterPlugin removes every interceptor owned by pluginID from both
// chains. Used when a plugin unloads.
func (r *Registry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = removeOwned(r.messages, pluginID)
	r.events = removeOwned(r.events, pluginID)
}

// RunMessage folds params through the message chain.
//
// Returns the (possibly modified) params and whether delivery is allowed;
// when blocked, reason carries the first blocker's explanation.
func (r *Registry) RunMessage(action string, params map[string]any, sourcePlugin string) (allowed bool, out map[string]any, reason string) {
	r.mu.RLock()
	chain := make([]entry[MessageFunc], len(r.messages))
	copy(chain, r.messages)
	r.mu.RUnlock()

	current := params
	for _, e := range chain {
		result, err := r.invokeMessage(e, action, current, sourcePlugin)
		if err != nil {
			r.log.Error("Message interceptor failed, passing through", "plugin", e.pluginID, "action", action, "error", err)
			continue
		}
		if !result.Allow {
			return false, current, result.BlockReason
		}
		if result.ModifiedData != nil {
			current = result.ModifiedData
		}
	}
	return true, current, ""
}

// RunEvent folds data through the event chain.
func (r *Registry) RunEvent(name string, data map[string]any, source string) (allowed bool, out map[string]any, reason string) {
	r.mu.RLock()
	chain := make([]entry[EventFunc], len(r.events))
	copy(chain, r.events)
	r.mu.RUnlock()

	current := data
	for _, e := range chain {
		result, err := r.invokeEvent(e, name, current, source)
		if err != nil {
			r.log.Error("Event interceptor failed, passing through", "plugin", e.pluginID, "event", name, "error", err)
			continue
		}
		if !result.Allow {
			return false, current, result.BlockReason
		}
		if result.ModifiedData != nil {
			current = result.ModifiedData
		}
	}
	return true, current, ""
}

func (r *Registry) invokeMessage(e entry[MessageFunc], action string, params map[string]any, source string) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Message interceptor panicked, passing through", "plugin", e.pluginID, "action", action, "panic", rec)
			result = Pass()
			err = nil
		}
	}()
	return e.fn(action, params, source)
}

func (r *Registry) invokeEvent(e entry[EventFunc], name string, data map[string]any, source string) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Event interceptor panicked, passing through", "plugin", e.pluginID, "event", name, "panic", rec)
			result = Pass()
			err = nil
		}
	}()
	return e.fn(name, data, source)
}

// Counts reports how many interceptors each chain holds.
func (r *Registry) Counts() (messages, events int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages), len(r.events)
}

func sortEntries[F any](entries []entry[F]) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
}

func removeOwned[F any](entries []entry[F], pluginID string) []entry[F] {
	kept := entries[:0]
	for _, e := range entries {
		if e.pluginID != pluginID {
			kept = append(kept, e)
		}
	}
	return kept
}
