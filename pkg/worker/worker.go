// Package worker implements the plugin-side runtime. It runs in the
// supervised child process, speaks the newline-framed JSON protocol on
// stdin/stdout, and hosts the plugin instances.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ruabot/pkg/pending"
	"ruabot/pkg/plugin"
	"ruabot/pkg/store"
	"ruabot/pkg/supervisor"
)

const (
	maxLineBytes = 10 * 1024 * 1024
	callTimeout  = 10 * time.Second
	taskQueue    = 256
)

// Runtime hosts plugin instances and relays their API calls to the host
// process.
//
// The stdin reader is the only goroutine resolving API responses; plugin
// hooks run on a separate dispatch goroutine so a hook blocked in CallAPI
// never starves the reader that would unblock it.
type Runtime struct {
	registry *plugin.Registry
	store    *store.Store
	in       io.Reader
	out      io.Writer

	outMu   sync.Mutex
	pending *pending.Table
	tasks   chan supervisor.RuntimeMessage

	mu      sync.Mutex
	plugins map[string]plugin.Plugin
	configs map[string]map[string]any
}

// New builds a worker runtime reading frames from in and writing frames
// to out. The store supplies persisted plugin config on reload.
func New(registry *plugin.Registry, st *store.Store, in io.Reader, out io.Writer) *Runtime {
	// stdout carries protocol frames, so internal diagnostics must not
	// reach it.
	quiet := slog.New(slog.DiscardHandler)
	return &Runtime{
		registry: registry,
		store:    st,
		in:       in,
		out:      out,
		pending:  pending.NewTable(quiet),
		tasks:    make(chan supervisor.RuntimeMessage, taskQueue),
		plugins:  make(map[string]plugin.Plugin),
		configs:  make(map[string]map[string]any),
	}
}

// Run processes frames until stdin closes or ctx ends. It unloads all
// plugins before returning.
func (r *Runtime) Run(ctx context.Context) error {
	r.sendLog("info", "Plugin runtime started", "runtime")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var dispatch sync.WaitGroup
	dispatch.Add(1)
	go func() {
		defer dispatch.Done()
		for msg := range r.tasks {
			r.dispatch(runCtx, msg)
		}
	}()

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if runCtx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg supervisor.RuntimeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			r.sendLog("error", fmt.Sprintf("Invalid JSON from host: %v", err), "runtime")
			continue
		}
		r.handleMessage(msg)
	}

	close(r.tasks)
	dispatch.Wait()
	r.unloadAll(context.Background())
	r.sendLog("info", "Plugin runtime stopped", "runtime")
	return scanner.Err()
}

// handleMessage routes one inbound frame. Correlation and heartbeat
// frames are serviced inline; plugin work is queued for the dispatcher.
func (r *Runtime) handleMessage(msg supervisor.RuntimeMessage) {
	switch msg.Type {
	case "heartbeat":
		r.send(supervisor.RuntimeMessage{Type: "heartbeat", Data: map[string]any{}})
	case "api_response":
		r.resolveResponse(msg.Data)
	case "init_plugins", "reload_plugin", "event":
		select {
		case r.tasks <- msg:
		default:
			r.sendLog("error", fmt.Sprintf("Dropping %s frame, dispatch queue full", msg.Type), "runtime")
		}
	default:
		r.sendLog("warning", fmt.Sprintf("Unknown message type: %s", msg.Type), "runtime")
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg supervisor.RuntimeMessage) {
	switch msg.Type {
	case "init_plugins":
		entries, _ := msg.Data["plugins"].([]any)
		r.initPlugins(ctx, entries)
	case "reload_plugin":
		name, _ := msg.Data["plugin_name"].(string)
		r.reloadPlugin(ctx, name)
	case "event":
		name, _ := msg.Data["event"].(string)
		data, _ := msg.Data["data"].(map[string]any)
		r.handleEvent(ctx, name, data)
	}
}

func (r *Runtime) resolveResponse(data map[string]any) {
	requestID, _ := data["request_id"].(string)
	success := true
	if v, ok := data["success"].(bool); ok {
		success = v
	}

	var resolved bool
	if success {
		result, _ := data["result"].(map[string]any)
		resolved = r.pending.Resolve(requestID, result)
	} else {
		message, _ := data["error"].(string)
		if message == "" {
			message = "API call failed"
		}
		resolved = r.pending.Reject(requestID, errors.New(message))
	}
	if !resolved {
		r.sendLog("warning", fmt.Sprintf("No pending request for id %s", requestID), "runtime")
	}
}

// initPlugins constructs one instance per entry. An entry whose key is
// already loaded replaces the old instance, unloading it first.
func (r *Runtime) initPlugins(ctx context.Context, entries []any) {
	r.sendLog("info", fmt.Sprintf("Initializing %d plugins", len(entries)), "runtime")

	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		author, _ := entry["author"].(string)
		name, _ := entry["name"].(string)
		supplied, _ := entry["config"].(map[string]any)
		r.loadOne(ctx, author, name, supplied)
	}
}

func (r *Runtime) loadOne(ctx context.Context, author, name string, supplied map[string]any) {
	pluginID := author + "/" + name

	info, ok := r.registry.Lookup(name)
	if !ok {
		r.sendLog("error", fmt.Sprintf("Plugin %s not in registry", pluginID), "runtime")
		return
	}

	merged := plugin.MergeConfig(info.DefaultConfig, supplied)
	instance := info.New(&api{rt: r, pluginID: pluginID}, merged)

	r.mu.Lock()
	old := r.plugins[pluginID]
	delete(r.plugins, pluginID)
	delete(r.configs, pluginID)
	r.mu.Unlock()

	if old != nil {
		r.sendLog("warning", fmt.Sprintf("Plugin %s already loaded, replacing", pluginID), "runtime")
		r.safeUnload(ctx, pluginID, old)
	}

	if err := safeHook(func() error { return instance.OnLoad(ctx) }); err != nil {
		r.sendLog("error", fmt.Sprintf("Plugin %s failed to load: %v", pluginID, err), "runtime")
		return
	}

	r.mu.Lock()
	r.plugins[pluginID] = instance
	r.configs[pluginID] = merged
	count := len(r.plugins)
	r.mu.Unlock()

	r.sendLog("info", fmt.Sprintf("Loaded plugin %s (total: %d)", pluginID, count), "runtime")
}

// reloadPlugin drops one instance and rebuilds it from persisted config.
// Accepts "author/name" or a bare name.
func (r *Runtime) reloadPlugin(ctx context.Context, name string) {
	if name == "" {
		r.sendLog("error", "reload_plugin without a plugin name", "runtime")
		return
	}
	r.sendLog("info", "Reloading plugin: "+name, "runtime")

	pluginID := r.resolveID(name)
	author, short := splitID(pluginID)

	r.mu.Lock()
	instance := r.plugins[pluginID]
	delete(r.plugins, pluginID)
	delete(r.configs, pluginID)
	r.mu.Unlock()

	if instance != nil {
		r.safeUnload(ctx, pluginID, instance)
	}

	var supplied map[string]any
	if r.store != nil {
		persisted, err := r.store.Load(author, short)
		if err != nil {
			r.sendLog("warning", fmt.Sprintf("Could not read persisted config for %s: %v", pluginID, err), "runtime")
		} else if len(persisted) > 0 {
			supplied = persisted
		}
	}

	r.loadOne(ctx, author, short, supplied)
}

// resolveID maps a bare plugin name to its loaded author/name key, or
// falls back to the registry's author for fresh loads.
func (r *Runtime) resolveID(name string) string {
	if strings.Contains(name, "/") {
		return name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.plugins {
		_, short := splitID(id)
		if short == name {
			return id
		}
	}
	if info, ok := r.registry.Lookup(name); ok {
		return info.ID()
	}
	return "/" + name
}

func (r *Runtime) handleEvent(ctx context.Context, name string, data map[string]any) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	instances := make([]plugin.Plugin, len(ids))
	for i, id := range ids {
		instances[i] = r.plugins[id]
	}
	r.mu.Unlock()

	for i, instance := range instances {
		pluginID := ids[i]
		err := safeHook(func() error { return instance.OnEvent(ctx, name, data) })
		if err != nil {
			r.sendLog("error", fmt.Sprintf("Plugin %s failed handling %s: %v", pluginID, name, err), "runtime")
		}
	}
}

func (r *Runtime) unloadAll(ctx context.Context) {
	r.mu.Lock()
	plugins := make(map[string]plugin.Plugin, len(r.plugins))
	for id, instance := range r.plugins {
		plugins[id] = instance
	}
	r.plugins = make(map[string]plugin.Plugin)
	r.configs = make(map[string]map[string]any)
	r.mu.Unlock()

	for id, instance := range plugins {
		r.safeUnload(ctx, id, instance)
	}
}

func (r *Runtime) safeUnload(ctx context.Context, pluginID string, instance plugin.Plugin) {
	if err := safeHook(func() error { return instance.OnUnload(ctx) }); err != nil {
		r.sendLog("error", fmt.Sprintf("Plugin %s failed to unload: %v", pluginID, err), "runtime")
	}
}

// safeHook converts a panicking plugin hook into an error.
func safeHook(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// send writes one frame to stdout.
func (r *Runtime) send(msg supervisor.RuntimeMessage) {
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = r.out.Write(append(line, '\n'))
}

// sendLog ships a log line to the host, attributed to a plugin or the
// runtime itself.
func (r *Runtime) sendLog(level, message, pluginID string) {
	r.send(supervisor.RuntimeMessage{
		Type: "log",
		Data: map[string]any{
			"level":   level,
			"message": message,
			"plugin":  pluginID,
		},
	})
}

func splitID(id string) (author, name string) {
	author, name, ok := strings.Cut(id, "/")
	if !ok {
		return "", id
	}
	return author, name
}
