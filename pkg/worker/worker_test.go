package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ruabot/pkg/plugin"
	"ruabot/pkg/store"
	"ruabot/pkg/supervisor"
)

// framePipe is an unbounded in-memory pipe. Writes never block, reads
// block until data arrives or the pipe closes.
type framePipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newFramePipe() *framePipe {
	p := &framePipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *framePipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

func (p *framePipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() > 0 {
		return p.buf.Read(b)
	}
	return 0, io.EOF
}

func (p *framePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// fakePlugin records lifecycle calls and optionally runs a hook on each
// event.
type fakePlugin struct {
	mu      sync.Mutex
	api     plugin.API
	config  map[string]any
	loads   int
	unloads int
	loadErr error
	events  []string
	onEvent func(ctx context.Context, api plugin.API, name string, data map[string]any)
}

func (p *fakePlugin) OnLoad(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	return p.loadErr
}

func (p *fakePlugin) OnUnload(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloads++
	return nil
}

func (p *fakePlugin) OnEvent(ctx context.Context, name string, data map[string]any) error {
	p.mu.Lock()
	p.events = append(p.events, name)
	hook := p.onEvent
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, p.api, name, data)
	}
	return nil
}

func (p *fakePlugin) counts() (loads, unloads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads, p.unloads
}

type rig struct {
	t         *testing.T
	stdin     *framePipe
	stdout    *framePipe
	scanner   *bufio.Scanner
	done      chan error
	stopOnce  sync.Once
	stopErr   error
	stopped   bool
	store     *store.Store
	mu        sync.Mutex
	instances []*fakePlugin
	onEvent   func(ctx context.Context, api plugin.API, name string, data map[string]any)
	loadErr   error
}

func newRig(t *testing.T) *rig {
	t.Helper()

	r := &rig{
		t:      t,
		stdin:  newFramePipe(),
		stdout: newFramePipe(),
		done:   make(chan error, 1),
		store:  store.New(t.TempDir()),
	}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.Info{
		Author:        "acme",
		Name:          "echo",
		DefaultConfig: map[string]any{"greeting": "hi", "volume": float64(1)},
		New: func(api plugin.API, config map[string]any) plugin.Plugin {
			inst := &fakePlugin{api: api, config: config, onEvent: r.onEvent, loadErr: r.loadErr}
			r.mu.Lock()
			r.instances = append(r.instances, inst)
			r.mu.Unlock()
			return inst
		},
	}))

	rt := New(registry, r.store, r.stdin, r.stdout)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.done <- rt.Run(ctx) }()

	r.scanner = bufio.NewScanner(r.stdout)
	r.scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	t.Cleanup(func() {
		r.stdin.Close()
		if _, ok := r.waitStopped(); !ok {
			t.Error("runtime did not stop")
		}
		cancel()
	})
	return r
}

// waitStopped waits (once) for the runtime to exit and caches the result so
// both a test body and the rig's Cleanup can observe it.
func (r *rig) waitStopped() (error, bool) {
	r.stopOnce.Do(func() {
		select {
		case r.stopErr = <-r.done:
			r.stopped = true
		case <-time.After(3 * time.Second):
		}
	})
	return r.stopErr, r.stopped
}

func (r *rig) send(msg supervisor.RuntimeMessage) {
	r.t.Helper()
	line, err := json.Marshal(msg)
	require.NoError(r.t, err)
	_, err = r.stdin.Write(append(line, '\n'))
	require.NoError(r.t, err)
}

func (r *rig) sendInit(configs ...map[string]any) {
	entries := make([]any, 0, len(configs))
	for _, cfg := range configs {
		entries = append(entries, map[string]any{"author": "acme", "name": "echo", "config": cfg})
	}
	r.send(supervisor.RuntimeMessage{Type: "init_plugins", Data: map[string]any{"plugins": entries}})
}

// awaitFrame reads stdout frames until one of the wanted type shows up.
func (r *rig) awaitFrame(wanted string) supervisor.RuntimeMessage {
	r.t.Helper()
	for r.scanner.Scan() {
		var msg supervisor.RuntimeMessage
		require.NoError(r.t, json.Unmarshal(r.scanner.Bytes(), &msg))
		if msg.Type == wanted {
			return msg
		}
	}
	r.t.Fatalf("stdout closed before a %s frame arrived", wanted)
	return supervisor.RuntimeMessage{}
}

// awaitLog reads stdout frames until a log line contains the substring.
func (r *rig) awaitLog(substr string) supervisor.RuntimeMessage {
	r.t.Helper()
	for r.scanner.Scan() {
		var msg supervisor.RuntimeMessage
		require.NoError(r.t, json.Unmarshal(r.scanner.Bytes(), &msg))
		if msg.Type != "log" {
			continue
		}
		if text, _ := msg.Data["message"].(string); strings.Contains(text, substr) {
			return msg
		}
	}
	r.t.Fatalf("stdout closed before a log containing %q arrived", substr)
	return supervisor.RuntimeMessage{}
}

func (r *rig) instance(i int) *fakePlugin {
	r.t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Greater(r.t, len(r.instances), i)
	return r.instances[i]
}

func TestInitPluginsMergesConfig(t *testing.T) {
	r := newRig(t)
	r.sendInit(map[string]any{"greeting": "yo"})
	r.awaitLog("Loaded plugin acme/echo")

	inst := r.instance(0)
	require.Equal(t, "yo", inst.config["greeting"])
	require.Equal(t, float64(1), inst.config["volume"])

	loads, unloads := inst.counts()
	require.Equal(t, 1, loads)
	require.Equal(t, 0, unloads)
}

func TestInitPluginsReplacesExistingInstance(t *testing.T) {
	r := newRig(t)
	r.sendInit(map[string]any{"greeting": "first"})
	r.awaitLog("Loaded plugin acme/echo")
	r.sendInit(map[string]any{"greeting": "second"})
	r.awaitLog("already loaded, replacing")
	r.awaitLog("Loaded plugin acme/echo")

	first := r.instance(0)
	second := r.instance(1)

	_, unloads := first.counts()
	require.Equal(t, 1, unloads, "old instance must be unloaded on replacement")
	require.Equal(t, "second", second.config["greeting"])

	r.mu.Lock()
	total := len(r.instances)
	r.mu.Unlock()
	require.Equal(t, 2, total)
}

func TestFailedReplacementDiscardsOldInstance(t *testing.T) {
	r := newRig(t)
	r.sendInit(map[string]any{"greeting": "first"})
	r.awaitLog("Loaded plugin acme/echo")

	r.loadErr = errors.New("init exploded")
	r.sendInit(map[string]any{"greeting": "second"})
	r.awaitLog("already loaded, replacing")
	r.awaitLog("failed to load")

	// neither the unloaded old instance nor the failed new one may see
	// events
	r.send(supervisor.RuntimeMessage{Type: "event", Data: map[string]any{
		"event": "onebot.message", "data": map[string]any{},
	}})
	// the dispatcher is FIFO, so this log proves the event was handled
	r.send(supervisor.RuntimeMessage{Type: "init_plugins", Data: map[string]any{
		"plugins": []any{map[string]any{"author": "acme", "name": "ghost"}},
	}})
	r.awaitLog("not in registry")

	first := r.instance(0)
	first.mu.Lock()
	require.Empty(t, first.events, "replaced instance must stop receiving events")
	first.mu.Unlock()

	second := r.instance(1)
	second.mu.Lock()
	require.Empty(t, second.events, "failed instance must not receive events")
	second.mu.Unlock()

	r.stdin.Close()
	err, ok := r.waitStopped()
	if !ok {
		t.Fatal("runtime did not exit on stdin close")
	}
	require.NoError(t, err)

	_, unloads := first.counts()
	require.Equal(t, 1, unloads, "replaced instance must be unloaded exactly once")
}

func TestHeartbeatEchoed(t *testing.T) {
	r := newRig(t)
	r.send(supervisor.RuntimeMessage{Type: "heartbeat", Data: map[string]any{"timestamp": "now"}})
	r.awaitFrame("heartbeat")
}

func TestEventDispatchedToPlugins(t *testing.T) {
	r := newRig(t)
	r.sendInit(nil)
	r.awaitLog("Loaded plugin acme/echo")

	r.send(supervisor.RuntimeMessage{Type: "event", Data: map[string]any{
		"event": "onebot.message",
		"data":  map[string]any{"raw_message": "hello"},
	}})
	// heartbeat after the event proves the event was dispatched first
	r.send(supervisor.RuntimeMessage{Type: "heartbeat", Data: map[string]any{}})
	r.awaitFrame("heartbeat")

	require.Eventually(t, func() bool {
		inst := r.instance(0)
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return len(inst.events) == 1 && inst.events[0] == "onebot.message"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallAPIRoundTrip(t *testing.T) {
	r := newRig(t)

	results := make(chan map[string]any, 1)
	errs := make(chan error, 1)
	r.onEvent = func(ctx context.Context, api plugin.API, name string, data map[string]any) {
		result, err := api.CallAPI(ctx, "get_status", nil)
		results <- result
		errs <- err
	}

	r.sendInit(nil)
	r.awaitLog("Loaded plugin acme/echo")
	r.send(supervisor.RuntimeMessage{Type: "event", Data: map[string]any{
		"event": "onebot.message", "data": map[string]any{},
	}})

	call := r.awaitFrame("api_call")
	require.Equal(t, "get_status", call.Data["action"])
	require.Equal(t, "acme/echo", call.Data["source_plugin"])
	requestID, _ := call.Data["request_id"].(string)
	require.NotEmpty(t, requestID)

	r.send(supervisor.RuntimeMessage{Type: "api_response", Data: map[string]any{
		"request_id": requestID,
		"success":    true,
		"result":     map[string]any{"online": true},
	}})

	select {
	case result := <-results:
		require.NoError(t, <-errs)
		require.Equal(t, true, result["online"])
	case <-time.After(3 * time.Second):
		t.Fatal("plugin never received the API result")
	}
}

func TestCallAPIFailureCarriesError(t *testing.T) {
	r := newRig(t)

	errs := make(chan error, 1)
	r.onEvent = func(ctx context.Context, api plugin.API, name string, data map[string]any) {
		_, err := api.CallAPI(ctx, "send_group_msg", map[string]any{"group_id": "1"})
		errs <- err
	}

	r.sendInit(nil)
	r.awaitLog("Loaded plugin acme/echo")
	r.send(supervisor.RuntimeMessage{Type: "event", Data: map[string]any{
		"event": "onebot.message", "data": map[string]any{},
	}})

	call := r.awaitFrame("api_call")
	requestID, _ := call.Data["request_id"].(string)
	r.send(supervisor.RuntimeMessage{Type: "api_response", Data: map[string]any{
		"request_id": requestID,
		"success":    false,
		"error":      "Message blocked by interceptor",
	}})

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "Message blocked by interceptor")
	case <-time.After(3 * time.Second):
		t.Fatal("plugin never received the API error")
	}
}

func TestUnregisteredPluginLogged(t *testing.T) {
	r := newRig(t)
	r.send(supervisor.RuntimeMessage{Type: "init_plugins", Data: map[string]any{
		"plugins": []any{map[string]any{"author": "acme", "name": "ghost"}},
	}})
	msg := r.awaitLog("not in registry")
	require.Equal(t, "error", msg.Data["level"])

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.instances)
}

func TestReloadPluginUsesPersistedConfig(t *testing.T) {
	r := newRig(t)
	r.sendInit(map[string]any{"greeting": "original"})
	r.awaitLog("Loaded plugin acme/echo")

	require.NoError(t, r.store.Save("acme", "echo", map[string]any{"greeting": "persisted"}))

	r.send(supervisor.RuntimeMessage{Type: "reload_plugin", Data: map[string]any{"plugin_name": "echo"}})
	r.awaitLog("Reloading plugin")
	r.awaitLog("Loaded plugin acme/echo")

	first := r.instance(0)
	_, unloads := first.counts()
	require.Equal(t, 1, unloads)

	second := r.instance(1)
	require.Equal(t, "persisted", second.config["greeting"])
	require.Equal(t, float64(1), second.config["volume"], "defaults still fill unset keys")
}

func TestStdinCloseUnloadsPlugins(t *testing.T) {
	r := newRig(t)
	r.sendInit(nil)
	r.awaitLog("Loaded plugin acme/echo")

	r.stdin.Close()
	err, ok := r.waitStopped()
	if !ok {
		t.Fatal("runtime did not exit on stdin close")
	}
	require.NoError(t, err)

	inst := r.instance(0)
	require.Eventually(t, func() bool {
		_, unloads := inst.counts()
		return unloads == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnparseableFrameIgnored(t *testing.T) {
	r := newRig(t)
	_, err := r.stdin.Write([]byte("{jumbled\n"))
	require.NoError(t, err)
	r.awaitLog("Invalid JSON from host")

	// a valid frame after the garbage still works
	r.send(supervisor.RuntimeMessage{Type: "heartbeat", Data: map[string]any{}})
	r.awaitFrame("heartbeat")
}
