// Package supervisor owns the plugin worker process: it spawns it,
// exchanges newline-framed JSON messages over its stdio, forwards bus
// events into it, and services its outbound API calls.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ruabot/pkg/bus"
	"ruabot/pkg/config"
	"ruabot/pkg/interceptor"
	"ruabot/pkg/logger"
)

const (
	maxLineBytes     = 10 * 1024 * 1024
	defaultHeartbeat = 30 * time.Second
	disposeGrace     = 3 * time.Second
)

// messageActions are the worker API calls routed through the message
// interceptor chain before they reach the network.
var messageActions = map[string]bool{
	"send_group_msg":   true,
	"send_private_msg": true,
	"send_msg":         true,
}

// forwardedEvents are the bus events delivered into the worker.
var forwardedEvents = []string{
	"onebot.message",
	"onebot.notice",
	"onebot.request",
	"onebot.meta_event",
}

// RuntimeMessage is one frame of the host/worker stdio protocol.
type RuntimeMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// ActionCaller executes chat network actions on behalf of the worker.
type ActionCaller interface {
	CallAction(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Supervisor manages the worker process lifecycle and its stdio channel.
type Supervisor struct {
	cfg          config.SupervisorConfig
	plugins      []config.PluginConfig
	gateway      ActionCaller
	bus          *bus.Bus
	interceptors *interceptor.Registry
	log          *slog.Logger

	// spawn is swapped in tests to supply a pipe-backed fake worker.
	spawn func(ctx context.Context) (workerProcess, error)

	mu           sync.Mutex
	proc         workerProcess
	running      bool
	subscribed   bool
	cancel       context.CancelFunc
	loops        sync.WaitGroup
	writeMu      sync.Mutex
	disconnectFn func()
	disconnect   *sync.Once
}

// New builds a supervisor. The interceptor registry may be shared with
// other components; bus and gateway must outlive the supervisor.
func New(cfg config.SupervisorConfig, plugins []config.PluginConfig, gw ActionCaller, b *bus.Bus, reg *interceptor.Registry, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = interceptor.NewRegistry(log)
	}
	s := &Supervisor{
		cfg:          cfg,
		plugins:      plugins,
		gateway:      gw,
		bus:          b,
		interceptors: reg,
		log:          log.With("component", "supervisor"),
		disconnect:   &sync.Once{},
	}
	s.spawn = func(ctx context.Context) (workerProcess, error) {
		marker := workerMarker(cfg.WorkerCommand)
		killOrphans(marker, s.log)
		return spawnWorker(ctx, cfg.WorkerCommand)
	}
	return s
}

// Interceptors exposes the chains so plugins and operators can register
// message and event interceptors.
func (s *Supervisor) Interceptors() *interceptor.Registry {
	return s.interceptors
}

// OnDisconnect registers the callback fired exactly once when the worker's
// stdout pipe closes. Replaces any previous callback.
func (s *Supervisor) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectFn = fn
}

// Initialize spawns the worker, starts the reader and heartbeat loops,
// and sends the plugin set. Safe to call again after Dispose.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("Plugin system is disabled")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("Supervisor already running")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	proc, err := s.spawn(runCtx)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("spawn worker: %w", err)
	}

	s.proc = proc
	s.cancel = cancel
	s.running = true
	s.disconnect = &sync.Once{}

	s.loops.Add(2)
	go s.readLoop(runCtx, proc)
	go s.heartbeatLoop(runCtx)
	s.mu.Unlock()

	s.log.Info("Worker process started", "pid", proc.PID())

	if err := s.sendInitPlugins(); err != nil {
		return err
	}
	s.subscribeEvents(ctx)
	return nil
}

// ReloadAll restarts the worker process and re-initializes every plugin.
func (s *Supervisor) ReloadAll(ctx context.Context) error {
	s.log.Info("Reloading all plugins")
	s.Dispose()
	return s.Initialize(ctx)
}

// ReloadOne asks the running worker to reload a single plugin in place.
func (s *Supervisor) ReloadOne(ctx context.Context, name string) error {
	s.log.Info("Reloading plugin", "plugin", name)
	return s.send(RuntimeMessage{
		Type: "reload_plugin",
		Data: map[string]any{"plugin_name": name},
	})
}

// Dispose stops the loops and the worker process. Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	proc := s.proc
	s.proc = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("Disposing worker process")
	cancel()

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			s.log.Debug("Terminate failed, killing worker", "error", err)
			_ = proc.Kill()
		} else if !waitExit(proc, disposeGrace) {
			s.log.Warn("Worker ignored termination, killing it")
			_ = proc.Kill()
		}
	}

	s.loops.Wait()
	s.log.Info("Worker process disposed")
}

// waitExit waits up to grace for the process to exit.
func waitExit(proc workerProcess, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (s *Supervisor) sendInitPlugins() error {
	entries := make([]map[string]any, 0, len(s.plugins))
	for _, p := range s.plugins {
		if !p.Enabled {
			continue
		}
		entries = append(entries, map[string]any{
			"author":   p.Author,
			"name":     p.Name,
			"config":   p.Config,
			"priority": p.Priority,
		})
	}
	s.log.Info("Initializing plugins", "count", len(entries))
	return s.send(RuntimeMessage{
		Type: "init_plugins",
		Data: map[string]any{"plugins": entries},
	})
}

// subscribeEvents wires bus events into the worker. Runs once for the
// supervisor's lifetime so reloads do not stack duplicate subscriptions.
func (s *Supervisor) subscribeEvents(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed || s.bus == nil {
		return
	}
	for _, name := range forwardedEvents {
		s.bus.Subscribe(name, func(event bus.Event) {
			s.forwardEvent(event)
		})
	}
	s.subscribed = true
}

// forwardEvent pushes one bus event through the event chain and into the
// worker's stdin.
func (s *Supervisor) forwardEvent(event bus.Event) {
	allowed, data, reason := s.interceptors.RunEvent(event.Name, event.Payload, event.Source)
	if !allowed {
		s.log.Debug("Event blocked by interceptor", "event", event.Name, "reason", reason)
		return
	}

	if err := s.send(RuntimeMessage{
		Type: "event",
		Data: map[string]any{"event": event.Name, "data": data},
	}); err != nil {
		s.log.Debug("Dropping event, worker unavailable", "event", event.Name, "error", err)
	}
}

// send writes one frame to the worker's stdin.
func (s *Supervisor) send(msg RuntimeMessage) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("worker not running")
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := proc.Stdin().Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing to worker: %w", err)
	}
	return nil
}

// readLoop consumes the worker's stdout until the pipe closes, then fires
// the disconnect callback exactly once.
func (s *Supervisor) readLoop(ctx context.Context, proc workerProcess) {
	defer s.loops.Done()

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg RuntimeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("Dropping unparseable line from worker", "preview", preview(line), "error", err)
			continue
		}
		s.handleMessage(ctx, msg)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Error("Worker stdout reader failed", "error", err)
	}

	s.mu.Lock()
	fn := s.disconnectFn
	once := s.disconnect
	s.mu.Unlock()

	if fn != nil {
		once.Do(func() {
			s.log.Warn("Worker stdout closed")
			fn()
		})
	}
}

// preview truncates a line for logging so huge payloads do not flood the
// log.
func preview(line []byte) string {
	const max = 200
	if len(line) <= max {
		return string(line)
	}
	return fmt.Sprintf("%s... (truncated, %d bytes)", line[:max], len(line))
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	defer s.loops.Done()

	interval := defaultHeartbeat
	if s.cfg.HeartbeatSeconds > 0 {
		interval = time.Duration(s.cfg.HeartbeatSeconds) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.send(RuntimeMessage{
				Type: "heartbeat",
				Data: map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)},
			})
			if err != nil {
				s.log.Debug("Heartbeat not delivered", "error", err)
			}
		}
	}
}

// handleMessage dispatches one inbound worker frame.
func (s *Supervisor) handleMessage(ctx context.Context, msg RuntimeMessage) {
	switch msg.Type {
	case "log":
		s.handleLog(msg.Data)
	case "event":
		s.handleEvent(ctx, msg.Data)
	case "heartbeat":
		s.log.Debug("Heartbeat from worker")
	case "api_call":
		s.handleAPICall(ctx, msg.Data)
	default:
		s.log.Warn("Unknown message type from worker", "type", msg.Type)
	}
}

func (s *Supervisor) handleLog(data map[string]any) {
	level, _ := data["level"].(string)
	text, _ := data["message"].(string)
	plugin, _ := data["plugin"].(string)
	if plugin == "" {
		plugin = "unknown"
	}
	s.log.Log(context.Background(), logger.Level(level), text, "plugin", plugin)
}

func (s *Supervisor) handleEvent(ctx context.Context, data map[string]any) {
	name, _ := data["event"].(string)
	if name == "" {
		s.log.Warn("Worker event missing name")
		return
	}
	payload, _ := data["data"].(map[string]any)
	if s.bus != nil {
		s.bus.Publish(ctx, bus.Event{Name: name, Payload: payload, Source: "worker"})
	}
}

// handleAPICall services one worker API call: message actions run through
// the interceptor chain first, then the gateway executes the action and
// the outcome goes back with the worker's request id.
func (s *Supervisor) handleAPICall(ctx context.Context, data map[string]any) {
	requestID, _ := data["request_id"].(string)
	action, _ := data["action"].(string)
	params, _ := data["params"].(map[string]any)
	sourcePlugin, _ := data["source_plugin"].(string)

	s.log.Info("Worker API call", "action", action, "request_id", requestID, "plugin", sourcePlugin)

	if messageActions[action] {
		allowed, modified, reason := s.interceptors.RunMessage(action, params, sourcePlugin)
		if !allowed {
			s.log.Warn("Message blocked by interceptor", "action", action, "plugin", sourcePlugin, "reason", reason)
			s.respond(requestID, false, nil, "Message blocked by interceptor")
			return
		}
		params = modified
	}

	if s.gateway == nil {
		s.respond(requestID, false, nil, "gateway not available")
		return
	}

	result, err := s.gateway.CallAction(ctx, action, params)
	if err != nil {
		s.log.Error("Worker API call failed", "action", action, "error", err)
		s.respond(requestID, false, nil, err.Error())
		return
	}
	s.respond(requestID, true, result, "")
}

func (s *Supervisor) respond(requestID string, success bool, result map[string]any, errMsg string) {
	if requestID == "" {
		return
	}
	data := map[string]any{
		"request_id": requestID,
		"success":    success,
	}
	if success {
		data["result"] = result
	} else {
		data["error"] = errMsg
	}
	if err := s.send(RuntimeMessage{Type: "api_response", Data: data}); err != nil {
		s.log.Error("Failed to answer worker API call", "request_id", requestID, "error", err)
	}
}
