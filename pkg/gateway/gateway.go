// Package gateway bridges the chat network protocol to the event bus. It
// owns the network transports, correlates action calls with their
// responses, and normalizes inbound frames into events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"ruabot/pkg/bus"
	"ruabot/pkg/config"
	"ruabot/pkg/pending"
	"ruabot/pkg/protocol"
)

const (
	callTimeout    = 10 * time.Second
	reconnectDelay = 5 * time.Second
)

// EventHandler receives every normalized inbound event.
type EventHandler func(ctx context.Context, event bus.Event)

// transport is one way of moving frames to and from the chat network.
// The HTTP path is not a transport: it has no inbound stream, so the
// gateway calls it directly.
type transport interface {
	start(ctx context.Context) error
	stop()
	// send writes one frame to the live connection.
	send(ctx context.Context, payload map[string]any) error
	// connected reports whether a peer is currently reachable.
	connected() bool
}

// Gateway connects the bot to its chat network.
type Gateway struct {
	cfg config.GatewayConfig
	log *slog.Logger
	bus *bus.Bus

	echoes *pending.Table
	http   *resty.Client
	ws     transport

	mu       sync.Mutex
	started  bool
	handlers []EventHandler
	cancel   context.CancelFunc
}

// New builds a gateway for the configured connection type.
func New(cfg config.GatewayConfig, b *bus.Bus, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway")

	g := &Gateway{
		cfg:    cfg,
		log:    log,
		bus:    b,
		echoes: pending.NewTable(log),
	}

	if cfg.HTTPURL != "" {
		client := resty.New().
			SetBaseURL(cfg.HTTPURL).
			SetTimeout(30 * time.Second)
		if cfg.AccessToken != "" {
			client.SetAuthToken(cfg.AccessToken)
		}
		g.http = client
	}

	switch cfg.ConnectionType {
	case "ws", "ws_forward":
		g.ws = newClientTransport(cfg, g.handleFrame, log)
	case "ws_reverse":
		g.ws = newServerTransport(cfg, g.handleFrame, log)
	}
	return g
}

// OnEvent registers a handler for normalized inbound events. Handlers run
// after the event is published on the bus.
func (g *Gateway) OnEvent(handler EventHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

// Start brings up the configured transport. Idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		g.log.Warn("Gateway already started")
		return nil
	}

	g.log.Info("Starting gateway", "connection_type", g.cfg.ConnectionType)

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if g.ws != nil {
		if err := g.ws.start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start %s transport: %w", g.cfg.ConnectionType, err)
		}
	} else if g.http == nil {
		cancel()
		return errors.New("no transport configured: need a WebSocket or HTTP endpoint")
	}

	g.started = true
	return nil
}

// Stop tears down the transport. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return
	}
	g.log.Info("Stopping gateway")

	g.cancel()
	if g.ws != nil {
		g.ws.stop()
	}
	g.started = false
}

// CallAction invokes a chat network action and returns the response data.
//
// With a live WebSocket peer the call is correlated by a generated echo
// and awaited for up to 10 seconds. Without one it falls back to HTTP
// when configured, and fails immediately otherwise.
func (g *Gateway) CallAction(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}

	if g.ws != nil && g.ws.connected() {
		return g.callOverSocket(ctx, action, params)
	}
	if g.http != nil {
		return g.callOverHTTP(ctx, action, params)
	}
	return nil, fmt.Errorf("call %s: no live connection and no HTTP endpoint configured", action)
}

func (g *Gateway) callOverSocket(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	echo := uuid.NewString()
	ch := g.echoes.Register(echo)

	payload := map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	}
	if err := g.ws.send(ctx, payload); err != nil {
		g.echoes.Drop(echo)
		if g.http != nil {
			g.log.Warn("Socket send failed, falling back to HTTP", "action", action, "error", err)
			return g.callOverHTTP(ctx, action, params)
		}
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	data, err := g.echoes.Await(ctx, echo, ch, callTimeout)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", action, err)
	}
	return data, nil
}

func (g *Gateway) callOverHTTP(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	var result map[string]any
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&result).
		Post("/" + action)
	if err != nil {
		return nil, fmt.Errorf("call %s over http: %w", action, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("call %s over http: status %s", action, resp.Status())
	}
	return protocol.DecodeActionResponse(result)
}

// SendMessage sends a message to a user or group, routed by kind
// ("private" or "group").
func (g *Gateway) SendMessage(ctx context.Context, target string, message *protocol.Message, kind string) (map[string]any, error) {
	params := map[string]any{"message": message.Array()}
	var action string
	switch kind {
	case "group":
		action = "send_group_msg"
		params["group_id"] = target
	case "private", "":
		action = "send_private_msg"
		params["user_id"] = target
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
	return g.CallAction(ctx, action, params)
}

// DeleteMessage recalls a message by id.
func (g *Gateway) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := g.CallAction(ctx, "delete_msg", map[string]any{"message_id": messageID})
	return err
}

// GetMessage fetches a message by id and parses it into an envelope.
func (g *Gateway) GetMessage(ctx context.Context, messageID string) (protocol.Envelope, error) {
	data, err := g.CallAction(ctx, "get_msg", map[string]any{"message_id": messageID})
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.ParseMessageEvent(data), nil
}

// handleFrame is the single entry point for every inbound frame from
// either WebSocket transport.
func (g *Gateway) handleFrame(ctx context.Context, raw map[string]any) {
	classified := protocol.Classify(raw, g.cfg.SelfID)

	switch classified.Kind {
	case protocol.FrameActionResponse:
		data, err := protocol.DecodeActionResponse(raw)
		if err != nil {
			g.echoes.Reject(classified.Echo, err)
			return
		}
		g.echoes.Resolve(classified.Echo, data)

	case protocol.FrameDiscard:
		g.log.Debug("Discarding frame", "reason", classified.DiscardReason)

	case protocol.FrameEvent:
		g.emit(ctx, classified.EventName, classified.Payload)
	}
}

func (g *Gateway) emit(ctx context.Context, name string, payload map[string]any) {
	event := bus.Event{
		Name:    name,
		Payload: payload,
		Source:  "gateway",
	}
	if g.bus != nil {
		g.bus.Publish(ctx, event)
	}

	g.mu.Lock()
	handlers := make([]EventHandler, len(g.handlers))
	copy(handlers, g.handlers)
	g.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.log.Error("Event handler panicked", "event", name, "panic", r)
				}
			}()
			handler(ctx, event)
		}()
	}
}
