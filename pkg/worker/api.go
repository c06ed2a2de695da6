package worker

import (
	"context"

	"github.com/google/uuid"

	"ruabot/pkg/supervisor"
)

// api is the per-plugin handle the runtime hands to constructors. Each
// instance carries its owner's id so calls and logs are attributable on
// the host side.
type api struct {
	rt       *Runtime
	pluginID string
}

func (a *api) Log(level, message string) {
	a.rt.sendLog(level, message, a.pluginID)
}

// CallAPI relays a chat-network action through the host and waits for
// the correlated response.
func (a *api) CallAPI(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	requestID := uuid.NewString()
	ch := a.rt.pending.Register(requestID)

	a.rt.send(supervisor.RuntimeMessage{
		Type: "api_call",
		Data: map[string]any{
			"request_id":    requestID,
			"action":        action,
			"params":        params,
			"source_plugin": a.pluginID,
		},
	})

	return a.rt.pending.Await(ctx, requestID, ch, callTimeout)
}

func (a *api) Config() map[string]any {
	a.rt.mu.Lock()
	defer a.rt.mu.Unlock()
	cfg := a.rt.configs[a.pluginID]
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func (a *api) SetConfig(key string, value any) {
	a.rt.mu.Lock()
	defer a.rt.mu.Unlock()
	cfg := a.rt.configs[a.pluginID]
	if cfg == nil {
		cfg = make(map[string]any)
		a.rt.configs[a.pluginID] = cfg
	}
	cfg[key] = value
}
