package protocol

import "fmt"

// FrameKind classifies one decoded inbound wire object.
type FrameKind int

const (
	// FrameDiscard marks frames that are consumed silently (heartbeats,
	// self-echoes, responses with no matching call).
	FrameDiscard FrameKind = iota
	// FrameActionResponse carries the reply to a previously issued action call.
	FrameActionResponse
	// FrameEvent carries a protocol event to publish on the bus.
	FrameEvent
)

// Event name constants for classified frames.
const (
	EventMessage   = "onebot.message"
	EventNotice    = "onebot.notice"
	EventRequest   = "onebot.request"
	EventMetaEvent = "onebot.meta_event"
)

// Classified is the result of classifying one inbound frame.
type Classified struct {
	Kind FrameKind

	// Echo is set for action responses.
	Echo string

	// EventName and Payload are set for events.
	EventName string
	Payload   map[string]any

	// DiscardReason explains silent drops, for debug logging.
	DiscardReason string
}

// Classify decides whether a decoded inbound JSON object is an action
// response, an event, or noise.
//
// An object carrying an echo identifier and no post_type is an action
// response. Meta heartbeat events and events originating from the
// connection's own bot id (selfID) are discarded.
func Classify(raw map[string]any, selfID string) Classified {
	if raw["echo"] != nil && raw["post_type"] == nil {
		return Classified{Kind: FrameActionResponse, Echo: asString(raw["echo"])}
	}

	postType := asString(raw["post_type"])

	if postType == "meta_event" && asString(raw["meta_event_type"]) == "heartbeat" {
		return Classified{Kind: FrameDiscard, DiscardReason: "meta heartbeat"}
	}

	userID := asString(raw["user_id"])
	frameSelfID := asString(raw["self_id"])
	if frameSelfID == "" {
		frameSelfID = selfID
	}
	if userID != "" && frameSelfID != "" && userID == frameSelfID {
		return Classified{Kind: FrameDiscard, DiscardReason: "self echo"}
	}

	switch postType {
	case "message":
		envelope := ParseMessageEvent(raw)
		return Classified{
			Kind:      FrameEvent,
			EventName: EventMessage,
			Payload:   envelope.Map(),
		}
	case "notice":
		return Classified{Kind: FrameEvent, EventName: EventNotice, Payload: raw}
	case "request":
		return Classified{Kind: FrameEvent, EventName: EventRequest, Payload: raw}
	case "meta_event":
		return Classified{Kind: FrameEvent, EventName: EventMetaEvent, Payload: raw}
	default:
		return Classified{Kind: FrameDiscard, DiscardReason: fmt.Sprintf("unknown post_type %q", postType)}
	}
}

// DecodeActionResponse extracts the result payload from an action response.
//
// A status of "ok" yields the data object; any other status is a failure
// carrying the implementation's wording where available.
func DecodeActionResponse(raw map[string]any) (map[string]any, error) {
	status := asString(raw["status"])
	if status == "ok" {
		if data, ok := raw["data"].(map[string]any); ok {
			return data, nil
		}
		return map[string]any{}, nil
	}

	reason := asString(raw["wording"])
	if reason == "" {
		reason = asString(raw["msg"])
	}
	if reason == "" {
		reason = fmt.Sprintf("status %q", status)
	}
	return nil, fmt.Errorf("action failed: %s", reason)
}
