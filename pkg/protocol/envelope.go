package protocol

import (
	"fmt"
	"strconv"
	"time"
)

// Sender identifies the author of an inbound message.
type Sender struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Envelope is the normalized form of one inbound chat message.
//
// Built once per inbound frame by the gateway; read-only downstream.
type Envelope struct {
	MessageID   string         `json:"message_id"`
	MessageType string         `json:"message_type"`
	UserID      string         `json:"user_id"`
	GroupID     string         `json:"group_id,omitempty"`
	Time        time.Time      `json:"time"`
	RawMessage  string         `json:"raw_message"`
	Segments    []Segment      `json:"message"`
	Sender      Sender         `json:"sender"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Map returns the envelope as a JSON-shaped map for wire transport.
func (e Envelope) Map() map[string]any {
	segments := make([]map[string]any, 0, len(e.Segments))
	for _, seg := range e.Segments {
		segments = append(segments, seg.Map())
	}

	out := map[string]any{
		"message_id":   e.MessageID,
		"message_type": e.MessageType,
		"user_id":      e.UserID,
		"time":         e.Time.Unix(),
		"raw_message":  e.RawMessage,
		"message":      segments,
		"sender": map[string]any{
			"user_id":  e.Sender.UserID,
			"nickname": e.Sender.Nickname,
			"card":     e.Sender.Card,
			"role":     e.Sender.Role,
		},
	}
	if e.GroupID != "" {
		out["group_id"] = e.GroupID
	}
	if len(e.Metadata) > 0 {
		out["metadata"] = e.Metadata
	}
	return out
}

// ParseMessageEvent normalizes a raw OneBot message event into an Envelope.
//
// A string message body becomes a single text segment; an array body becomes
// typed segments.
func ParseMessageEvent(raw map[string]any) Envelope {
	env := Envelope{
		MessageID:   asString(raw["message_id"]),
		MessageType: asString(raw["message_type"]),
		UserID:      asString(raw["user_id"]),
		GroupID:     asString(raw["group_id"]),
		Time:        time.Unix(asInt64(raw["time"]), 0),
		RawMessage:  asString(raw["raw_message"]),
		Metadata: map[string]any{
			"self_id":  raw["self_id"],
			"sub_type": raw["sub_type"],
		},
	}
	if env.MessageType == "" {
		env.MessageType = "private"
	}

	switch body := raw["message"].(type) {
	case string:
		env.Segments = []Segment{Text(body)}
	case []any:
		env.Segments = FromArray(body).Segments()
	}

	if sender, ok := raw["sender"].(map[string]any); ok {
		env.Sender = Sender{
			UserID:   asString(sender["user_id"]),
			Nickname: asString(sender["nickname"]),
			Card:     asString(sender["card"]),
			Role:     asString(sender["role"]),
		}
	}

	return env
}

// asString renders scalar JSON values as strings; nil becomes "".
func asString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt64(v any) int64 {
	switch value := v.(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
