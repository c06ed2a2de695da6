package protocol

import (
	"fmt"
	"strings"
)

// Segment is one typed element of a structured chat message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Text creates a plain text segment.
func Text(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// Image creates an image segment referencing a file or URL.
func Image(file string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file": file}}
}

// At creates an @-mention segment for the given user id.
func At(userID string) Segment {
	return Segment{Type: "at", Data: map[string]any{"qq": userID}}
}

// Reply creates a reply-reference segment for the given message id.
func Reply(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]any{"id": messageID}}
}

// Voice creates a voice segment referencing a file or URL.
func Voice(file string) Segment {
	return Segment{Type: "voice", Data: map[string]any{"file": file}}
}

// Video creates a video segment referencing a file or URL.
func Video(file string) Segment {
	return Segment{Type: "video", Data: map[string]any{"file": file}}
}

// Map returns the segment in wire form.
func (s Segment) Map() map[string]any {
	return map[string]any{"type": s.Type, "data": s.Data}
}

// Message is a chainable builder over message segments.
type Message struct {
	segments []Segment
}

// NewMessage returns an empty message builder.
func NewMessage() *Message {
	return &Message{}
}

func (m *Message) Text(content string) *Message {
	m.segments = append(m.segments, Text(content))
	return m
}

func (m *Message) At(userID string) *Message {
	m.segments = append(m.segments, At(userID))
	return m
}

func (m *Message) Image(file string) *Message {
	m.segments = append(m.segments, Image(file))
	return m
}

func (m *Message) Voice(file string) *Message {
	m.segments = append(m.segments, Voice(file))
	return m
}

func (m *Message) Video(file string) *Message {
	m.segments = append(m.segments, Video(file))
	return m
}

func (m *Message) Reply(messageID string) *Message {
	m.segments = append(m.segments, Reply(messageID))
	return m
}

// Segments returns the built segment list.
func (m *Message) Segments() []Segment {
	return m.segments
}

// Array returns the message in wire (segment array) form.
func (m *Message) Array() []map[string]any {
	out := make([]map[string]any, 0, len(m.segments))
	for _, seg := range m.segments {
		out = append(out, seg.Map())
	}
	return out
}

// String renders a plain-text approximation of the message.
func (m *Message) String() string {
	var b strings.Builder
	for _, seg := range m.segments {
		switch seg.Type {
		case "text":
			b.WriteString(asString(seg.Data["text"]))
		case "at":
			b.WriteString(fmt.Sprintf("[@%s]", asString(seg.Data["qq"])))
		case "image":
			b.WriteString("[image]")
		case "voice":
			b.WriteString("[voice]")
		case "video":
			b.WriteString("[video]")
		case "reply":
			b.WriteString(fmt.Sprintf("[reply:%s]", asString(seg.Data["id"])))
		}
	}
	return b.String()
}

// FromArray builds a message from wire segment-array form.
//
// Entries missing a type default to text; malformed entries are skipped.
func FromArray(raw []any) *Message {
	m := NewMessage()
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		seg := Segment{Type: "text", Data: map[string]any{}}
		if t := asString(entry["type"]); t != "" {
			seg.Type = t
		}
		if data, ok := entry["data"].(map[string]any); ok {
			seg.Data = data
		}
		m.segments = append(m.segments, seg)
	}
	return m
}
