// Package message defines the canonical conversation types used across the
// codebase. All packages import from here to avoid circular dependencies.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// PartKind discriminates the MessagePart variants.
type PartKind string

const (
	PartKindText     PartKind = "text"
	PartKindThinking PartKind = "thinking"
	PartKindToolCall PartKind = "toolCall"
)

// MessagePart is the tagged union of message content variants. The only
// implementations are TextPart, ThinkingPart and ToolCallPart; switches over
// Kind() are exhaustive.
type MessagePart interface {
	Kind() PartKind
}

// TextPart is a fragment of final answer text.
type TextPart struct {
	Text string `json:"text"`
}

// Kind implements MessagePart.
func (TextPart) Kind() PartKind { return PartKindText }

// ThinkingPart is a fragment of streamed internal reasoning, distinct from
// answer text.
type ThinkingPart struct {
	Thinking string `json:"thinking"`
}

// Kind implements MessagePart.
func (ThinkingPart) Kind() PartKind { return PartKindThinking }

// ToolCallPart embeds a tracked tool call in the message flow. The pointer is
// shared with the lifecycle layer so status transitions are visible in place.
type ToolCallPart struct {
	ToolCall *ToolCall `json:"toolCall"`
}

// Kind implements MessagePart.
func (ToolCallPart) Kind() PartKind { return PartKindToolCall }

// PartList is an ordered list of message parts with tagged JSON encoding.
type PartList []MessagePart

// partEnvelope is the on-wire form of a single part.
type partEnvelope struct {
	Type     PartKind  `json:"type"`
	Text     string    `json:"text,omitempty"`
	Thinking string    `json:"thinking,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// MarshalJSON encodes each part as a {type, ...} object.
func (p PartList) MarshalJSON() ([]byte, error) {
	envelopes := make([]partEnvelope, 0, len(p))
	for _, part := range p {
		switch v := part.(type) {
		case TextPart:
			envelopes = append(envelopes, partEnvelope{Type: PartKindText, Text: v.Text})
		case ThinkingPart:
			envelopes = append(envelopes, partEnvelope{Type: PartKindThinking, Thinking: v.Thinking})
		case ToolCallPart:
			envelopes = append(envelopes, partEnvelope{Type: PartKindToolCall, ToolCall: v.ToolCall})
		default:
			return nil, fmt.Errorf("unknown part kind %q", part.Kind())
		}
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (p *PartList) UnmarshalJSON(data []byte) error {
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	parts := make(PartList, 0, len(envelopes))
	for _, env := range envelopes {
		switch env.Type {
		case PartKindText:
			parts = append(parts, TextPart{Text: env.Text})
		case PartKindThinking:
			parts = append(parts, ThinkingPart{Thinking: env.Thinking})
		case PartKindToolCall:
			parts = append(parts, ToolCallPart{ToolCall: env.ToolCall})
		default:
			return fmt.Errorf("unknown part kind %q", env.Type)
		}
	}
	*p = parts
	return nil
}

// Message is one conversational turn. Messages are append-only once created;
// only the last assistant message's parts mutate in place while streaming.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Parts     PartList  `json:"parts"`
}

// NewUserMessage creates a user message holding a single text part.
func NewUserMessage(text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    SenderUser,
		Timestamp: time.Now(),
		Parts:     PartList{TextPart{Text: text}},
	}
}

// NewAssistantMessage creates an empty assistant message ready to receive
// streamed parts.
func NewAssistantMessage() *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    SenderAssistant,
		Timestamp: time.Now(),
	}
}

// AppendText adds a text fragment, coalescing into a trailing text part so
// that no two adjacent parts share a kind.
func (m *Message) AppendText(fragment string) {
	if fragment == "" {
		return
	}
	if n := len(m.Parts); n > 0 {
		if last, ok := m.Parts[n-1].(TextPart); ok {
			m.Parts[n-1] = TextPart{Text: last.Text + fragment}
			return
		}
	}
	m.Parts = append(m.Parts, TextPart{Text: fragment})
}

// AppendThinking adds a thinking fragment, coalescing like AppendText.
func (m *Message) AppendThinking(fragment string) {
	if fragment == "" {
		return
	}
	if n := len(m.Parts); n > 0 {
		if last, ok := m.Parts[n-1].(ThinkingPart); ok {
			m.Parts[n-1] = ThinkingPart{Thinking: last.Thinking + fragment}
			return
		}
	}
	m.Parts = append(m.Parts, ThinkingPart{Thinking: fragment})
}

// AppendToolCall adds a tool call part. Tool call parts never coalesce.
func (m *Message) AppendToolCall(tc *ToolCall) {
	m.Parts = append(m.Parts, ToolCallPart{ToolCall: tc})
}

// TextContent concatenates the text parts of the message. Thinking and tool
// call parts are excluded; this is the text used for history windows and
// title generation.
func (m *Message) TextContent() string {
	var out string
	for _, part := range m.Parts {
		if tp, ok := part.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	parts := make(PartList, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch v := part.(type) {
		case ToolCallPart:
			parts = append(parts, ToolCallPart{ToolCall: v.ToolCall.Clone()})
		default:
			parts = append(parts, part)
		}
	}
	return &Message{ID: m.ID, Sender: m.Sender, Timestamp: m.Timestamp, Parts: parts}
}
