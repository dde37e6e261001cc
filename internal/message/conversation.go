package message

import "time"

// Conversation is the ordered view of one session's exchange. It is owned
// exclusively by the conversation reducer; everyone else reads clones.
type Conversation struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Messages    []*Message `json:"messages"`
	IsStreaming bool       `json:"isStreaming"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewConversation creates an empty conversation for the given session id.
func NewConversation(id string) *Conversation {
	return &Conversation{ID: id, UpdatedAt: time.Now()}
}

// LastMessage returns the final message, or nil when empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// LastAssistantMessage returns the final message when it was sent by the
// assistant, or nil. Streamed fragments only ever mutate this message.
func (c *Conversation) LastAssistantMessage() *Message {
	last := c.LastMessage()
	if last == nil || last.Sender != SenderAssistant {
		return nil
	}
	return last
}

// FindToolCall locates a tool call by id across all messages' parts.
func (c *Conversation) FindToolCall(id string) *ToolCall {
	for _, msg := range c.Messages {
		for _, part := range msg.Parts {
			if tcp, ok := part.(ToolCallPart); ok && tcp.ToolCall != nil && tcp.ToolCall.ID == id {
				return tcp.ToolCall
			}
		}
	}
	return nil
}

// Clone returns a deep copy suitable for handing to readers.
func (c *Conversation) Clone() *Conversation {
	msgs := make([]*Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, m.Clone())
	}
	return &Conversation{
		ID:          c.ID,
		Title:       c.Title,
		Messages:    msgs,
		IsStreaming: c.IsStreaming,
		UpdatedAt:   c.UpdatedAt,
	}
}
