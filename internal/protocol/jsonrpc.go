package protocol

import (
	"encoding/json"

	"github.com/yanmxa/gembridge/internal/message"
)

// JSONRPCVersion is the fixed version marker on every envelope.
const JSONRPCVersion = "2.0"

// Agent methods exchanged over the CLI's stdio. The agent sends
// streamAssistantMessageChunk, pushToolCall, updateToolCall and
// requestToolCallConfirmation; the client sends sendUserMessage.
const (
	MethodStreamChunk         = "streamAssistantMessageChunk"
	MethodPushToolCall        = "pushToolCall"
	MethodUpdateToolCall      = "updateToolCall"
	MethodRequestConfirmation = "requestToolCallConfirmation"
	MethodSendUserMessage     = "sendUserMessage"
)

// JSONRPCRequest is an outgoing JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// JSONRPCResponse is an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is any inbound JSON-RPC message before its kind is known: a request
// (method + id), a notification (method, no id) or a response (result/error).
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsRequest reports whether the frame is a request expecting a response.
func (f *Frame) IsRequest() bool { return f.Method != "" && f.ID != nil }

// IsNotification reports whether the frame is a fire-and-forget method call.
func (f *Frame) IsNotification() bool { return f.Method != "" && f.ID == nil }

// IsResponse reports whether the frame answers an earlier request.
func (f *Frame) IsResponse() bool { return f.Method == "" && f.ID != nil }

// ParseFrame decodes one line of agent output as a JSON-RPC frame. The ok
// result is false when the line is not JSON-RPC at all (plain text).
func ParseFrame(line []byte) (*Frame, bool) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, false
	}
	if frame.JSONRPC != JSONRPCVersion {
		return nil, false
	}
	if frame.Method == "" && frame.Result == nil && frame.Error == nil {
		return nil, false
	}
	return &frame, true
}

// StreamChunkParams carries one streamed fragment. Exactly one of Text and
// Thought is set.
type StreamChunkParams struct {
	Chunk ChunkContent `json:"chunk"`
}

// ChunkContent is the body of a streamed fragment.
type ChunkContent struct {
	Text    string `json:"text,omitempty"`
	Thought string `json:"thought,omitempty"`
}

// PushToolCallParams announces a tool call; the client assigns the id in its
// response and mirrors the call onto the tool-call event.
type PushToolCallParams struct {
	Name      string             `json:"name,omitempty"`
	Label     string             `json:"label,omitempty"`
	Icon      string             `json:"icon,omitempty"`
	Locations []message.Location `json:"locations,omitempty"`
}

// DisplayName resolves the tool name, preferring the explicit name over the
// human label.
func (p *PushToolCallParams) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Label
}

// PushToolCallResult returns the client-assigned id for a pushed tool call.
type PushToolCallResult struct {
	ID uint64 `json:"id"`
}

// UpdateToolCallParams reports progress on an earlier tool call.
type UpdateToolCallParams struct {
	ToolCallID FlexID                  `json:"toolCallId"`
	Status     string                  `json:"status"`
	Content    *message.ToolCallResult `json:"content,omitempty"`
}

// ConfirmationOutcomeResult answers a requestToolCallConfirmation request.
type ConfirmationOutcomeResult struct {
	ID      uint64 `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

// SendUserMessageParams forwards one user turn to the agent. Context holds
// the coordinator-formatted history window, oldest line first.
type SendUserMessageParams struct {
	Message string   `json:"message"`
	Context []string `json:"context,omitempty"`
	Model   string   `json:"model,omitempty"`
}
