package protocol

import (
	"encoding/json"

	"github.com/yanmxa/gembridge/internal/message"
)

// Operation names exposed by the session layer. Local callers invoke them
// directly on the coordinator; browser-mode callers send them over the
// bridge socket as OpRequest frames.
const (
	OpCheckCLIInstalled = "check_cli_installed"
	OpStartSession      = "start_session"
	OpSendMessage       = "send_message"
	OpProcessStatuses   = "get_process_statuses"
	OpKillProcess       = "kill_process"
	OpConfirmToolCall   = "send_tool_call_confirmation_response"
	OpGenerateTitle     = "generate_conversation_title"
)

// Outcome is the user's answer to a confirmation request.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeAlwaysAllow     Outcome = "alwaysAllow"
	OutcomeAlwaysAllowTool Outcome = "alwaysAllowTool"
	OutcomeReject          Outcome = "reject"
)

// Approves reports whether the outcome unlocks execution. Every outcome
// except reject does.
func (o Outcome) Approves() bool { return o != OutcomeReject && o != "" }

// Sticky reports whether the outcome should be remembered for the rest of
// the session (the alwaysAllow* variants).
func (o Outcome) Sticky() bool {
	return o == OutcomeAlwaysAllow || o == OutcomeAlwaysAllowTool
}

// StartSessionParams starts (or restarts) the agent process for a session.
type StartSessionParams struct {
	SessionID        string `json:"sessionId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Model            string `json:"model,omitempty"`
}

// SendMessageParams forwards a user message with its bounded history window.
type SendMessageParams struct {
	SessionID           string `json:"sessionId"`
	Message             string `json:"message"`
	ConversationHistory string `json:"conversationHistory"`
	Model               string `json:"model,omitempty"`
}

// KillProcessParams terminates the process behind a conversation.
type KillProcessParams struct {
	ConversationID string `json:"conversationId"`
}

// ConfirmationResponseParams answers a pending confirmation request.
type ConfirmationResponseParams struct {
	SessionID  string  `json:"sessionId"`
	RequestID  uint64  `json:"requestId"`
	ToolCallID string  `json:"toolCallId,omitempty"`
	Outcome    Outcome `json:"outcome"`
}

// GenerateTitleParams asks for a short conversation title.
type GenerateTitleParams struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// ProcessStatus is one row of the process status snapshot. CreatedAt is
// Unix milliseconds.
type ProcessStatus struct {
	ConversationID string `json:"conversation_id"`
	PID            int    `json:"pid"`
	CreatedAt      int64  `json:"created_at"`
	IsAlive        bool   `json:"is_alive"`
}

// Envelope frames every message the remote socket delivers. Sequence is
// monotonic per connection so receivers can spot gaps.
type Envelope struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Sequence uint64          `json:"sequence"`
}

// OpRequest is a client-to-bridge operation invocation.
type OpRequest struct {
	Op     string          `json:"op"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// OpResult answers an OpRequest. It travels inside an Envelope whose event
// name is EventOperationResult.
type OpResult struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventOperationResult carries OpResult payloads back over the socket.
const EventOperationResult = "operation-result"

// ConfirmationRequestPayload is the confirmation event payload; it is the
// ConfirmationRequest shape from the data model, re-exported so event
// consumers need only this package.
type ConfirmationRequestPayload = message.ConfirmationRequest
