// Package protocol defines the wire-level vocabulary shared by the transport
// channel, the agent driver and the bridge: per-session event names, event
// payload shapes, JSON-RPC 2.0 envelopes and the operation surface.
package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/yanmxa/gembridge/internal/message"
)

// Per-session event name prefixes. The session id is appended so each
// session has its own set of event channels.
const (
	prefixCLIIO            = "cli-io-"
	prefixOutput           = "gemini-output-"
	prefixThought          = "gemini-thought-"
	prefixToolCall         = "gemini-tool-call-"
	prefixToolCallUpdate   = "gemini-tool-call-update-"
	prefixToolConfirmation = "gemini-tool-call-confirmation-"
	prefixError            = "gemini-error-"
	prefixTurnFinished     = "gemini-turn-finished-"
)

// EventCLIIO names the raw transcript event for a session. Its payload is a
// CLIIOPayload; it feeds the extractor's correlation slot and the audit log.
func EventCLIIO(sessionID string) string { return prefixCLIIO + sessionID }

// EventOutput names the streamed text fragment event (string payload).
func EventOutput(sessionID string) string { return prefixOutput + sessionID }

// EventThought names the streamed thinking fragment event (string payload).
func EventThought(sessionID string) string { return prefixThought + sessionID }

// EventToolCall names the structured tool-call-created event.
func EventToolCall(sessionID string) string { return prefixToolCall + sessionID }

// EventToolCallUpdate names the tool-call status update event.
func EventToolCallUpdate(sessionID string) string { return prefixToolCallUpdate + sessionID }

// EventToolConfirmation names the confirmation request event.
func EventToolConfirmation(sessionID string) string { return prefixToolConfirmation + sessionID }

// EventError names the agent error event (string payload).
func EventError(sessionID string) string { return prefixError + sessionID }

// EventTurnFinished names the end-of-turn event (boolean payload).
func EventTurnFinished(sessionID string) string { return prefixTurnFinished + sessionID }

// EventProcessStatuses is the session-independent event carrying the
// process status snapshot published by the coordinator's poller.
const EventProcessStatuses = "process-statuses"

// CLIIODirection distinguishes data written to the agent from data read back.
type CLIIODirection string

const (
	CLIInput  CLIIODirection = "input"
	CLIOutput CLIIODirection = "output"
)

// CLIIOPayload is one raw transcript line exchanged with the agent process.
type CLIIOPayload struct {
	Type CLIIODirection `json:"type"`
	Data string         `json:"data"`
}

// ToolCallPayload announces a tool call the agent created directly.
type ToolCallPayload struct {
	ID        uint64             `json:"id"`
	Name      string             `json:"name"`
	Locations []message.Location `json:"locations,omitempty"`
}

// ToolCallUpdatePayload reports a tool call status change. ToolCallID
// arrives as either a JSON number (agent-assigned) or a string
// (extractor-assigned), so it is decoded through FlexID.
type ToolCallUpdatePayload struct {
	ToolCallID FlexID                  `json:"toolCallId"`
	Status     string                  `json:"status"`
	Content    *message.ToolCallResult `json:"content,omitempty"`
}

// FlexID is an identifier that unmarshals from a JSON string or number.
type FlexID string

// UnmarshalJSON accepts both `"tool_1_42"` and `42`.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// MarshalJSON always encodes as a string.
func (f FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// String returns the canonical string form of the id.
func (f FlexID) String() string { return string(f) }

// FlexIDFromUint converts an agent-assigned numeric id.
func FlexIDFromUint(id uint64) FlexID {
	return FlexID(strconv.FormatUint(id, 10))
}
