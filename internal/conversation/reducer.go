// Package conversation holds the single writer of conversation state. Every
// event for a session funnels through one Reducer whose lock serializes
// mutation, so readers only ever observe whole applied events.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/extract"
	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/toolcall"
)

// Reducer owns one session's conversation, its extractor and its pending
// confirmation registry. Concurrent event deliveries queue on the lock and
// are applied one at a time, never interleaved mid-mutation. Apply methods
// never block on I/O.
type Reducer struct {
	mu sync.Mutex

	conv      *message.Conversation
	extractor *extract.Extractor
	pending   *toolcall.Registry

	// rawInputSlot holds the most recent raw confirmation envelope written
	// to this session's stdin, consumed by the next confirmation request.
	// Per-session by construction, so interleaving sessions cannot observe
	// each other's slots.
	rawInputSlot string

	now func() time.Time
}

// New creates the reducer for a session.
func New(sessionID string) *Reducer {
	return &Reducer{
		conv:      message.NewConversation(sessionID),
		extractor: extract.New(sessionID),
		pending:   toolcall.NewRegistry(),
		now:       time.Now,
	}
}

// SessionID returns the owning session's id.
func (r *Reducer) SessionID() string { return r.conv.ID }

// Snapshot returns a deep copy of the conversation for readers.
func (r *Reducer) Snapshot() *message.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv.Clone()
}

// PendingConfirmations returns the requests still awaiting an answer.
func (r *Reducer) PendingConfirmations() []*message.ConfirmationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.ConfirmationRequest, 0, r.pending.Len())
	for _, req := range r.pending.Pending() {
		out = append(out, req.Clone())
	}
	return out
}

// SetTitle records the conversation title.
func (r *Reducer) SetTitle(title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.Title = title
	r.touch()
}

// AddUserMessage appends a user turn.
func (r *Reducer) AddUserMessage(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.Messages = append(r.conv.Messages, message.NewUserMessage(text))
	r.touch()
}

// ApplyOutput consumes one streamed text fragment. The chunk runs through
// the extractor first; surviving narrative text coalesces into the trailing
// text part and each discovered tool call lands as its own part.
func (r *Reducer) ApplyOutput(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.extractor.Extract(chunk)
	if result.RemainingText != "" {
		r.currentAssistant().AppendText(result.RemainingText)
	}
	for _, tc := range result.ToolCalls {
		r.appendToolCall(tc)
	}
	r.conv.IsStreaming = true
	r.touch()
}

// ApplyThought consumes one streamed thinking fragment.
func (r *Reducer) ApplyThought(chunk string) {
	if chunk == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentAssistant().AppendThinking(chunk)
	r.conv.IsStreaming = true
	r.touch()
}

// ApplyToolCall handles a tool call the agent created directly.
func (r *Reducer) ApplyToolCall(p protocol.ToolCallPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc := &message.ToolCall{
		ID:     protocol.FlexIDFromUint(p.ID).String(),
		Name:   p.Name,
		Status: message.StatusPending,
	}
	if len(p.Locations) > 0 {
		tc.Parameters = map[string]any{"locations": p.Locations}
	}
	r.appendToolCall(tc)
	r.conv.IsStreaming = true
	r.touch()
}

// ApplyToolCallUpdate locates the tool call by id across all messages' parts
// and applies the lifecycle transition. Unknown ids log and no-op.
func (r *Reducer) ApplyToolCallUpdate(p protocol.ToolCallUpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc := r.conv.FindToolCall(p.ToolCallID.String())
	if tc == nil {
		log.Logger().Warn("tool call update for unknown id",
			zap.String("session", r.conv.ID), zap.String("toolCallId", p.ToolCallID.String()))
		return
	}
	toolcall.ApplyUpdate(tc, p.Status, p.Content)
	r.touch()
}

// ApplyConfirmation inserts a confirmation request into the pending registry,
// attaching it to its tool call when one is referenced (or synthesizing a
// pending call when not). The session's raw-input slot, if filled, is
// consumed as the call's audit input.
func (r *Reducer) ApplyConfirmation(req *message.ConfirmationRequest) {
	if req == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var tc *message.ToolCall
	if req.ToolCallID != "" {
		tc = r.conv.FindToolCall(req.ToolCallID)
	}
	if tc == nil {
		name := "tool_call"
		if req.IsEdit() {
			name = "edit_file"
		}
		tc = &message.ToolCall{
			ID:     req.ToolCallID,
			Name:   name,
			Status: message.StatusPending,
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("tool_req_%d", req.RequestID)
		}
		r.appendToolCall(tc)
	}
	if !tc.Status.Terminal() {
		tc.Confirmation = req
		toolcall.AttachEditDiff(tc)
	}
	if r.rawInputSlot != "" && tc.RawInput == "" {
		tc.RawInput = r.rawInputSlot
	}
	r.rawInputSlot = ""

	r.pending.Add(req, tc)
	r.touch()
}

// ApplyError surfaces an agent-reported fault as conversation content and
// clears the streaming flag. It never fails.
func (r *Reducer) ApplyError(errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conv.IsStreaming = false
	msg := message.NewAssistantMessage()
	msg.AppendText(fmt.Sprintf("Error: %s", strings.TrimSpace(errText)))
	r.conv.Messages = append(r.conv.Messages, msg)
	r.touch()
}

// ApplyTurnFinished ends the streaming turn and clears the correlation slot.
func (r *Reducer) ApplyTurnFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.IsStreaming = false
	r.rawInputSlot = ""
	r.touch()
}

// ApplyCLIIO feeds one raw transcript line to the audit log and, for input
// lines carrying a confirmation envelope, fills the correlation slot.
func (r *Reducer) ApplyCLIIO(p protocol.CLIIOPayload) {
	log.Audit(r.conv.ID, string(p.Type), p.Data)
	if p.Type != protocol.CLIInput {
		return
	}
	if !strings.Contains(p.Data, protocol.MethodRequestConfirmation) {
		return
	}
	r.mu.Lock()
	r.rawInputSlot = p.Data
	r.mu.Unlock()
}

// RespondConfirmation answers a pending request by key as one atomic
// operation: send the outcome, transition the tool call, drop the entry. A
// send failure leaves the request pending for retry.
func (r *Reducer) RespondConfirmation(key string, outcome protocol.Outcome, send toolcall.SendFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pending.Respond(key, outcome, send); err != nil {
		return err
	}
	r.touch()
	return nil
}

// HistoryWindow formats the last limit messages as "<Sender>: <text>" lines,
// oldest first. This is the bounding policy applied before forwarding
// history to the agent.
func (r *Reducer) HistoryWindow(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.conv.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		sender := "User"
		if m.Sender == message.SenderAssistant {
			sender = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", sender, m.TextContent()))
	}
	return lines
}

// currentAssistant returns the trailing assistant message, opening a new one
// when the last message is missing or belongs to the user.
func (r *Reducer) currentAssistant() *message.Message {
	if last := r.conv.LastAssistantMessage(); last != nil {
		return last
	}
	msg := message.NewAssistantMessage()
	r.conv.Messages = append(r.conv.Messages, msg)
	return msg
}

func (r *Reducer) appendToolCall(tc *message.ToolCall) {
	if tc.Confirmation != nil {
		toolcall.AttachEditDiff(tc)
		r.pending.Add(tc.Confirmation, tc)
	}
	r.currentAssistant().AppendToolCall(tc)
}

func (r *Reducer) touch() {
	r.conv.UpdatedAt = r.now()
}
