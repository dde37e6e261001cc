package conversation

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/toolcall"
)

func newTestReducer() *Reducer {
	r := New("s1")
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func TestApplyOutputCoalesces(t *testing.T) {
	r := newTestReducer()
	r.ApplyOutput("Hello")
	r.ApplyOutput(", world")

	snap := r.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(snap.Messages))
	}
	parts := snap.Messages[0].Parts
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if got := parts[0].(message.TextPart).Text; got != "Hello, world" {
		t.Errorf("text = %q", got)
	}
	if !snap.IsStreaming {
		t.Error("IsStreaming = false, want true while output flows")
	}
}

func TestApplyOutputExtractsToolCall(t *testing.T) {
	r := newTestReducer()
	r.ApplyOutput("Listing now. Tool call: list_directory(path=/tmp)")

	snap := r.Snapshot()
	parts := snap.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want text + tool call", len(parts))
	}
	if got := parts[0].(message.TextPart).Text; got != "Listing now." {
		t.Errorf("text = %q", got)
	}
	tc := parts[1].(message.ToolCallPart).ToolCall
	if tc.Name != "list_directory" || tc.Status != message.StatusPending {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestThoughtAndTextInterleave(t *testing.T) {
	r := newTestReducer()
	r.ApplyThought("let me think")
	r.ApplyThought(" some more")
	r.ApplyOutput("The answer")
	r.ApplyThought("wait")
	r.ApplyOutput(" is 42")

	parts := r.Snapshot().Messages[0].Parts
	for i := 1; i < len(parts); i++ {
		if parts[i].Kind() == parts[i-1].Kind() {
			t.Errorf("parts %d and %d share kind %q", i-1, i, parts[i].Kind())
		}
	}
	if len(parts) != 4 {
		t.Errorf("got %d parts, want 4", len(parts))
	}
}

func TestToolCallUpdateByID(t *testing.T) {
	r := newTestReducer()
	r.ApplyToolCall(protocol.ToolCallPayload{ID: 7, Name: "read_file"})
	r.ApplyToolCallUpdate(protocol.ToolCallUpdatePayload{
		ToolCallID: protocol.FlexIDFromUint(7),
		Status:     "finished",
		Content:    &message.ToolCallResult{Markdown: "done"},
	})

	tc := r.Snapshot().FindToolCall("7")
	if tc == nil {
		t.Fatal("tool call not found")
	}
	if tc.Status != message.StatusCompleted {
		t.Errorf("status = %q, want completed", tc.Status)
	}
}

func TestTerminalUpdateReplayIsIdempotent(t *testing.T) {
	r := newTestReducer()
	r.ApplyToolCall(protocol.ToolCallPayload{ID: 3, Name: "bash"})

	update := protocol.ToolCallUpdatePayload{
		ToolCallID: protocol.FlexIDFromUint(3),
		Status:     "finished",
		Content:    &message.ToolCallResult{Output: "ok"},
	}
	r.ApplyToolCallUpdate(update)
	once := r.Snapshot()

	r.ApplyToolCallUpdate(update)
	twice := r.Snapshot()

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replaying a terminal update changed the snapshot:\n once %+v\ntwice %+v", once, twice)
	}
}

func TestUnknownUpdateIsNoop(t *testing.T) {
	r := newTestReducer()
	r.ApplyOutput("hello")
	before := r.Snapshot()

	r.ApplyToolCallUpdate(protocol.ToolCallUpdatePayload{ToolCallID: "ghost", Status: "finished"})
	after := r.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Error("update for unknown id mutated the conversation")
	}
}

func TestConfirmationAttachesToExistingCall(t *testing.T) {
	r := newTestReducer()
	r.ApplyToolCall(protocol.ToolCallPayload{ID: 9, Name: "edit_file"})
	r.ApplyConfirmation(&message.ConfirmationRequest{
		RequestID:    12,
		SessionID:    "s1",
		ToolCallID:   "9",
		Label:        "Edit a.go",
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmEdit},
	})

	tc := r.Snapshot().FindToolCall("9")
	if tc == nil || tc.Confirmation == nil {
		t.Fatalf("tool call = %+v, want confirmation attached", tc)
	}
	if got := r.PendingConfirmations(); len(got) != 1 {
		t.Errorf("pending = %d, want 1", len(got))
	}
}

func TestConfirmationSynthesizesCall(t *testing.T) {
	r := newTestReducer()
	r.ApplyConfirmation(&message.ConfirmationRequest{
		RequestID:    5,
		SessionID:    "s1",
		Label:        "Run git status",
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmExecute, Command: "git status"},
	})

	tc := r.Snapshot().FindToolCall("tool_req_5")
	if tc == nil {
		t.Fatal("synthesized call not found")
	}
	if tc.Name != "tool_call" || tc.Status != message.StatusPending {
		t.Errorf("call = %+v", tc)
	}
}

func TestRespondConfirmationReject(t *testing.T) {
	r := newTestReducer()
	r.ApplyToolCall(protocol.ToolCallPayload{ID: 4, Name: "bash"})
	r.ApplyConfirmation(&message.ConfirmationRequest{RequestID: 8, ToolCallID: "4"})

	var sent protocol.Outcome
	err := r.RespondConfirmation("4", protocol.OutcomeReject, func(_ *message.ConfirmationRequest, o protocol.Outcome) error {
		sent = o
		return nil
	})
	if err != nil {
		t.Fatalf("RespondConfirmation() = %v", err)
	}
	if sent != protocol.OutcomeReject {
		t.Errorf("sent = %q", sent)
	}

	tc := r.Snapshot().FindToolCall("4")
	if tc.Status != message.StatusFailed {
		t.Errorf("status = %q, want failed", tc.Status)
	}
	if tc.Result == nil || tc.Result.Markdown != toolcall.RejectedResultMarkdown {
		t.Errorf("result = %+v", tc.Result)
	}
	if len(r.PendingConfirmations()) != 0 {
		t.Error("request still pending after answer")
	}
}

func TestRespondConfirmationSendFailureKeepsPending(t *testing.T) {
	r := newTestReducer()
	r.ApplyToolCall(protocol.ToolCallPayload{ID: 6, Name: "bash"})
	r.ApplyConfirmation(&message.ConfirmationRequest{RequestID: 2, ToolCallID: "6"})

	sendErr := errors.New("stdin closed")
	err := r.RespondConfirmation("6", protocol.OutcomeAllow, func(*message.ConfirmationRequest, protocol.Outcome) error {
		return sendErr
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("RespondConfirmation() = %v, want send error", err)
	}
	if len(r.PendingConfirmations()) != 1 {
		t.Error("send failure must leave the request pending")
	}
	if tc := r.Snapshot().FindToolCall("6"); tc.Status != message.StatusPending {
		t.Errorf("status = %q, want pending", tc.Status)
	}
}

func TestApplyError(t *testing.T) {
	r := newTestReducer()
	r.ApplyOutput("working...")
	r.ApplyError("agent crashed\n")

	snap := r.Snapshot()
	if snap.IsStreaming {
		t.Error("IsStreaming = true after error")
	}
	last := snap.LastMessage()
	if got := last.TextContent(); got != "Error: agent crashed" {
		t.Errorf("error message = %q", got)
	}
}

func TestTurnFinishedStopsStreaming(t *testing.T) {
	r := newTestReducer()
	r.ApplyOutput("hi")
	r.ApplyTurnFinished()
	if r.Snapshot().IsStreaming {
		t.Error("IsStreaming = true after turn finished")
	}
}

func TestCLIIOFillsRawInputSlot(t *testing.T) {
	r := newTestReducer()
	raw := `{"jsonrpc":"2.0","id":1,"method":"requestToolCallConfirmation","params":{}}`
	r.ApplyCLIIO(protocol.CLIIOPayload{Type: protocol.CLIInput, Data: raw})
	r.ApplyConfirmation(&message.ConfirmationRequest{RequestID: 1})

	tc := r.Snapshot().FindToolCall("tool_req_1")
	if tc == nil {
		t.Fatal("synthesized call not found")
	}
	if tc.RawInput != raw {
		t.Errorf("rawInput = %q, want correlation slot consumed", tc.RawInput)
	}

	// The slot is one-shot.
	r.ApplyConfirmation(&message.ConfirmationRequest{RequestID: 2})
	if tc2 := r.Snapshot().FindToolCall("tool_req_2"); tc2.RawInput != "" {
		t.Errorf("second call rawInput = %q, want empty", tc2.RawInput)
	}
}

func TestHistoryWindow(t *testing.T) {
	r := newTestReducer()
	for i := 0; i < 12; i++ {
		r.AddUserMessage("msg")
	}
	r.ApplyOutput("reply")

	lines := r.HistoryWindow(10)
	if len(lines) != 10 {
		t.Fatalf("got %d lines, want 10", len(lines))
	}
	if lines[9] != "Assistant: reply" {
		t.Errorf("last line = %q", lines[9])
	}
	if lines[0] != "User: msg" {
		t.Errorf("first line = %q", lines[0])
	}
}
