package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/toolcall"
	"github.com/yanmxa/gembridge/internal/transport"
)

type sentMessage struct {
	text    string
	history []string
	model   string
}

type sentConfirm struct {
	requestID uint64
	outcome   protocol.Outcome
}

type fakeProc struct {
	mu       sync.Mutex
	sends    []sentMessage
	confirms []sentConfirm
}

func (p *fakeProc) SendUserMessage(text string, history []string, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, sentMessage{text, history, model})
	return nil
}

func (p *fakeProc) RespondConfirmation(requestID uint64, outcome protocol.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms = append(p.confirms, sentConfirm{requestID, outcome})
	return nil
}

func (p *fakeProc) lastSend() sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends[len(p.sends)-1]
}

func (p *fakeProc) confirmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.confirms)
}

type fakeProcs struct {
	mu       sync.Mutex
	proc     *fakeProc
	started  []string
	killed   []string
	statuses []protocol.ProcessStatus
}

func (f *fakeProcs) Start(_ context.Context, sessionID, _, _ string) (Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
	return f.proc, nil
}

func (f *fakeProcs) Kill(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return nil
}

func (f *fakeProcs) Statuses() []protocol.ProcessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

func (f *fakeProcs) setStatuses(s []protocol.ProcessStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = s
}

type fixture struct {
	coord *Coordinator
	bus   *transport.LocalBus
	proc  *fakeProc
	procs *fakeProcs
	sched *transport.ManualScheduler
}

func newFixture(t *testing.T, settings *config.Settings) *fixture {
	t.Helper()
	if settings == nil {
		settings = config.NewSettings()
	}
	f := &fixture{
		bus:   transport.NewLocalBus(),
		proc:  &fakeProc{},
		sched: transport.NewManualScheduler(),
	}
	f.procs = &fakeProcs{proc: f.proc}
	f.coord = New(&config.Config{}, settings, f.bus, f.procs, f.sched)
	t.Cleanup(f.coord.Close)
	return f
}

func TestSendMessageStartsSessionImplicitly(t *testing.T) {
	f := newFixture(t, nil)

	err := f.coord.SendMessage(context.Background(), protocol.SendMessageParams{
		SessionID: "s1",
		Message:   "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}

	if len(f.procs.started) != 1 || f.procs.started[0] != "s1" {
		t.Errorf("started = %v, want [s1]", f.procs.started)
	}
	send := f.proc.lastSend()
	if send.text != "hello" {
		t.Errorf("sent text = %q", send.text)
	}
	// The message goes out on its own; the context window holds prior turns
	// only, so the first send carries none.
	if len(send.history) != 0 {
		t.Errorf("history = %v, want empty on first send", send.history)
	}

	// Second send reuses the live process and sees the first turn as context.
	if err := f.coord.SendMessage(context.Background(), protocol.SendMessageParams{SessionID: "s1", Message: "again"}); err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	if len(f.procs.started) != 1 {
		t.Errorf("started = %v, want one start total", f.procs.started)
	}
	send = f.proc.lastSend()
	if send.text != "again" {
		t.Errorf("sent text = %q", send.text)
	}
	if len(send.history) != 1 || send.history[0] != "User: hello" {
		t.Errorf("history = %v, want prior turn only", send.history)
	}
}

func TestSendMessageTruncatesHistory(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 12; i++ {
		if err := f.coord.SendMessage(context.Background(), protocol.SendMessageParams{SessionID: "s1", Message: "msg"}); err != nil {
			t.Fatalf("SendMessage() = %v", err)
		}
	}

	send := f.proc.lastSend()
	if len(send.history) != 10 {
		t.Errorf("history length = %d, want 10", len(send.history))
	}
	for _, line := range send.history {
		if line != "User: msg" {
			t.Errorf("history line = %q", line)
		}
	}
}

func TestSendMessageTruncatesProvidedHistory(t *testing.T) {
	f := newFixture(t, nil)

	history := ""
	for i := 0; i < 15; i++ {
		history += "User: old\n"
	}
	err := f.coord.SendMessage(context.Background(), protocol.SendMessageParams{
		SessionID:           "s1",
		Message:             "new",
		ConversationHistory: history,
	})
	if err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	if got := len(f.proc.lastSend().history); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
}

func TestConfirmToolCallReject(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	f.bus.Publish(protocol.EventToolCall("s1"), protocol.ToolCallPayload{ID: 5, Name: "bash"})
	f.bus.Publish(protocol.EventToolConfirmation("s1"), message.ConfirmationRequest{
		RequestID:    9,
		SessionID:    "s1",
		ToolCallID:   "5",
		Label:        "Run rm",
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmExecute, Command: "rm -rf /tmp/x"},
	})

	err := f.coord.ConfirmToolCall(protocol.ConfirmationResponseParams{
		SessionID:  "s1",
		RequestID:  9,
		ToolCallID: "5",
		Outcome:    protocol.OutcomeReject,
	})
	if err != nil {
		t.Fatalf("ConfirmToolCall() = %v", err)
	}

	if f.proc.confirmCount() != 1 {
		t.Fatalf("confirms = %d, want 1", f.proc.confirmCount())
	}
	if got := f.proc.confirms[0]; got.requestID != 9 || got.outcome != protocol.OutcomeReject {
		t.Errorf("confirm = %+v", got)
	}

	snap, ok := f.coord.Snapshot("s1")
	if !ok {
		t.Fatal("no snapshot")
	}
	tc := snap.FindToolCall("5")
	if tc.Status != message.StatusFailed {
		t.Errorf("status = %q, want failed", tc.Status)
	}
	if tc.Result == nil || tc.Result.Markdown != toolcall.RejectedResultMarkdown {
		t.Errorf("result = %+v", tc.Result)
	}
}

func TestConfirmToolCallUnknownIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	err := f.coord.ConfirmToolCall(protocol.ConfirmationResponseParams{
		SessionID: "s1",
		RequestID: 404,
		Outcome:   protocol.OutcomeAllow,
	})
	if err != nil {
		t.Errorf("ConfirmToolCall() = %v, want nil for unknown request", err)
	}
	if f.proc.confirmCount() != 0 {
		t.Errorf("confirms = %d, want 0", f.proc.confirmCount())
	}
}

func TestAutoApproveFromSettings(t *testing.T) {
	settings := &config.Settings{Permissions: config.PermissionSettings{
		Allow: []string{"tool_call(git status)"},
	}}
	f := newFixture(t, settings)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	f.bus.Publish(protocol.EventToolConfirmation("s1"), message.ConfirmationRequest{
		RequestID:    3,
		SessionID:    "s1",
		Label:        "Run git status",
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmExecute, Command: "git status"},
	})

	if f.proc.confirmCount() != 1 {
		t.Fatalf("confirms = %d, want 1 auto-answer", f.proc.confirmCount())
	}
	if got := f.proc.confirms[0]; got.requestID != 3 || got.outcome != protocol.OutcomeAllow {
		t.Errorf("confirm = %+v", got)
	}
}

func TestAutoRejectFromDenyRule(t *testing.T) {
	settings := &config.Settings{Permissions: config.PermissionSettings{
		Deny: []string{"edit_file(**/.env)"},
	}}
	f := newFixture(t, settings)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	f.bus.Publish(protocol.EventToolConfirmation("s1"), message.ConfirmationRequest{
		RequestID:    4,
		SessionID:    "s1",
		Label:        "Edit .env",
		Content:      &message.ConfirmationContent{Type: "diff", Path: "/ws/.env", NewText: "SECRET=1"},
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmEdit},
	})

	if f.proc.confirmCount() != 1 {
		t.Fatalf("confirms = %d, want 1 auto-answer", f.proc.confirmCount())
	}
	if got := f.proc.confirms[0]; got.outcome != protocol.OutcomeReject {
		t.Errorf("outcome = %q, want reject", got.outcome)
	}
}

func TestStickyOutcomeGrantsFutureRequests(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	publish := func(requestID uint64) {
		f.bus.Publish(protocol.EventToolConfirmation("s1"), message.ConfirmationRequest{
			RequestID:    requestID,
			SessionID:    "s1",
			Label:        "Run npm install",
			Confirmation: message.ConfirmationDetail{Type: message.ConfirmExecute, Command: "npm install"},
		})
	}

	publish(1)
	if f.proc.confirmCount() != 0 {
		t.Fatalf("confirms before grant = %d, want 0", f.proc.confirmCount())
	}
	err := f.coord.ConfirmToolCall(protocol.ConfirmationResponseParams{
		SessionID: "s1",
		RequestID: 1,
		Outcome:   protocol.OutcomeAlwaysAllow,
	})
	if err != nil {
		t.Fatalf("ConfirmToolCall() = %v", err)
	}

	// The same command now auto-approves without a user answer.
	publish(2)
	if f.proc.confirmCount() != 2 {
		t.Fatalf("confirms = %d, want 2", f.proc.confirmCount())
	}
	if got := f.proc.confirms[1]; got.requestID != 2 || got.outcome != protocol.OutcomeAllow {
		t.Errorf("auto confirm = %+v", got)
	}
}

func TestPollPublishesOnlyOnChange(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	published := 0
	f.bus.Subscribe(protocol.EventProcessStatuses, func(json.RawMessage) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	row := []protocol.ProcessStatus{{ConversationID: "s1", PID: 42, IsAlive: true}}
	f.procs.setStatuses(row)

	f.sched.Advance(2 * time.Second)
	f.sched.Advance(2 * time.Second)
	f.sched.Advance(2 * time.Second)
	mu.Lock()
	if published != 1 {
		t.Errorf("published = %d, want 1 for unchanged statuses", published)
	}
	mu.Unlock()

	f.procs.setStatuses([]protocol.ProcessStatus{{ConversationID: "s1", PID: 42, IsAlive: false}})
	f.sched.Advance(2 * time.Second)
	mu.Lock()
	if published != 2 {
		t.Errorf("published = %d, want 2 after change", published)
	}
	mu.Unlock()
}

func TestKillProcessDropsSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.coord.StartSession(context.Background(), protocol.StartSessionParams{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() = %v", err)
	}

	if err := f.coord.KillProcess("s1"); err != nil {
		t.Fatalf("KillProcess() = %v", err)
	}
	if len(f.procs.killed) != 1 || f.procs.killed[0] != "s1" {
		t.Errorf("killed = %v", f.procs.killed)
	}
	if _, ok := f.coord.Snapshot("s1"); ok {
		t.Error("session still present after kill")
	}

	// Late events for the dead session are ignored.
	f.bus.Publish(protocol.EventOutput("s1"), "ghost")
	if _, ok := f.coord.Snapshot("s1"); ok {
		t.Error("session resurrected by a late event")
	}

	// Unknown sessions are a logged no-op.
	if err := f.coord.KillProcess("nope"); err != nil {
		t.Errorf("KillProcess(unknown) = %v", err)
	}
}
