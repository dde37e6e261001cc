package toolcall

import (
	"errors"
	"testing"

	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  *message.ToolCallResult
		want message.ToolCallStatus
	}{
		{"nil result", nil, message.StatusCompleted},
		{"plain output", &message.ToolCallResult{Output: "3 files listed"}, message.StatusCompleted},
		{"markdown", &message.ToolCallResult{Markdown: "done"}, message.StatusCompleted},
		{"error field", &message.ToolCallResult{Error: "boom"}, message.StatusFailed},
		{"stderr field", &message.ToolCallResult{Stderr: "warning: x"}, message.StatusFailed},
		{"permission denied lowercase", &message.ToolCallResult{Output: "permission denied"}, message.StatusFailed},
		{"permission denied mixed case", &message.ToolCallResult{Output: "bash: Permission Denied"}, message.StatusFailed},
		{"command not found", &message.ToolCallResult{Output: "zsh: command not found: foo"}, message.StatusFailed},
		{"no such file", &message.ToolCallResult{Markdown: "cat: /x: No such file or directory"}, message.StatusFailed},
		{"error colon", &message.ToolCallResult{Output: "Error: invalid flag"}, message.StatusFailed},
		{"failed colon", &message.ToolCallResult{Output: "build FAILED: 2 errors"}, message.StatusFailed},
		{"exception colon", &message.ToolCallResult{Output: "Exception: stack overflow"}, message.StatusFailed},
		{"windows not recognized", &message.ToolCallResult{Output: "'foo' is not recognized as an internal or external command"}, message.StatusFailed},
		{"failed as plain word", &message.ToolCallResult{Output: "0 failed, 10 passed"}, message.StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.res); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	t.Run("progress status moves to running", func(t *testing.T) {
		tc := &message.ToolCall{Status: message.StatusPending}
		ApplyUpdate(tc, "in_progress", nil)
		if tc.Status != message.StatusRunning {
			t.Errorf("status = %q, want running", tc.Status)
		}
	})

	t.Run("finished routes through classifier", func(t *testing.T) {
		tc := &message.ToolCall{Status: message.StatusRunning}
		ApplyUpdate(tc, "finished", &message.ToolCallResult{Output: "permission denied"})
		if tc.Status != message.StatusFailed {
			t.Errorf("status = %q, want failed", tc.Status)
		}
	})

	t.Run("explicit failed", func(t *testing.T) {
		tc := &message.ToolCall{Status: message.StatusRunning}
		ApplyUpdate(tc, "failed", nil)
		if tc.Status != message.StatusFailed {
			t.Errorf("status = %q, want failed", tc.Status)
		}
	})

	t.Run("terminal state is final", func(t *testing.T) {
		tc := &message.ToolCall{Status: message.StatusRunning}
		ApplyUpdate(tc, "finished", &message.ToolCallResult{Markdown: "ok"})
		if tc.Status != message.StatusCompleted {
			t.Fatalf("status = %q, want completed", tc.Status)
		}

		// Replayed and late updates must not move a settled call.
		ApplyUpdate(tc, "finished", &message.ToolCallResult{Markdown: "ok"})
		ApplyUpdate(tc, "failed", &message.ToolCallResult{Error: "late"})
		if tc.Status != message.StatusCompleted {
			t.Errorf("status after replay = %q, want completed", tc.Status)
		}
		if tc.Result.Markdown != "ok" {
			t.Errorf("result = %+v, want original kept", tc.Result)
		}
	})
}

func TestReject(t *testing.T) {
	tc := &message.ToolCall{Status: message.StatusPending}
	Reject(tc)
	if tc.Status != message.StatusFailed {
		t.Errorf("status = %q, want failed", tc.Status)
	}
	if tc.Result == nil || tc.Result.Markdown != RejectedResultMarkdown {
		t.Errorf("result = %+v, want rejection markdown", tc.Result)
	}
}

func TestApproveSkipsTerminal(t *testing.T) {
	tc := &message.ToolCall{Status: message.StatusFailed}
	Approve(tc)
	if tc.Status != message.StatusFailed {
		t.Errorf("status = %q, terminal state must not reopen", tc.Status)
	}
}

func TestRegistryRespond(t *testing.T) {
	r := NewRegistry()
	tc := &message.ToolCall{ID: "tool_1_7", Status: message.StatusPending}
	req := &message.ConfirmationRequest{RequestID: 7, ToolCallID: "tool_1_7"}
	tc.Confirmation = req
	r.Add(req, tc)

	var sentOutcome protocol.Outcome
	send := func(got *message.ConfirmationRequest, outcome protocol.Outcome) error {
		if got != req {
			t.Errorf("send got request %+v", got)
		}
		sentOutcome = outcome
		return nil
	}

	if err := r.Respond("tool_1_7", protocol.OutcomeAllow, send); err != nil {
		t.Fatalf("Respond() = %v", err)
	}
	if sentOutcome != protocol.OutcomeAllow {
		t.Errorf("sent outcome = %q", sentOutcome)
	}
	if tc.Status != message.StatusRunning {
		t.Errorf("status = %q, want running", tc.Status)
	}
	if tc.Confirmation != nil {
		t.Error("confirmation still attached after answer")
	}
	if r.Len() != 0 {
		t.Errorf("registry len = %d, want 0", r.Len())
	}
}

func TestRegistryRespondReject(t *testing.T) {
	r := NewRegistry()
	tc := &message.ToolCall{ID: "tool_2_9", Status: message.StatusPending}
	req := &message.ConfirmationRequest{RequestID: 9, ToolCallID: "tool_2_9"}
	r.Add(req, tc)

	if err := r.Respond("tool_2_9", protocol.OutcomeReject, nil); err != nil {
		t.Fatalf("Respond() = %v", err)
	}
	if tc.Status != message.StatusFailed {
		t.Errorf("status = %q, want failed (reject bypasses running)", tc.Status)
	}
	if tc.Result == nil || tc.Result.Markdown != RejectedResultMarkdown {
		t.Errorf("result = %+v", tc.Result)
	}
	if r.Len() != 0 {
		t.Errorf("registry len = %d, want 0", r.Len())
	}
}

func TestRegistryRespondSendFailure(t *testing.T) {
	r := NewRegistry()
	tc := &message.ToolCall{ID: "tool_3_1", Status: message.StatusPending}
	req := &message.ConfirmationRequest{RequestID: 1, ToolCallID: "tool_3_1"}
	r.Add(req, tc)

	sendErr := errors.New("broken pipe")
	err := r.Respond("tool_3_1", protocol.OutcomeAllow, func(*message.ConfirmationRequest, protocol.Outcome) error {
		return sendErr
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("Respond() = %v, want send error", err)
	}

	// Entry stays pending and the call untouched, so the user can retry.
	if r.Len() != 1 {
		t.Errorf("registry len = %d, want 1", r.Len())
	}
	if tc.Status != message.StatusPending {
		t.Errorf("status = %q, want pending", tc.Status)
	}
}

func TestRegistryRespondUnknownKey(t *testing.T) {
	r := NewRegistry()
	err := r.Respond("nope", protocol.OutcomeAllow, nil)
	if !errors.Is(err, ErrUnknownConfirmation) {
		t.Errorf("Respond() = %v, want ErrUnknownConfirmation", err)
	}
}

func TestRegistryKey(t *testing.T) {
	withTC := &message.ConfirmationRequest{RequestID: 5, ToolCallID: "tool_1_5"}
	if got := Key(withTC); got != "tool_1_5" {
		t.Errorf("Key = %q, want tool call id", got)
	}
	withoutTC := &message.ConfirmationRequest{RequestID: 5}
	if got := Key(withoutTC); got != "5" {
		t.Errorf("Key = %q, want stringified request id", got)
	}
}
