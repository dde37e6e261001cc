package toolcall

import (
	"strings"
	"testing"

	"github.com/yanmxa/gembridge/internal/message"
)

func editRequest(path, oldText, newText string) *message.ConfirmationRequest {
	return &message.ConfirmationRequest{
		Label:        "Edit " + path,
		Content:      &message.ConfirmationContent{Type: "diff", Path: path, OldText: oldText, NewText: newText},
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmEdit},
	}
}

func TestEditDiff(t *testing.T) {
	meta := EditDiff(editRequest("/ws/a.go", "a\nb\nc\n", "a\nB\nc\n"))
	if meta == nil {
		t.Fatal("EditDiff() = nil")
	}
	if meta.Path != "/ws/a.go" {
		t.Errorf("path = %q", meta.Path)
	}
	if meta.IsNewFile {
		t.Error("IsNewFile = true for an existing file")
	}
	if !strings.Contains(meta.UnifiedDiff, "-b") || !strings.Contains(meta.UnifiedDiff, "+B") {
		t.Errorf("unified diff missing change lines:\n%s", meta.UnifiedDiff)
	}
	if meta.AddedCount != 1 || meta.RemovedCount != 1 {
		t.Errorf("counts = +%d/-%d, want +1/-1", meta.AddedCount, meta.RemovedCount)
	}
}

func TestEditDiffNewFile(t *testing.T) {
	meta := EditDiff(editRequest("/ws/new.go", "", "package main\n"))
	if meta == nil {
		t.Fatal("EditDiff() = nil")
	}
	if !meta.IsNewFile {
		t.Error("IsNewFile = false for empty old text")
	}
	if meta.AddedCount == 0 || meta.RemovedCount != 0 {
		t.Errorf("counts = +%d/-%d", meta.AddedCount, meta.RemovedCount)
	}
}

func TestEditDiffNonEdit(t *testing.T) {
	req := &message.ConfirmationRequest{
		Label:        "Run ls",
		Confirmation: message.ConfirmationDetail{Type: message.ConfirmExecute, Command: "ls"},
	}
	if meta := EditDiff(req); meta != nil {
		t.Errorf("EditDiff() = %+v, want nil for execute request", meta)
	}
}

func TestAttachEditDiff(t *testing.T) {
	tc := &message.ToolCall{
		ID:           "tool_1_1",
		Name:         "edit_file",
		Status:       message.StatusPending,
		Confirmation: editRequest("/ws/a.go", "x", "y"),
	}
	AttachEditDiff(tc)
	meta, ok := tc.Parameters["diff"].(*DiffMetadata)
	if !ok {
		t.Fatalf("parameters[diff] = %#v", tc.Parameters["diff"])
	}
	if meta.Path != "/ws/a.go" {
		t.Errorf("path = %q", meta.Path)
	}
}
