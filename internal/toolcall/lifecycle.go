// Package toolcall implements the tool-call lifecycle: the
// pending → running → {completed | failed} state machine, the result failure
// classifier, and the registry correlating in-flight confirmation requests
// with the tool calls they unlock.
package toolcall

import (
	"strings"

	"github.com/yanmxa/gembridge/internal/message"
)

// RejectedResultMarkdown is the synthesized result for a rejected tool call.
const RejectedResultMarkdown = "Tool call rejected by user"

// failurePhrases mark a result as failed when present (case-insensitive) in
// any of its text fields.
var failurePhrases = []string{
	"command not found",
	"no such file or directory",
	"permission denied",
	"access denied",
	"error:",
	"failed:",
	"exception:",
	"is not recognized as an internal or external command",
}

// Classify settles the terminal status for a finished tool call from its
// result. A non-empty error/stderr field or any failure phrase in the result
// text means failed; everything else completed. A nil result is completed.
func Classify(res *message.ToolCallResult) message.ToolCallStatus {
	if res == nil {
		return message.StatusCompleted
	}
	if res.HasErrorField() {
		return message.StatusFailed
	}
	text := strings.ToLower(res.Text())
	for _, phrase := range failurePhrases {
		if strings.Contains(text, phrase) {
			return message.StatusFailed
		}
	}
	return message.StatusCompleted
}

// statusFinished is the agent's terminal status on update events.
const statusFinished = "finished"

// ApplyUpdate applies one agent update event to a tool call. Terminal states
// are final: re-applying an update to a completed or failed call is a no-op,
// which makes replayed terminal statuses idempotent.
func ApplyUpdate(tc *message.ToolCall, status string, content *message.ToolCallResult) {
	if tc == nil || tc.Status.Terminal() {
		return
	}
	if content != nil {
		tc.Result = content
	}
	switch status {
	case statusFinished:
		tc.Status = Classify(tc.Result)
	case string(message.StatusFailed):
		tc.Status = message.StatusFailed
	default:
		// Any other status the agent reports is non-terminal progress.
		tc.Status = message.StatusRunning
	}
}

// Finalize attaches a result discovered outside an update event (the
// extractor's result-attachment pass) and settles the terminal status
// through the classifier.
func Finalize(tc *message.ToolCall, res *message.ToolCallResult) {
	if tc == nil || tc.Status.Terminal() {
		return
	}
	if res != nil {
		tc.Result = res
	}
	tc.Status = Classify(tc.Result)
}

// Approve moves a call to running after an allow outcome.
func Approve(tc *message.ToolCall) {
	if tc == nil || tc.Status.Terminal() {
		return
	}
	tc.Status = message.StatusRunning
}

// Reject moves a call directly to failed with the synthesized rejection
// result, bypassing running.
func Reject(tc *message.ToolCall) {
	if tc == nil || tc.Status.Terminal() {
		return
	}
	tc.Status = message.StatusFailed
	tc.Result = &message.ToolCallResult{Markdown: RejectedResultMarkdown}
}
