// Package extract pulls structured tool calls out of raw agent output. A
// chunk of output may interleave human-readable text with embedded JSON-RPC
// confirmation requests and several generations of legacy free-text tool
// notations; Extract returns the surviving text plus the tool calls it found.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
)

// envelopeMarker opens a JSON-RPC 2.0 envelope embedded in output text.
const envelopeMarker = `{"jsonrpc"`

// recentLimit bounds how many calls are kept for late result attachment.
const recentLimit = 32

// Result is the outcome of extracting one raw output chunk.
type Result struct {
	RemainingText string
	ToolCalls     []*message.ToolCall
}

// Extractor scans raw output chunks for one session. It owns the session's
// monotonic tool-call counter and remembers recent calls so result notations
// in later chunks can still attach. Not safe for concurrent use; the
// conversation reducer invokes it under its own lock.
type Extractor struct {
	sessionID string
	counter   int
	recent    []*message.ToolCall

	now func() time.Time
}

// New creates an extractor for a session.
func New(sessionID string) *Extractor {
	return &Extractor{sessionID: sessionID, now: time.Now}
}

// Extract scans one raw output chunk. The passes run in fixed order, each
// exhausted before the next: JSON-RPC confirmation envelopes, legacy
// call notations, then result attachment. A parse failure in one candidate
// is logged and skipped; it never aborts the other candidates.
func (e *Extractor) Extract(chunk string) Result {
	text, calls := e.extractEnvelopes(chunk)

	for _, pat := range legacyPatterns {
		var more []*message.ToolCall
		text, more = e.extractLegacy(text, pat)
		calls = append(calls, more...)
	}

	e.remember(calls)
	text = e.attachResults(text)

	return Result{RemainingText: strings.TrimSpace(text), ToolCalls: calls}
}

// extractEnvelopes runs the JSON-RPC pass: find each envelope open-marker,
// scan to the balanced closing brace, and synthesize a tool call when the
// method is requestToolCallConfirmation. Matched envelopes are removed from
// the text; envelopes with other methods stay (they are transcript, not
// confirmations).
func (e *Extractor) extractEnvelopes(text string) (string, []*message.ToolCall) {
	var calls []*message.ToolCall
	offset := 0

	for {
		idx := strings.Index(text[offset:], envelopeMarker)
		if idx < 0 {
			break
		}
		start := offset + idx

		end := scanBalanced(text, start)
		if end < 0 {
			// Unterminated envelope, likely split across chunks. Leave it.
			break
		}

		span := text[start:end]
		frame, ok := protocol.ParseFrame([]byte(span))
		if !ok || frame.Method != protocol.MethodRequestConfirmation {
			if !ok {
				log.Logger().Debug("skipping unparsable JSON-RPC candidate",
					zap.String("session", e.sessionID), zap.Int("offset", start))
			}
			offset = start + len(envelopeMarker)
			continue
		}

		tc, err := e.confirmationCall(frame)
		if err != nil {
			log.Logger().Warn("confirmation envelope rejected",
				zap.String("session", e.sessionID), zap.Error(err))
			offset = start + len(envelopeMarker)
			continue
		}
		tc.RawInput = span
		calls = append(calls, tc)

		text = text[:start] + text[end:]
		offset = start
	}

	return text, calls
}

// confirmationCall synthesizes a pending tool call from a confirmation
// request envelope.
func (e *Extractor) confirmationCall(frame *protocol.Frame) (*message.ToolCall, error) {
	var req message.ConfirmationRequest
	if err := json.Unmarshal(frame.Params, &req); err != nil {
		return nil, fmt.Errorf("parse confirmation params: %w", err)
	}
	// The reply channel answers by JSON-RPC request id; carry it over.
	if req.RequestID == 0 && frame.ID != nil {
		req.RequestID = *frame.ID
	}
	if req.SessionID == "" {
		req.SessionID = e.sessionID
	}

	name := "tool_call"
	if req.IsEdit() {
		name = "edit_file"
	}

	params := map[string]any{}
	if req.Content != nil {
		if req.Content.Path != "" {
			params["path"] = req.Content.Path
		}
		if req.Content.OldText != "" {
			params["oldText"] = req.Content.OldText
		}
		if req.Content.NewText != "" {
			params["newText"] = req.Content.NewText
		}
	}
	if len(req.Locations) > 0 {
		params["locations"] = req.Locations
	}

	return &message.ToolCall{
		ID:           e.nextID(frame.ID),
		Name:         name,
		Parameters:   params,
		Status:       message.StatusPending,
		Confirmation: &req,
	}, nil
}

// nextID builds a per-session-unique id. The suffix is the JSON-RPC request
// id when one exists, else the current Unix milliseconds.
func (e *Extractor) nextID(rpcID *uint64) string {
	e.counter++
	if rpcID != nil {
		return fmt.Sprintf("tool_%d_%d", e.counter, *rpcID)
	}
	return fmt.Sprintf("tool_%d_%d", e.counter, e.now().UnixMilli())
}

// remember keeps calls available for late result attachment.
func (e *Extractor) remember(calls []*message.ToolCall) {
	e.recent = append(e.recent, calls...)
	if n := len(e.recent); n > recentLimit {
		e.recent = e.recent[n-recentLimit:]
	}
}

// mostRecentWithoutResult returns the newest remembered call that has no
// result yet, or nil.
func (e *Extractor) mostRecentWithoutResult() *message.ToolCall {
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].Result == nil {
			return e.recent[i]
		}
	}
	return nil
}

// scanBalanced returns the index just past the brace that closes the object
// opening at start, or -1 when the text ends first. The scan counts raw
// braces and is not aware of string literals: a brace inside a quoted value
// closes the scan early. That boundary is relied on downstream; the
// extractor tests pin it.
func scanBalanced(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// scanParens returns the index just past the parenthesis closing the group
// opening at start, or -1. Like scanBalanced it ignores string literals.
func scanParens(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
