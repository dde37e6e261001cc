package message

import (
	"encoding/json"
	"reflect"
	"testing"
)

// checkNoAdjacentSameKind asserts the coalescing invariant: no two adjacent
// parts share a kind.
func checkNoAdjacentSameKind(t *testing.T, parts PartList) {
	t.Helper()
	for i := 1; i < len(parts); i++ {
		if parts[i].Kind() == parts[i-1].Kind() {
			t.Errorf("parts %d and %d share kind %q", i-1, i, parts[i].Kind())
		}
	}
}

func TestAppendCoalesces(t *testing.T) {
	m := NewAssistantMessage()
	m.AppendText("Hello")
	m.AppendText(", world")
	if len(m.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(m.Parts))
	}
	if got := m.Parts[0].(TextPart).Text; got != "Hello, world" {
		t.Errorf("text = %q", got)
	}
}

func TestAppendInterleavings(t *testing.T) {
	type step struct {
		kind PartKind
		text string
	}
	sequences := [][]step{
		{{PartKindText, "a"}, {PartKindThinking, "b"}, {PartKindText, "c"}},
		{{PartKindThinking, "a"}, {PartKindThinking, "b"}, {PartKindText, "c"}, {PartKindText, "d"}},
		{{PartKindText, "a"}, {PartKindText, "b"}, {PartKindThinking, "c"}, {PartKindText, "d"}, {PartKindThinking, "e"}, {PartKindThinking, "f"}},
	}

	for _, seq := range sequences {
		m := NewAssistantMessage()
		for _, s := range seq {
			switch s.kind {
			case PartKindText:
				m.AppendText(s.text)
			case PartKindThinking:
				m.AppendThinking(s.text)
			}
		}
		checkNoAdjacentSameKind(t, m.Parts)
	}
}

func TestAppendToolCallBreaksRun(t *testing.T) {
	m := NewAssistantMessage()
	m.AppendText("before")
	m.AppendToolCall(&ToolCall{ID: "tool_1_1", Name: "ls", Status: StatusPending})
	m.AppendText("after")

	if len(m.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(m.Parts))
	}
	checkNoAdjacentSameKind(t, m.Parts)
	if got := m.Parts[2].(TextPart).Text; got != "after" {
		t.Errorf("trailing text = %q, must not merge across the tool call", got)
	}
}

func TestAppendEmptyFragmentIsNoop(t *testing.T) {
	m := NewAssistantMessage()
	m.AppendText("")
	m.AppendThinking("")
	if len(m.Parts) != 0 {
		t.Errorf("got %d parts, want 0", len(m.Parts))
	}
}

func TestPartListJSONRoundTrip(t *testing.T) {
	parts := PartList{
		TextPart{Text: "answer"},
		ThinkingPart{Thinking: "hmm"},
		ToolCallPart{ToolCall: &ToolCall{
			ID:         "tool_1_42",
			Name:       "edit_file",
			Parameters: map[string]any{"path": "/tmp/a"},
			Status:     StatusRunning,
		}},
	}

	data, err := json.Marshal(parts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded PartList
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(parts, decoded) {
		t.Errorf("round trip changed parts:\n got %#v\nwant %#v", decoded, parts)
	}
}

func TestTextContentSkipsThinking(t *testing.T) {
	m := NewAssistantMessage()
	m.AppendThinking("plan")
	m.AppendText("The answer")
	m.AppendToolCall(&ToolCall{ID: "t", Name: "x"})
	m.AppendText(" is 42")

	if got := m.TextContent(); got != "The answer is 42" {
		t.Errorf("TextContent = %q", got)
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	tc := &ToolCall{
		ID:         "tool_1_1",
		Name:       "bash",
		Parameters: map[string]any{"command": "ls"},
		Status:     StatusPending,
	}
	m := NewAssistantMessage()
	m.AppendText("x")
	m.AppendToolCall(tc)

	clone := m.Clone()
	tc.Status = StatusCompleted
	tc.Parameters["command"] = "rm"

	got := clone.Parts[1].(ToolCallPart).ToolCall
	if got.Status != StatusPending {
		t.Errorf("clone status = %q, mutated through original", got.Status)
	}
	if got.Parameters["command"] != "ls" {
		t.Errorf("clone parameters = %v, mutated through original", got.Parameters)
	}
}

func TestToolCallCloneDeepParameters(t *testing.T) {
	tc := &ToolCall{
		ID:   "tool_1_1",
		Name: "multi_edit",
		Parameters: map[string]any{
			"edits":     []map[string]any{{"old_string": "a", "new_string": "b"}},
			"locations": []Location{{Path: "/a.go", Line: 1}},
			"nested":    map[string]any{"k": "v"},
		},
		Status: StatusPending,
	}

	clone := tc.Clone()
	tc.Parameters["edits"].([]map[string]any)[0]["old_string"] = "mutated"
	tc.Parameters["locations"].([]Location)[0].Path = "/mutated.go"
	tc.Parameters["nested"].(map[string]any)["k"] = "mutated"

	edits := clone.Parameters["edits"].([]map[string]any)
	if edits[0]["old_string"] != "a" {
		t.Errorf("clone edits = %v, mutated through original", edits)
	}
	locs := clone.Parameters["locations"].([]Location)
	if locs[0].Path != "/a.go" {
		t.Errorf("clone locations = %v, mutated through original", locs)
	}
	if clone.Parameters["nested"].(map[string]any)["k"] != "v" {
		t.Errorf("clone nested = %v, mutated through original", clone.Parameters["nested"])
	}
}
