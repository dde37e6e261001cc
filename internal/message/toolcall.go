package message

import "strings"

// ToolCallStatus tracks a tool call through its approval/execution lifecycle.
type ToolCallStatus string

const (
	StatusPending   ToolCallStatus = "pending"
	StatusRunning   ToolCallStatus = "running"
	StatusCompleted ToolCallStatus = "completed"
	StatusFailed    ToolCallStatus = "failed"
)

// Terminal reports whether the status is final. Terminal statuses never
// transition again.
func (s ToolCallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ToolCall is a discrete agent-requested action tracked from proposal through
// user confirmation to completion or failure.
type ToolCall struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Parameters   map[string]any       `json:"parameters,omitempty"`
	Status       ToolCallStatus       `json:"status"`
	Result       *ToolCallResult      `json:"result,omitempty"`
	RawInput     string               `json:"rawInput,omitempty"`
	RawOutput    string               `json:"rawOutput,omitempty"`
	Confirmation *ConfirmationRequest `json:"confirmationRequest,omitempty"`
}

// Clone returns a deep copy of the tool call.
func (tc *ToolCall) Clone() *ToolCall {
	if tc == nil {
		return nil
	}
	cp := *tc
	if tc.Parameters != nil {
		cp.Parameters = cloneParams(tc.Parameters)
	}
	if tc.Result != nil {
		result := *tc.Result
		cp.Result = &result
	}
	if tc.Confirmation != nil {
		conf := tc.Confirmation.Clone()
		cp.Confirmation = conf
	}
	return &cp
}

// cloneParams deep copies the container shapes parameter values take:
// nested maps, edits arrays, and location lists. Anything else, including
// attached metadata pointers, is treated as immutable once stored and is
// shared as-is.
func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneParamValue(v)
	}
	return out
}

func cloneParamValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneParamValue(e)
		}
		return s
	case []map[string]any:
		s := make([]map[string]any, len(t))
		for i, e := range t {
			s[i] = cloneParams(e)
		}
		return s
	case []Location:
		return append([]Location(nil), t...)
	default:
		return v
	}
}

// ToolCallResult carries the outcome of an executed tool call. Updates from
// the agent populate it; the failure classifier inspects all of its fields.
type ToolCallResult struct {
	Markdown string `json:"markdown,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Text returns the human-readable result text used for classification.
func (r *ToolCallResult) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range []string{r.Markdown, r.Output, r.Error, r.Stderr} {
		if s == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// HasErrorField reports whether the result carries a non-empty error or
// stderr field.
func (r *ToolCallResult) HasErrorField() bool {
	return r != nil && (r.Error != "" || r.Stderr != "")
}

// ConfirmationKind names the approval variants an agent can ask for.
type ConfirmationKind string

const (
	ConfirmEdit    ConfirmationKind = "edit"
	ConfirmExecute ConfirmationKind = "execute"
	ConfirmMCP     ConfirmationKind = "mcp"
	ConfirmInfo    ConfirmationKind = "info"
)

// Location points at a file position a tool call touches.
type Location struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// ConfirmationContent describes what is being approved: a diff for edits or
// a command line for executions.
type ConfirmationContent struct {
	Type    string `json:"type,omitempty"`
	Path    string `json:"path,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`
	Command string `json:"command,omitempty"`
}

// ConfirmationDetail carries the agent's classification of the request.
type ConfirmationDetail struct {
	Type        ConfirmationKind `json:"type"`
	RootCommand string           `json:"rootCommand,omitempty"`
	Command     string           `json:"command,omitempty"`
}

// ConfirmationRequest is a pending approval envelope tied to a tool call.
// It is created when the agent asks approval and removed once answered.
type ConfirmationRequest struct {
	RequestID    uint64               `json:"requestId"`
	SessionID    string               `json:"sessionId"`
	ToolCallID   string               `json:"toolCallId,omitempty"`
	Label        string               `json:"label"`
	Icon         string               `json:"icon,omitempty"`
	Content      *ConfirmationContent `json:"content,omitempty"`
	Confirmation ConfirmationDetail   `json:"confirmation"`
	Locations    []Location           `json:"locations,omitempty"`
}

// Clone returns a deep copy of the confirmation request.
func (c *ConfirmationRequest) Clone() *ConfirmationRequest {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Content != nil {
		content := *c.Content
		cp.Content = &content
	}
	if c.Locations != nil {
		cp.Locations = append([]Location(nil), c.Locations...)
	}
	return &cp
}

// IsEdit reports whether the request approves a file edit.
func (c *ConfirmationRequest) IsEdit() bool {
	return c != nil && c.Confirmation.Type == ConfirmEdit
}
