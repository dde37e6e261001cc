package toolcall

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/yanmxa/gembridge/internal/message"
)

// DiffMetadata summarizes the file change an edit confirmation proposes.
type DiffMetadata struct {
	Path         string `json:"path"`
	UnifiedDiff  string `json:"unifiedDiff"`
	IsNewFile    bool   `json:"isNewFile"`
	AddedCount   int    `json:"addedCount"`
	RemovedCount int    `json:"removedCount"`
}

// EditDiff computes unified-diff metadata for an edit confirmation. Returns
// nil when the request carries no diff content.
func EditDiff(req *message.ConfirmationRequest) *DiffMetadata {
	if !req.IsEdit() || req.Content == nil {
		return nil
	}
	c := req.Content
	edits := myers.ComputeEdits(span.URIFromPath(c.Path), c.OldText, c.NewText)
	unified := fmt.Sprint(gotextdiff.ToUnified(c.Path, c.Path, c.OldText, edits))

	added, removed := 0, 0
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}

	return &DiffMetadata{
		Path:         c.Path,
		UnifiedDiff:  unified,
		IsNewFile:    c.OldText == "",
		AddedCount:   added,
		RemovedCount: removed,
	}
}

// AttachEditDiff enriches an edit tool call's parameters with diff metadata
// so consumers can show the change without recomputing it.
func AttachEditDiff(tc *message.ToolCall) {
	if tc == nil || tc.Confirmation == nil {
		return
	}
	meta := EditDiff(tc.Confirmation)
	if meta == nil {
		return
	}
	if tc.Parameters == nil {
		tc.Parameters = map[string]any{}
	}
	tc.Parameters["diff"] = meta
}
