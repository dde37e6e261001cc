package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/yanmxa/gembridge/internal/message"
)

// Legacy free-text tool notations, oldest first. Each pattern's head regex
// locates the notation up to its parameter delimiter; the parameter span is
// then taken with a balanced brace/paren scan so nested JSON survives.
var (
	callingToolRe = regexp.MustCompile(`Calling tool:\s*([A-Za-z_][\w.-]*)\s+with parameters:\s*\{`)
	toolCallRe    = regexp.MustCompile(`Tool call:\s*([A-Za-z_][\w.-]*)\s*\(`)
	bareCallRe    = regexp.MustCompile(`\b([A-Za-z_]\w*)\(\s*\{`)
	mcpBraceRe    = regexp.MustCompile(`\[mcp:([\w.-]+)\s+\{`)
	mcpParenRe    = regexp.MustCompile(`\[mcp\]\s*([\w.-]+)\s*\(`)
	editNoteRe    = regexp.MustCompile(`(?i)\b(multi_edit|edit_file)\s*:\s*\{`)
)

// legacyMatch is one located notation: the span to remove plus the tool name
// and raw parameter text it carried.
type legacyMatch struct {
	start, end int
	name       string
	args       string
}

// legacyPattern finds the first occurrence of one notation in text.
type legacyPattern func(text string) (legacyMatch, bool)

// legacyPatterns is the fixed pass order. Each pattern is exhausted before
// the next runs.
var legacyPatterns = []legacyPattern{
	findCallingTool,
	findToolCallParen,
	findBareCall,
	findMCPBrace,
	findMCPParen,
	findEditNote,
}

func findCallingTool(text string) (legacyMatch, bool) {
	loc := callingToolRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	end := scanBalanced(text, loc[1]-1)
	if end < 0 {
		return legacyMatch{}, false
	}
	return legacyMatch{
		start: loc[0],
		end:   end,
		name:  text[loc[2]:loc[3]],
		args:  text[loc[1]-1 : end],
	}, true
}

func findToolCallParen(text string) (legacyMatch, bool) {
	loc := toolCallRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	end := scanParens(text, loc[1]-1)
	if end < 0 {
		return legacyMatch{}, false
	}
	return legacyMatch{
		start: loc[0],
		end:   end,
		name:  text[loc[2]:loc[3]],
		args:  text[loc[1] : end-1],
	}, true
}

func findBareCall(text string) (legacyMatch, bool) {
	loc := bareCallRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	parenStart := loc[3] // the '(' immediately follows the name
	end := scanParens(text, parenStart)
	if end < 0 {
		return legacyMatch{}, false
	}
	return legacyMatch{
		start: loc[0],
		end:   end,
		name:  text[loc[2]:loc[3]],
		args:  strings.TrimSpace(text[parenStart+1 : end-1]),
	}, true
}

func findMCPBrace(text string) (legacyMatch, bool) {
	loc := mcpBraceRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	end := scanBalanced(text, loc[1]-1)
	if end < 0 {
		return legacyMatch{}, false
	}
	span := end
	if span < len(text) && text[span] == ']' {
		span++
	}
	return legacyMatch{
		start: loc[0],
		end:   span,
		name:  text[loc[2]:loc[3]],
		args:  text[loc[1]-1 : end],
	}, true
}

func findMCPParen(text string) (legacyMatch, bool) {
	loc := mcpParenRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	end := scanParens(text, loc[1]-1)
	if end < 0 {
		return legacyMatch{}, false
	}
	span := end
	if span < len(text) && text[span] == ']' {
		span++
	}
	return legacyMatch{
		start: loc[0],
		end:   span,
		name:  text[loc[2]:loc[3]],
		args:  text[loc[1] : end-1],
	}, true
}

func findEditNote(text string) (legacyMatch, bool) {
	loc := editNoteRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return legacyMatch{}, false
	}
	end := scanBalanced(text, loc[1]-1)
	if end < 0 {
		return legacyMatch{}, false
	}
	return legacyMatch{
		start: loc[0],
		end:   end,
		name:  strings.ToLower(text[loc[2]:loc[3]]),
		args:  text[loc[1]-1 : end],
	}, true
}

// extractLegacy exhausts one notation pattern against the text, yielding a
// pending tool call per match and removing each matched span.
func (e *Extractor) extractLegacy(text string, pat legacyPattern) (string, []*message.ToolCall) {
	var calls []*message.ToolCall
	for {
		m, ok := pat(text)
		if !ok {
			break
		}
		params := parseParams(m.args)
		if strings.Contains(strings.ToLower(m.name), "edit") {
			mergeEditFields(params, m.args)
		}
		calls = append(calls, &message.ToolCall{
			ID:         e.nextID(nil),
			Name:       m.name,
			Parameters: params,
			Status:     message.StatusPending,
			RawInput:   strings.TrimSpace(text[m.start:m.end]),
		})
		text = text[:m.start] + text[m.end:]
	}
	return text, calls
}

// parseParams interprets a raw parameter span: JSON first, key=value second.
func parseParams(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m
	}
	return parseKeyValues(s)
}

// parseKeyValues splits comma/whitespace-delimited key=value pairs, stripping
// surrounding quotes from values. Tokens without '=' are ignored.
func parseKeyValues(s string) map[string]any {
	params := map[string]any{}
	for _, tok := range splitArgs(s) {
		key, val, found := strings.Cut(tok, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		params[key] = unquote(strings.TrimSpace(val))
	}
	return params
}

// splitArgs splits on commas outside quotes, falling back to whitespace when
// the span has no commas at all.
func splitArgs(s string) []string {
	if strings.Contains(s, ",") {
		var out []string
		depth := 0
		inQuote := byte(0)
		start := 0
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case inQuote != 0:
				if c == inQuote {
					inQuote = 0
				}
			case c == '"' || c == '\'':
				inQuote = c
			case c == '{' || c == '[' || c == '(':
				depth++
			case c == '}' || c == ']' || c == ')':
				depth--
			case c == ',' && depth == 0:
				out = append(out, s[start:i])
				start = i + 1
			}
		}
		out = append(out, s[start:])
		return out
	}
	if !strings.ContainsAny(s, " \t\n") || strings.Count(s, "=") <= 1 {
		return []string{s}
	}
	return strings.Fields(s)
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Sub-patterns for edit-style calls. They re-read the raw span so structured
// edit fields survive even when the generic parse fell back to key=value.
var (
	editsArrayRe   = regexp.MustCompile(`"edits"\s*:\s*\[`)
	filePathRe     = regexp.MustCompile(`["']?file_path["']?\s*[:=]\s*["']([^"']*)["']`)
	oldStringRe    = regexp.MustCompile(`["']?old_string["']?\s*[:=]\s*["']((?s).*?)["']\s*[,}]`)
	newStringRe    = regexp.MustCompile(`["']?new_string["']?\s*[:=]\s*["']((?s).*?)["']\s*[,}]`)
	replaceAllRe   = regexp.MustCompile(`["']?replace_all["']?\s*[:=]\s*(true|false)`)
	filePathBareRe = regexp.MustCompile(`["']?file_path["']?\s*[:=]\s*([^\s,}"']+)`)
)

// mergeEditFields extracts structured edit fields from the raw span and
// merges them over the generic parse. Targeted matches win.
func mergeEditFields(params map[string]any, raw string) {
	if loc := editsArrayRe.FindStringIndex(raw); loc != nil {
		if end := scanBrackets(raw, loc[1]-1); end > 0 {
			var edits []map[string]any
			if err := json.Unmarshal([]byte(raw[loc[1]-1:end]), &edits); err == nil {
				params["edits"] = edits
			}
		}
	}
	if m := filePathRe.FindStringSubmatch(raw); m != nil {
		params["file_path"] = m[1]
	} else if m := filePathBareRe.FindStringSubmatch(raw); m != nil {
		params["file_path"] = m[1]
	}
	if m := oldStringRe.FindStringSubmatch(raw); m != nil {
		params["old_string"] = m[1]
	}
	if m := newStringRe.FindStringSubmatch(raw); m != nil {
		params["new_string"] = m[1]
	}
	if m := replaceAllRe.FindStringSubmatch(raw); m != nil {
		params["replace_all"] = m[1] == "true"
	}
}

// scanBrackets matches scanBalanced for square brackets.
func scanBrackets(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
