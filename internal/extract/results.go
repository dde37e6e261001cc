package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/toolcall"
)

// Legacy result notations, in pass order. Each attaches to the most recent
// remembered tool call still lacking a result and settles its status through
// the failure classifier, so a "permission denied" result can never read as
// completed.
var (
	toolResultRe = regexp.MustCompile(`Tool result:\s*\{`)
	resultFromRe = regexp.MustCompile(`Result from ([\w.-]+):\s*\{`)
	mcpResultRe  = regexp.MustCompile(`\[mcp:result ([\w.-]+)\]\s*([^\n\[]*)`)
	successRe    = regexp.MustCompile(`(?i)\btool (?:call )?(?:completed successfully|succeeded)\.?`)
	failureRe    = regexp.MustCompile(`(?i)\btool (?:call )?failed\.?`)
)

// attachResults runs the result-attachment pass over the text, removing each
// matched notation. Notations with nothing to attach to are left in place.
func (e *Extractor) attachResults(text string) string {
	text = e.attachJSONResults(text, toolResultRe)
	text = e.attachJSONResults(text, resultFromRe)
	text = e.attachMCPResults(text)
	text = e.attachPhrase(text, successRe, nil)
	text = e.attachPhrase(text, failureRe, func(span string) *message.ToolCallResult {
		return &message.ToolCallResult{Error: strings.TrimSpace(span)}
	})
	return text
}

// attachJSONResults handles the `Tool result: {...}` and
// `Result from NAME: {...}` notations. The head regex must end at the opening
// brace; the JSON body is taken with the balanced-brace scan. Unparsable
// bodies are logged and skipped without aborting later candidates.
func (e *Extractor) attachJSONResults(text string, head *regexp.Regexp) string {
	offset := 0
	for {
		loc := head.FindStringIndex(text[offset:])
		if loc == nil {
			break
		}
		start := offset + loc[0]
		braceAt := offset + loc[1] - 1
		end := scanBalanced(text, braceAt)
		if end < 0 {
			break
		}

		body := text[braceAt:end]
		res, err := parseResult(body)
		if err != nil {
			log.Logger().Debug("skipping unparsable result notation",
				zap.String("session", e.sessionID), zap.Error(err))
			offset = end
			continue
		}

		tc := e.mostRecentWithoutResult()
		if tc == nil {
			offset = end
			continue
		}
		tc.RawOutput = strings.TrimSpace(text[start:end])
		toolcall.Finalize(tc, res)
		text = text[:start] + text[end:]
		offset = start
	}
	return text
}

// attachMCPResults handles `[mcp:result NAME] text` notations. The result
// text runs to the end of the line.
func (e *Extractor) attachMCPResults(text string) string {
	offset := 0
	for {
		loc := mcpResultRe.FindStringSubmatchIndex(text[offset:])
		if loc == nil {
			break
		}
		start := offset + loc[0]
		end := offset + loc[1]
		body := strings.TrimSpace(text[offset+loc[4] : offset+loc[5]])

		tc := e.mostRecentWithoutResult()
		if tc == nil {
			offset = end
			continue
		}
		tc.RawOutput = strings.TrimSpace(text[start:end])
		toolcall.Finalize(tc, &message.ToolCallResult{Markdown: body})
		text = text[:start] + text[end:]
		offset = start
	}
	return text
}

// attachPhrase handles the plain success/fail phrases. makeResult builds the
// result from the matched span; nil means an empty (successful) result.
func (e *Extractor) attachPhrase(text string, re *regexp.Regexp, makeResult func(span string) *message.ToolCallResult) string {
	offset := 0
	for {
		loc := re.FindStringIndex(text[offset:])
		if loc == nil {
			break
		}
		start := offset + loc[0]
		end := offset + loc[1]

		tc := e.mostRecentWithoutResult()
		if tc == nil {
			offset = end
			continue
		}
		span := text[start:end]
		res := &message.ToolCallResult{Markdown: strings.TrimSpace(span)}
		if makeResult != nil {
			res = makeResult(span)
		}
		tc.RawOutput = strings.TrimSpace(span)
		toolcall.Finalize(tc, res)
		text = text[:start] + text[end:]
		offset = start
	}
	return text
}

// parseResult decodes a JSON result body. Recognized fields map onto the
// result struct; anything else is kept verbatim as output text.
func parseResult(body string) (*message.ToolCallResult, error) {
	var res message.ToolCallResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, err
	}
	if res.Text() == "" {
		res.Output = body
	}
	return &res, nil
}
