package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/log"
)

// maxTitleLength bounds generated conversation titles.
const maxTitleLength = 60

// CheckCLIInstalled reports whether the agent binary resolves on PATH.
func CheckCLIInstalled(cfg config.CLIConfig) bool {
	_, err := exec.LookPath(cfg.Command)
	return err == nil
}

// GenerateTitle produces a short conversation title for the first message.
// It runs the CLI once in prompt mode and falls back to heuristic truncation
// of the message itself when the CLI is unavailable or times out.
func GenerateTitle(ctx context.Context, cfg config.CLIConfig, msg, model string) string {
	timeout := time.Duration(cfg.TitleTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", fmt.Sprintf(
		"Generate a concise title (max 6 words) for this conversation. Reply with the title only.\n\n%s", msg)}
	if model != "" {
		args = append(args, "--model", model)
	}

	out, err := exec.CommandContext(ctx, cfg.Command, args...).Output()
	if err != nil {
		log.Logger().Debug("title generation fell back to truncation", zap.Error(err))
		return TruncateTitle(msg)
	}

	title := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.Trim(title, `"'`)
	if title == "" {
		return TruncateTitle(msg)
	}
	return TruncateTitle(title)
}

// TruncateTitle normalizes whitespace and truncates at a word boundary.
func TruncateTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "Untitled Conversation"
	}
	if utf8.RuneCountInString(s) <= maxTitleLength {
		return s
	}

	runes := []rune(s)
	truncated := string(runes[:maxTitleLength])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxTitleLength/2 {
		truncated = truncated[:lastSpace]
	}
	return strings.TrimSpace(truncated) + "..."
}
