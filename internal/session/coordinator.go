// Package session owns the set of active sessions. The Coordinator wires a
// per-session event subscription into each session's conversation reducer
// and exposes the operation surface: start, send, confirm, kill, poll.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/agent"
	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/conversation"
	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/toolcall"
	"github.com/yanmxa/gembridge/internal/transport"
)

// historyWindowSize bounds the history forwarded with each message. This is
// a bounding policy, not a protocol limit.
const historyWindowSize = 10

// pollInterval is the fixed status polling period.
const pollInterval = 2 * time.Second

// Proc is the per-session process handle the coordinator drives. The
// process itself is owned by the agent layer.
type Proc interface {
	SendUserMessage(text string, history []string, model string) error
	RespondConfirmation(requestID uint64, outcome protocol.Outcome) error
}

// Processes supervises the agent processes behind sessions.
type Processes interface {
	Start(ctx context.Context, sessionID, workingDir, model string) (Proc, error)
	Kill(sessionID string) error
	Statuses() []protocol.ProcessStatus
}

// ManagerProcesses adapts the concrete agent manager to Processes.
type ManagerProcesses struct {
	*agent.Manager
}

// Start implements Processes.
func (m ManagerProcesses) Start(ctx context.Context, sessionID, workingDir, model string) (Proc, error) {
	p, err := m.Manager.Start(ctx, sessionID, workingDir, model)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// session is one active session's wiring.
type session struct {
	id         string
	workingDir string
	model      string
	reducer    *conversation.Reducer
	grants     *config.SessionGrants
	proc       Proc
	cancels    []func()
}

// Coordinator owns the active sessions and the status poller.
type Coordinator struct {
	cfg      *config.Config
	settings *config.Settings
	bus      *transport.LocalBus
	procs    Processes
	sched    transport.Scheduler

	mu           sync.Mutex
	sessions     map[string]*session
	lastStatuses []protocol.ProcessStatus
	stopPoll     func()
}

// New creates a coordinator and starts its status poller on a fixed 2s tick.
func New(cfg *config.Config, settings *config.Settings, bus *transport.LocalBus, procs Processes, sched transport.Scheduler) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		settings: settings,
		bus:      bus,
		procs:    procs,
		sched:    sched,
		sessions: make(map[string]*session),
	}
	c.stopPoll = sched.Every(pollInterval, c.pollStatuses)
	return c
}

// Close stops the poller and drops all session subscriptions. Processes are
// the manager's to shut down.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
	for id, s := range c.sessions {
		for _, cancel := range s.cancels {
			cancel()
		}
		delete(c.sessions, id)
	}
}

// StartSession starts (or reuses) the session and its agent process.
func (c *Coordinator) StartSession(ctx context.Context, p protocol.StartSessionParams) error {
	if p.SessionID == "" {
		return errors.New("sessionId required")
	}

	c.mu.Lock()
	s, ok := c.sessions[p.SessionID]
	if !ok {
		s = &session{
			id:         p.SessionID,
			workingDir: p.WorkingDirectory,
			model:      p.Model,
			reducer:    conversation.New(p.SessionID),
			grants:     config.NewSessionGrants(),
		}
		if s.model == "" {
			s.model = c.cfg.CLI.Model
		}
		c.sessions[p.SessionID] = s
		c.subscribeLocked(s)
	}
	c.mu.Unlock()

	proc, err := c.procs.Start(ctx, s.id, s.workingDir, s.model)
	if err != nil {
		return fmt.Errorf("start session %s: %w", s.id, err)
	}

	c.mu.Lock()
	s.proc = proc
	c.mu.Unlock()
	return nil
}

// subscribeLocked wires the per-session events into the reducer. Handlers
// unmarshal their payload and apply it; a payload that does not parse is
// dropped with a log line, matching the frame-drop policy of the transport.
func (c *Coordinator) subscribeLocked(s *session) {
	sub := func(event string, apply func(json.RawMessage) error) {
		cancel := c.bus.Subscribe(event, func(payload json.RawMessage) {
			if err := apply(payload); err != nil {
				log.Logger().Debug("dropping bad event payload",
					zap.String("event", event), zap.Error(err))
			}
		})
		s.cancels = append(s.cancels, cancel)
	}

	sub(protocol.EventCLIIO(s.id), func(data json.RawMessage) error {
		var p protocol.CLIIOPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		s.reducer.ApplyCLIIO(p)
		return nil
	})
	sub(protocol.EventOutput(s.id), func(data json.RawMessage) error {
		var chunk string
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}
		s.reducer.ApplyOutput(chunk)
		return nil
	})
	sub(protocol.EventThought(s.id), func(data json.RawMessage) error {
		var chunk string
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}
		s.reducer.ApplyThought(chunk)
		return nil
	})
	sub(protocol.EventToolCall(s.id), func(data json.RawMessage) error {
		var p protocol.ToolCallPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		s.reducer.ApplyToolCall(p)
		return nil
	})
	sub(protocol.EventToolCallUpdate(s.id), func(data json.RawMessage) error {
		var p protocol.ToolCallUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		s.reducer.ApplyToolCallUpdate(p)
		return nil
	})
	sub(protocol.EventToolConfirmation(s.id), func(data json.RawMessage) error {
		var req message.ConfirmationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		s.reducer.ApplyConfirmation(&req)
		c.autoAnswer(s, &req)
		return nil
	})
	sub(protocol.EventError(s.id), func(data json.RawMessage) error {
		var errText string
		if err := json.Unmarshal(data, &errText); err != nil {
			return err
		}
		s.reducer.ApplyError(errText)
		return nil
	})
	sub(protocol.EventTurnFinished(s.id), func(data json.RawMessage) error {
		s.reducer.ApplyTurnFinished()
		return nil
	})
}

// SendMessage forwards a user message, creating the session implicitly on
// first use. The forwarded history covers prior turns only and is truncated
// to the last 10 messages, formatted as "<Sender>: <text>" lines.
func (c *Coordinator) SendMessage(ctx context.Context, p protocol.SendMessageParams) error {
	if p.SessionID == "" {
		return errors.New("sessionId required")
	}

	c.mu.Lock()
	s, ok := c.sessions[p.SessionID]
	c.mu.Unlock()
	if !ok || s.proc == nil {
		if err := c.StartSession(ctx, protocol.StartSessionParams{
			SessionID: p.SessionID,
			Model:     p.Model,
		}); err != nil {
			return err
		}
		c.mu.Lock()
		s = c.sessions[p.SessionID]
		c.mu.Unlock()
	}

	// The window is taken before the message is recorded: the agent gets the
	// message itself separately, so forwarding it again inside the context
	// would duplicate the current turn.
	history := s.reducer.HistoryWindow(historyWindowSize)
	if p.ConversationHistory != "" {
		history = truncateHistory(p.ConversationHistory, historyWindowSize)
	}
	s.reducer.AddUserMessage(p.Message)

	model := p.Model
	if model == "" {
		model = s.model
	}
	return s.proc.SendUserMessage(p.Message, history, model)
}

// truncateHistory applies the bounding policy to caller-provided history.
func truncateHistory(history string, limit int) []string {
	lines := strings.Split(strings.TrimSpace(history), "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// ConfirmToolCall answers a pending confirmation request. The key is the
// tool call id when known, else the stringified request id. An unknown key
// logs and no-ops. Sticky outcomes are recorded as session grants so later
// matching requests auto-approve.
func (c *Coordinator) ConfirmToolCall(p protocol.ConfirmationResponseParams) error {
	key := p.ToolCallID
	if key == "" {
		key = strconv.FormatUint(p.RequestID, 10)
	}

	c.mu.Lock()
	candidates := make([]*session, 0, len(c.sessions))
	if p.SessionID != "" {
		if s, ok := c.sessions[p.SessionID]; ok {
			candidates = append(candidates, s)
		}
	} else {
		for _, s := range c.sessions {
			candidates = append(candidates, s)
		}
	}
	c.mu.Unlock()

	for _, s := range candidates {
		err := s.reducer.RespondConfirmation(key, p.Outcome, c.sendFunc(s, p.Outcome))
		if err == nil {
			return nil
		}
		if !errors.Is(err, toolcall.ErrUnknownConfirmation) {
			return err
		}
	}

	log.Logger().Warn("confirmation response for unknown request",
		zap.String("key", key), zap.String("outcome", string(p.Outcome)))
	return nil
}

// sendFunc builds the reply-channel send for one session, recording sticky
// grants once the outcome is delivered.
func (c *Coordinator) sendFunc(s *session, outcome protocol.Outcome) toolcall.SendFunc {
	return func(req *message.ConfirmationRequest, out protocol.Outcome) error {
		if s.proc == nil {
			return fmt.Errorf("session %s has no process", s.id)
		}
		if err := s.proc.RespondConfirmation(req.RequestID, out); err != nil {
			return err
		}
		if out.Sticky() {
			tool, rule := ruleFor(req)
			if out == protocol.OutcomeAlwaysAllowTool {
				s.grants.AllowTool(tool)
			} else {
				s.grants.AllowRule(rule)
			}
		}
		return nil
	}
}

// autoAnswer applies the configured permission rules to a fresh confirmation
// request, answering without a user when a rule decides.
func (c *Coordinator) autoAnswer(s *session, req *message.ConfirmationRequest) {
	_, rule := ruleFor(req)
	decision := c.settings.CheckRule(rule, s.grants)
	if decision == config.DecisionAsk {
		return
	}

	outcome := protocol.OutcomeAllow
	if decision == config.DecisionDeny {
		outcome = protocol.OutcomeReject
	}
	log.Logger().Info("auto-answering confirmation",
		zap.String("session", s.id), zap.String("rule", rule), zap.String("decision", decision.String()))

	err := c.ConfirmToolCall(protocol.ConfirmationResponseParams{
		SessionID:  s.id,
		RequestID:  req.RequestID,
		ToolCallID: req.ToolCallID,
		Outcome:    outcome,
	})
	if err != nil {
		log.Logger().Warn("auto-answer failed", zap.String("session", s.id), zap.Error(err))
	}
}

// ruleFor derives the permission rule for a confirmation request: the tool
// name plus the path being edited or the command being run.
func ruleFor(req *message.ConfirmationRequest) (tool, rule string) {
	tool = "tool_call"
	if req.IsEdit() {
		tool = "edit_file"
	}

	var arg string
	switch {
	case req.Content != nil && req.Content.Path != "":
		arg = req.Content.Path
	case req.Content != nil && req.Content.Command != "":
		arg = req.Content.Command
	case req.Confirmation.Command != "":
		arg = req.Confirmation.Command
	case req.Confirmation.RootCommand != "":
		arg = req.Confirmation.RootCommand
	default:
		arg = req.Label
	}
	return tool, config.BuildRule(tool, arg)
}

// KillProcess terminates a session's process and destroys the session.
func (c *Coordinator) KillProcess(sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		for _, cancel := range s.cancels {
			cancel()
		}
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		log.Logger().Warn("kill for unknown session", zap.String("session", sessionID))
		return nil
	}
	return c.procs.Kill(sessionID)
}

// Snapshot returns a deep copy of a session's conversation.
func (c *Coordinator) Snapshot(sessionID string) (*message.Conversation, bool) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.reducer.Snapshot(), true
}

// pollStatuses publishes the process status snapshot, but only when it
// deep-differs from the previous one.
func (c *Coordinator) pollStatuses() {
	statuses := c.procs.Statuses()

	c.mu.Lock()
	changed := !reflect.DeepEqual(statuses, c.lastStatuses)
	if changed {
		c.lastStatuses = statuses
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	if err := c.bus.Publish(protocol.EventProcessStatuses, statuses); err != nil {
		log.Logger().Warn("status publish failed", zap.Error(err))
	}
}

// ProcessStatuses returns the current snapshot directly, for the operation
// surface.
func (c *Coordinator) ProcessStatuses() []protocol.ProcessStatus {
	return c.procs.Statuses()
}

// CheckCLIInstalled reports whether the agent CLI resolves on PATH.
func (c *Coordinator) CheckCLIInstalled() bool {
	return agent.CheckCLIInstalled(c.cfg.CLI)
}

// GenerateTitle produces a short conversation title, recording it on the
// session when one exists.
func (c *Coordinator) GenerateTitle(ctx context.Context, p protocol.GenerateTitleParams) string {
	title := agent.GenerateTitle(ctx, c.cfg.CLI, p.Message, p.Model)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		conv := s.reducer.Snapshot()
		if conv.Title == "" && len(conv.Messages) > 0 && conv.Messages[0].TextContent() == p.Message {
			s.reducer.SetTitle(title)
			break
		}
	}
	return title
}
