// Package agent spawns and supervises the command-line agent process behind
// each session. It demultiplexes the JSON-RPC traffic on the agent's stdout
// into the per-session events the rest of the system consumes, and writes
// user messages and confirmation responses back to stdin.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/transport"
)

// maxScannerBuffer allows large streamed frames (up to 10MB).
const maxScannerBuffer = 10 * 1024 * 1024

// Process is one running agent CLI bound to a session. Every line it emits
// is published as a cli-io transcript event; JSON-RPC frames additionally
// become their typed per-session events, and plain text lines flow through
// as output fragments for the extractor.
type Process struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	bus       transport.Publisher
	pid       int
	createdAt time.Time
	done      chan struct{}

	mu         sync.Mutex
	alive      bool
	nextRPCID  uint64
	nextToolID uint64
	// pendingSends tracks sendUserMessage request ids; their responses end
	// the turn.
	pendingSends map[uint64]bool
}

// Spawn starts the agent CLI for a session in the given working directory.
func Spawn(ctx context.Context, cfg config.CLIConfig, sessionID, workingDir, model string, bus transport.Publisher) (*Process, error) {
	args := append([]string(nil), cfg.Args...)
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	p := &Process{
		sessionID:    sessionID,
		cmd:          cmd,
		stdin:        stdin,
		bus:          bus,
		pid:          cmd.Process.Pid,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
		alive:        true,
		pendingSends: make(map[uint64]bool),
	}

	go p.readLoop(stdout)
	go p.drainStderr(stderr)

	log.Logger().Info("agent process started",
		zap.String("session", sessionID), zap.Int("pid", p.pid))
	return p, nil
}

// readLoop scans stdout line by line until the process exits.
func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		p.publish(protocol.EventCLIIO(p.sessionID), protocol.CLIIOPayload{
			Type: protocol.CLIOutput,
			Data: line,
		})

		frame, ok := protocol.ParseFrame([]byte(line))
		if !ok {
			// Plain text; the extractor downstream handles any legacy
			// notations it may carry.
			p.publish(protocol.EventOutput(p.sessionID), line)
			continue
		}
		p.handleFrame(frame)
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()

	if err != nil {
		p.publish(protocol.EventError(p.sessionID), fmt.Sprintf("agent process exited: %v", err))
	}
	p.publish(protocol.EventTurnFinished(p.sessionID), true)
	log.Logger().Info("agent process exited", zap.String("session", p.sessionID), zap.Error(err))
}

// drainStderr keeps the agent's diagnostics out of the event stream but in
// the debug log.
func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		log.Logger().Debug("agent stderr",
			zap.String("session", p.sessionID), zap.String("line", scanner.Text()))
	}
}

// handleFrame turns one JSON-RPC frame into its per-session event.
func (p *Process) handleFrame(frame *protocol.Frame) {
	switch {
	case frame.IsResponse():
		p.handleResponse(frame)

	case frame.Method == protocol.MethodStreamChunk:
		var params protocol.StreamChunkParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			log.Logger().Debug("bad stream chunk", zap.Error(err))
			return
		}
		if params.Chunk.Thought != "" {
			p.publish(protocol.EventThought(p.sessionID), params.Chunk.Thought)
		}
		if params.Chunk.Text != "" {
			p.publish(protocol.EventOutput(p.sessionID), params.Chunk.Text)
		}

	case frame.Method == protocol.MethodPushToolCall:
		var params protocol.PushToolCallParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			log.Logger().Debug("bad pushToolCall params", zap.Error(err))
			return
		}
		id := atomic.AddUint64(&p.nextToolID, 1)
		if frame.ID != nil {
			if err := p.writeFrame(protocol.JSONRPCResponse{
				JSONRPC: protocol.JSONRPCVersion,
				ID:      *frame.ID,
				Result:  protocol.PushToolCallResult{ID: id},
			}); err != nil {
				log.Logger().Warn("pushToolCall ack failed", zap.Error(err))
			}
		}
		p.publish(protocol.EventToolCall(p.sessionID), protocol.ToolCallPayload{
			ID:        id,
			Name:      params.DisplayName(),
			Locations: params.Locations,
		})

	case frame.Method == protocol.MethodUpdateToolCall:
		var params protocol.UpdateToolCallParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			log.Logger().Debug("bad updateToolCall params", zap.Error(err))
			return
		}
		p.publish(protocol.EventToolCallUpdate(p.sessionID), protocol.ToolCallUpdatePayload{
			ToolCallID: params.ToolCallID,
			Status:     params.Status,
			Content:    params.Content,
		})

	case frame.Method == protocol.MethodRequestConfirmation:
		var req message.ConfirmationRequest
		if err := json.Unmarshal(frame.Params, &req); err != nil {
			log.Logger().Debug("bad confirmation params", zap.Error(err))
			return
		}
		if frame.ID != nil {
			req.RequestID = *frame.ID
		}
		req.SessionID = p.sessionID
		p.publish(protocol.EventToolConfirmation(p.sessionID), &req)

	default:
		log.Logger().Debug("unhandled agent method",
			zap.String("session", p.sessionID), zap.String("method", frame.Method))
	}
}

// handleResponse finishes the turn when a sendUserMessage response arrives.
func (p *Process) handleResponse(frame *protocol.Frame) {
	p.mu.Lock()
	isSend := p.pendingSends[*frame.ID]
	if isSend {
		delete(p.pendingSends, *frame.ID)
	}
	p.mu.Unlock()

	if frame.Error != nil {
		p.publish(protocol.EventError(p.sessionID), frame.Error.Message)
	}
	if isSend {
		p.publish(protocol.EventTurnFinished(p.sessionID), true)
	}
}

// SendUserMessage forwards one user turn with its bounded history window.
func (p *Process) SendUserMessage(text string, history []string, model string) error {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return fmt.Errorf("session %s: agent process not running", p.sessionID)
	}
	p.nextRPCID++
	id := p.nextRPCID
	p.pendingSends[id] = true
	p.mu.Unlock()

	err := p.writeFrame(protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Method:  protocol.MethodSendUserMessage,
		Params: protocol.SendUserMessageParams{
			Message: text,
			Context: history,
			Model:   model,
		},
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pendingSends, id)
		p.mu.Unlock()
	}
	return err
}

// RespondConfirmation answers a pending confirmation request over stdin.
// This is the session's reply channel the lifecycle layer sends outcomes
// through.
func (p *Process) RespondConfirmation(requestID uint64, outcome protocol.Outcome) error {
	return p.writeFrame(protocol.JSONRPCResponse{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      requestID,
		Result:  protocol.ConfirmationOutcomeResult{ID: requestID, Outcome: string(outcome)},
	})
}

// writeFrame marshals and writes one frame to stdin, mirroring it onto the
// transcript event.
func (p *Process) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	p.mu.Lock()
	_, err = p.stdin.Write(append(data, '\n'))
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}

	p.publish(protocol.EventCLIIO(p.sessionID), protocol.CLIIOPayload{
		Type: protocol.CLIInput,
		Data: string(data),
	})
	return nil
}

func (p *Process) publish(event string, payload any) {
	if err := p.bus.Publish(event, payload); err != nil {
		log.Logger().Warn("publish failed", zap.String("event", event), zap.Error(err))
	}
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Status returns the process status row for polling.
func (p *Process) Status() protocol.ProcessStatus {
	return protocol.ProcessStatus{
		ConversationID: p.sessionID,
		PID:            p.pid,
		CreatedAt:      p.createdAt.UnixMilli(),
		IsAlive:        p.Alive(),
	}
}

// Kill terminates the process group, SIGTERM first with a SIGKILL
// escalation.
func (p *Process) Kill() error {
	p.mu.Lock()
	alive := p.alive
	p.mu.Unlock()
	if !alive {
		return nil
	}

	p.stdin.Close()

	if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
		syscall.Kill(-p.pid, syscall.SIGKILL)
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		syscall.Kill(-p.pid, syscall.SIGKILL)
		<-p.done
	}
	return nil
}
