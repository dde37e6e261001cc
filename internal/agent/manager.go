package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/config"
	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/transport"
)

// Manager is the registry of live agent processes, one per session.
type Manager struct {
	cfg config.CLIConfig
	bus transport.Publisher

	mu    sync.RWMutex
	procs map[string]*Process
}

// NewManager creates an empty registry.
func NewManager(cfg config.CLIConfig, bus transport.Publisher) *Manager {
	return &Manager{cfg: cfg, bus: bus, procs: make(map[string]*Process)}
}

// Start spawns the agent for a session. A live existing process is reused;
// a dead one is replaced.
func (m *Manager) Start(ctx context.Context, sessionID, workingDir, model string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.procs[sessionID]; ok && p.Alive() {
		return p, nil
	}

	p, err := Spawn(ctx, m.cfg, sessionID, workingDir, model, m.bus)
	if err != nil {
		return nil, err
	}
	m.procs[sessionID] = p
	return p, nil
}

// Get returns the process for a session.
func (m *Manager) Get(sessionID string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[sessionID]
	return p, ok
}

// Kill terminates and forgets a session's process.
func (m *Manager) Kill(sessionID string) error {
	m.mu.Lock()
	p, ok := m.procs[sessionID]
	if ok {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no process for session %s", sessionID)
	}
	return p.Kill()
}

// Statuses snapshots every registered process, ordered by session id so
// consecutive snapshots compare deterministically.
func (m *Manager) Statuses() []protocol.ProcessStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.ProcessStatus, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Shutdown kills every process. Used on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for id, p := range m.procs {
		procs = append(procs, p)
		delete(m.procs, id)
	}
	m.mu.Unlock()

	for _, p := range procs {
		if err := p.Kill(); err != nil {
			log.Logger().Warn("kill on shutdown failed",
				zap.String("session", p.sessionID), zap.Error(err))
		}
	}
}
