package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/protocol"
)

// Reconnect policy: exponential backoff starting at 1s, doubling, capped at
// 30s, at most 5 attempts per outage. Beyond that the socket stays
// disconnected until a caller forces a new Connect.
const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	maxReconnects = 5
)

// ErrSocketClosed is returned after Close.
var ErrSocketClosed = errors.New("socket closed")

// ErrDisconnected is returned for operations needing a live connection.
var ErrDisconnected = errors.New("socket disconnected")

// Conn is the minimal surface the socket needs from a WebSocket connection.
// Tests substitute fakes; production uses gorilla connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens one connection to the bridge.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Socket is the remote Channel backend: one persistent WebSocket carries all
// events as {event, payload, sequence} envelopes, dispatched through an
// event-name registry. Unparsable frames are dropped and logged, never fatal.
// Operation invocations ride the same socket as {op, id, params} frames.
type Socket struct {
	url   string
	dial  Dialer
	sched Scheduler

	mu          sync.Mutex
	nextSubID   uint64
	subs        map[string][]subscriber
	conn        Conn
	connected   bool
	closed      bool
	attempts    int
	cancelRetry func()

	// ready is the readiness future for the current outage. It is created
	// when the socket is (or becomes) disconnected and closed exactly once
	// when a connect attempt succeeds. Subscribers registering while a
	// connection is pending are queued in subs, never blocked.
	ready chan struct{}

	pendingOps map[string]chan protocol.OpResult
}

// SocketOption tunes a Socket.
type SocketOption func(*Socket)

// WithDialer substitutes the connection factory.
func WithDialer(d Dialer) SocketOption { return func(s *Socket) { s.dial = d } }

// WithScheduler substitutes the backoff scheduler.
func WithScheduler(sched Scheduler) SocketOption { return func(s *Socket) { s.sched = sched } }

// NewSocket creates a disconnected socket for the given URL.
func NewSocket(url string, opts ...SocketOption) *Socket {
	s := &Socket{
		url:        url,
		dial:       DialWebSocket,
		sched:      TimeScheduler{},
		subs:       make(map[string][]subscriber),
		pendingOps: make(map[string]chan protocol.OpResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe implements Channel.
func (s *Socket) Subscribe(event string, fn Handler) (cancel func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[event] = append(s.subs[event], subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[event]
		for i, sub := range list {
			if sub.id == id {
				s.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Connected implements Channel.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AwaitReady implements Channel. It suspends until a connect attempt
// succeeds or ctx ends.
func (s *Socket) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	ready := s.readyLocked()
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readyLocked returns the current readiness future, creating one if needed.
func (s *Socket) readyLocked() chan struct{} {
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

// Connect forces a connection attempt, resetting the reconnect counter and
// canceling any scheduled retry. It is how callers recover after the retry
// budget is exhausted.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.attempts = 0
	s.readyLocked()
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return err
	}
	s.install(conn)
	return nil
}

// install adopts a freshly dialed connection, resolves the readiness future
// and starts the read loop. Success resets the attempt counter.
func (s *Socket) install(conn Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.attempts = 0
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	s.mu.Unlock()

	go s.readLoop(conn)
}

// readLoop dispatches envelopes until the connection fails, then hands off
// to the reconnect path.
func (s *Socket) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClosure(conn, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			log.Logger().Debug("dropping unparsable socket frame", zap.Int("len", len(data)))
			continue
		}

		if env.Event == protocol.EventOperationResult {
			s.resolveOp(env.Payload)
			continue
		}

		s.mu.Lock()
		subs := append([]subscriber(nil), s.subs[env.Event]...)
		s.mu.Unlock()
		log.Event(env.Event, len(env.Payload))
		for _, sub := range subs {
			sub.fn(env.Payload)
		}
	}
}

// handleClosure marks the socket disconnected after an abnormal closure and
// schedules the first backoff retry.
func (s *Socket) handleClosure(conn Conn, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn != conn {
		return
	}
	log.Logger().Warn("socket connection lost", zap.Error(cause))
	s.conn = nil
	s.connected = false
	s.failPendingOpsLocked()
	s.readyLocked()
	s.scheduleRetryLocked()
}

// scheduleRetryLocked arms the next reconnect attempt. Delay doubles per
// attempt from 1s and caps at 30s; after maxReconnects the socket stays
// disconnected until Connect is called again.
func (s *Socket) scheduleRetryLocked() {
	s.attempts++
	if s.attempts > maxReconnects {
		log.Logger().Warn("reconnect attempts exhausted, staying disconnected",
			zap.Int("attempts", maxReconnects))
		return
	}
	delay := reconnectBase << (s.attempts - 1)
	if delay > reconnectCap {
		delay = reconnectCap
	}
	log.Logger().Info("scheduling reconnect",
		zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
	s.cancelRetry = s.sched.AfterFunc(delay, s.retry)
}

// retry performs one scheduled reconnect attempt.
func (s *Socket) retry() {
	s.mu.Lock()
	if s.closed || s.connected {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	s.mu.Unlock()

	conn, err := s.dial(context.Background(), s.url)
	if err != nil {
		s.mu.Lock()
		if !s.closed && !s.connected {
			s.scheduleRetryLocked()
		}
		s.mu.Unlock()
		return
	}
	s.install(conn)
}

// Invoke sends one operation over the socket and waits for its
// operation-result envelope.
func (s *Socket) Invoke(ctx context.Context, op string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", op, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSocketClosed
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	id := uuid.NewString()
	ch := make(chan protocol.OpResult, 1)
	s.pendingOps[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingOps, id)
		s.mu.Unlock()
	}()

	if err := conn.WriteJSON(protocol.OpRequest{Op: op, ID: id, Params: data}); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case res := <-ch:
		if !res.OK {
			return nil, fmt.Errorf("%s: %s", op, res.Error)
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveOp routes an operation-result payload to its waiter.
func (s *Socket) resolveOp(payload json.RawMessage) {
	var res protocol.OpResult
	if err := json.Unmarshal(payload, &res); err != nil {
		log.Logger().Debug("dropping unparsable operation result", zap.Error(err))
		return
	}
	s.mu.Lock()
	ch, ok := s.pendingOps[res.ID]
	if ok {
		delete(s.pendingOps, res.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

// failPendingOpsLocked answers every in-flight operation with a disconnect
// error so Invoke callers never hang across an outage.
func (s *Socket) failPendingOpsLocked() {
	for id, ch := range s.pendingOps {
		ch <- protocol.OpResult{ID: id, OK: false, Error: ErrDisconnected.Error()}
		delete(s.pendingOps, id)
	}
}

// Close shuts the socket down permanently.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.failPendingOpsLocked()
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
