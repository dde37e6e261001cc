// Package bridge hosts browser mode: one persistent WebSocket per client at
// a fixed path, carrying every bus event as an {event, payload, sequence}
// envelope and accepting {op, id, params} operation frames for the session
// coordinator.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/protocol"
	"github.com/yanmxa/gembridge/internal/session"
	"github.com/yanmxa/gembridge/internal/transport"
)

// Server forwards the event stream to connected clients and dispatches
// their operations.
type Server struct {
	coord    *session.Coordinator
	bus      *transport.LocalBus
	upgrader websocket.Upgrader
}

// NewServer creates a bridge over the coordinator and its bus.
func NewServer(coord *session.Coordinator, bus *transport.LocalBus) *Server {
	return &Server{
		coord: coord,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The desktop shell serves the page from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint at path.
func (s *Server) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWS)
	return mux
}

// ListenAndServe runs the bridge until the listener fails or ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(path)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Logger().Info("bridge listening", zap.String("addr", addr), zap.String("path", path))
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleWS upgrades one client and runs its pumps: every bus event goes out
// as an envelope, every inbound frame is an operation request.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws)
	cancel := s.bus.SubscribeAll(c.forward)
	defer func() {
		cancel()
		c.close()
	}()

	log.Logger().Info("bridge client connected", zap.String("conn", c.id))
	s.readOps(r.Context(), c)
	log.Logger().Info("bridge client disconnected", zap.String("conn", c.id))
}

// readOps consumes operation frames until the connection drops. Unparsable
// frames are dropped and logged, never fatal to the connection.
func (s *Server) readOps(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var op protocol.OpRequest
		if err := json.Unmarshal(data, &op); err != nil || op.Op == "" {
			log.Logger().Debug("dropping unparsable operation frame",
				zap.String("conn", c.id), zap.Int("len", len(data)))
			continue
		}

		// Operations may block on the agent; keep the read pump hot.
		go s.dispatch(ctx, c, op)
	}
}

// dispatch runs one operation and ships its result envelope.
func (s *Server) dispatch(ctx context.Context, c *conn, op protocol.OpRequest) {
	result, err := s.coord.Invoke(ctx, op.Op, op.Params)

	res := protocol.OpResult{ID: op.ID, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		log.Logger().Warn("operation failed",
			zap.String("op", op.Op), zap.String("conn", c.id), zap.Error(err))
	} else if result != nil {
		if data, merr := json.Marshal(result); merr == nil {
			res.Result = data
		}
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	c.forward(protocol.EventOperationResult, payload)
}
