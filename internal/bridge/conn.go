package bridge

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yanmxa/gembridge/internal/log"
	"github.com/yanmxa/gembridge/internal/protocol"
)

// conn is one connected bridge client. Writes are serialized under the lock
// and stamped with a per-connection monotonic sequence so receivers can spot
// gaps.
type conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{id: uuid.NewString(), ws: ws}
}

// forward ships one event envelope to the client. Write failures close the
// connection; the read pump notices and tears the client down.
func (c *conn) forward(event string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.seq++
	env := protocol.Envelope{Event: event, Payload: payload, Sequence: c.seq}
	if err := c.ws.WriteJSON(env); err != nil {
		log.Logger().Debug("bridge write failed, closing client",
			zap.String("conn", c.id), zap.Error(err))
		c.closed = true
		c.ws.Close()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
}
