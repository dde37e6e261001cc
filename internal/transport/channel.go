// Package transport delivers named events with ordered payloads from the
// agent side to the client. One Channel contract, two interchangeable
// backends: the in-process LocalBus and the remote Socket. The Scheduler
// abstraction here also backs every timer in the system so tests can drive
// time deterministically.
package transport

import (
	"context"
	"encoding/json"
)

// Handler consumes one event payload. Payloads are always JSON so both
// backends deliver the same shape.
type Handler func(payload json.RawMessage)

// Channel is the receiving side of the transport.
type Channel interface {
	// Subscribe registers a handler for an event name and returns its
	// cancel function. Cancel is idempotent and safe to call from within
	// the handler itself without affecting other subscribers.
	Subscribe(event string, fn Handler) (cancel func())

	// Connected reports whether the channel can currently deliver events.
	Connected() bool

	// AwaitReady suspends until the connection is open or ctx ends.
	AwaitReady(ctx context.Context) error
}

// Publisher is the sending side, implemented by the LocalBus and consumed by
// the agent driver and the bridge.
type Publisher interface {
	Publish(event string, payload any) error
}
