package toolcall

import (
	"errors"
	"strconv"

	"github.com/yanmxa/gembridge/internal/message"
	"github.com/yanmxa/gembridge/internal/protocol"
)

// ErrUnknownConfirmation is returned when no pending request matches a key.
var ErrUnknownConfirmation = errors.New("no pending confirmation for key")

// SendFunc delivers the outcome to the agent over the session's reply
// channel. A send failure leaves the request pending so the caller can retry.
type SendFunc func(req *message.ConfirmationRequest, outcome protocol.Outcome) error

// pending pairs a confirmation request with the tool call it unlocks. The
// call may be nil when the request referenced no known tool call.
type pending struct {
	req  *message.ConfirmationRequest
	call *message.ToolCall
}

// Registry tracks in-flight confirmation requests. It holds at most one
// pending request per tool call id. It is not internally synchronized: the
// conversation reducer owns it and serializes access through its own lock,
// so respond operations are atomic with respect to every other mutation.
type Registry struct {
	pending map[string]pending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]pending)}
}

// Key derives the correlation key for a request: the tool call id when
// present, else the stringified request id.
func Key(req *message.ConfirmationRequest) string {
	if req.ToolCallID != "" {
		return req.ToolCallID
	}
	return strconv.FormatUint(req.RequestID, 10)
}

// Add registers a request, replacing any earlier request for the same key so
// at most one stays pending per tool call.
func (r *Registry) Add(req *message.ConfirmationRequest, call *message.ToolCall) {
	r.pending[Key(req)] = pending{req: req, call: call}
}

// Get returns the pending request for a key.
func (r *Registry) Get(key string) (*message.ConfirmationRequest, bool) {
	p, ok := r.pending[key]
	if !ok {
		return nil, false
	}
	return p.req, true
}

// Len reports how many requests are pending.
func (r *Registry) Len() int { return len(r.pending) }

// Pending returns the pending requests, for snapshot readers.
func (r *Registry) Pending() []*message.ConfirmationRequest {
	out := make([]*message.ConfirmationRequest, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.req)
	}
	return out
}

// Respond answers one pending request as a single logical operation: look up
// by key, send the outcome to the agent, transition the tool call, drop the
// key. A failed send leaves the entry pending for retry and the tool call
// untouched.
func (r *Registry) Respond(key string, outcome protocol.Outcome, send SendFunc) error {
	p, ok := r.pending[key]
	if !ok {
		return ErrUnknownConfirmation
	}
	if send != nil {
		if err := send(p.req, outcome); err != nil {
			return err
		}
	}
	if outcome.Approves() {
		Approve(p.call)
	} else {
		Reject(p.call)
	}
	if p.call != nil {
		// Answered requests no longer ride on the call.
		p.call.Confirmation = nil
	}
	delete(r.pending, key)
	return nil
}
