package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/yanmxa/gembridge/internal/log"
)

// subscriber is one registered handler. The id makes cancellation stable
// while preserving registration order for dispatch.
type subscriber struct {
	id uint64
	fn Handler
}

// WildcardHandler observes every published event, payload included. The
// bridge uses it to forward the whole event stream over one socket.
type WildcardHandler func(event string, payload json.RawMessage)

// LocalBus is the in-process backend: synchronous, ordered per event name,
// always connected. Publishing from inside a handler is allowed; the
// publishing goroutine dispatches without holding the lock.
type LocalBus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      map[string][]subscriber
	wildcards []wildcardSub
}

type wildcardSub struct {
	id uint64
	fn WildcardHandler
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]subscriber)}
}

// Subscribe implements Channel.
func (b *LocalBus) Subscribe(event string, fn Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, s := range list {
			if s.id == id {
				b.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a handler for every event.
func (b *LocalBus) SubscribeAll(fn WildcardHandler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcards = append(b.wildcards, wildcardSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.wildcards {
			if s.id == id {
				b.wildcards = append(b.wildcards[:i:i], b.wildcards[i+1:]...)
				break
			}
		}
	}
}

// Publish marshals the payload once and dispatches it synchronously to every
// subscriber of the event name, in registration order, then to the wildcard
// observers. Handlers run outside the bus lock so they may subscribe,
// cancel or publish without deadlocking.
func (b *LocalBus) Publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", event, err)
	}

	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs[event]...)
	wild := append([]wildcardSub(nil), b.wildcards...)
	b.mu.Unlock()

	log.Event(event, len(data))
	for _, s := range subs {
		s.fn(data)
	}
	for _, s := range wild {
		s.fn(event, data)
	}
	return nil
}

// Connected implements Channel. The bus is in-process and always reachable.
func (b *LocalBus) Connected() bool { return true }

// AwaitReady implements Channel. The bus is ready on creation.
func (b *LocalBus) AwaitReady(ctx context.Context) error { return ctx.Err() }
