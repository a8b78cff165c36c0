// Package eventbus implements the two-plane event model: a durable
// Journal (assigns seq, persists) and an ephemeral Fanout (broadcast
// only), composed by Sink into the classify-and-dispatch entry point used
// by every other package that raises an AgentEvent.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/querymt/qmt/internal/domain"
)

// Subscriber receives every event that passes its subscription filter.
type Subscriber func(domain.AgentEvent)

type subscriberEntry struct {
	id        uint64
	sessionID *domain.PublicID // nil means "all sessions"
	fn        Subscriber
}

// Fanout is an in-process broadcast bus for AgentEvents. It carries both
// durable events (already assigned a seq by the Journal) and ephemeral
// ones (seq always 0), exactly mirroring the teacher's watermill-backed
// Bus but keyed on session id rather than EventType, and typed on
// domain.AgentEvent rather than an `any` payload.
type Fanout struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel // kept for parity with the teacher; available via PubSub() for future routing/middleware

	subs   []subscriberEntry
	nextID uint64
	closed bool
}

// NewFanout constructs a Fanout ready to accept subscribers.
func NewFanout() *Fanout {
	return &Fanout{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
	}
}

// Subscribe registers fn for every event across all sessions.
func (f *Fanout) Subscribe(fn Subscriber) (unsubscribe func()) {
	return f.subscribe(nil, fn)
}

// SubscribeSession registers fn for events belonging to one session only.
func (f *Fanout) SubscribeSession(sessionID domain.PublicID, fn Subscriber) (unsubscribe func()) {
	id := sessionID
	return f.subscribe(&id, fn)
}

func (f *Fanout) subscribe(sessionID *domain.PublicID, fn Subscriber) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}

	id := atomic.AddUint64(&f.nextID, 1)
	f.subs = append(f.subs, subscriberEntry{id: id, sessionID: sessionID, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.subs {
			if e.id == id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish broadcasts ev to every matching subscriber without waiting for
// them: each subscriber callback runs in its own goroutine, so a slow
// listener never blocks the turn engine or another subscriber, and two
// events published back to back may reach one subscriber in either
// order. Back-pressure handling is
// each subscriber's own responsibility (e.g. a bounded channel that drops
// on full, as internal/rpc's SSE writer does).
func (f *Fanout) Publish(ev domain.AgentEvent) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	recipients := make([]Subscriber, 0, len(f.subs))
	for _, e := range f.subs {
		if e.sessionID == nil || *e.sessionID == ev.SessionID {
			recipients = append(recipients, e.fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range recipients {
		go fn(ev)
	}
}

// Close tears down the fanout; subsequent Subscribe/Publish calls are
// no-ops.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.subs = nil
	f.mu.Unlock()
	return f.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel for callers that need
// durable delivery semantics the direct-call path doesn't provide (e.g.
// cross-process bridging); unused by the core runtime today.
func (f *Fanout) PubSub() *gochannel.GoChannel {
	return f.pubsub
}
