package eventbus

import (
	"context"
	"fmt"

	"github.com/querymt/qmt/internal/domain"
)

// Sink is the single entry point every other package uses to raise an
// AgentEvent. It implements classify_durability: a Durable event is
// journaled (assigning seq) before being fanned out (invariant 3);
// an Ephemeral event is only fanned out, always with seq 0 (invariant 2).
type Sink struct {
	journal Journal
	fanout  *Fanout
}

// NewSink composes a Journal and Fanout into a Sink.
func NewSink(journal Journal, fanout *Fanout) *Sink {
	return &Sink{journal: journal, fanout: fanout}
}

// EmitDurable journals ev (assigning its seq) and then fans it out. It is
// an error to call EmitDurable with an ephemeral event kind.
func (s *Sink) EmitDurable(ctx context.Context, ev domain.AgentEvent) (domain.AgentEvent, error) {
	if ev.Kind.IsEphemeral() {
		return domain.AgentEvent{}, fmt.Errorf("eventbus: %s is an ephemeral kind, use EmitEphemeral", ev.Kind)
	}
	seq, err := s.journal.Append(ctx, ev)
	if err != nil {
		return domain.AgentEvent{}, fmt.Errorf("eventbus: journal append: %w", err)
	}
	ev.Seq = seq
	s.fanout.Publish(ev)
	return ev, nil
}

// EmitEphemeral fans ev out without journaling it. It is an error to call
// EmitEphemeral with a durable event kind, since that would silently drop
// it from the journal.
func (s *Sink) EmitEphemeral(ev domain.AgentEvent) error {
	if !ev.Kind.IsEphemeral() {
		return fmt.Errorf("eventbus: %s is a durable kind, use EmitDurable", ev.Kind)
	}
	ev.Seq = 0
	s.fanout.Publish(ev)
	return nil
}

// Replay returns the durable history for sessionID after afterSeq, for
// subscriber catch-up (the "replay-then-live" subscription protocol).
func (s *Sink) Replay(ctx context.Context, sessionID domain.PublicID, afterSeq int64) ([]domain.AgentEvent, error) {
	return s.journal.Replay(ctx, sessionID, afterSeq)
}

// Subscribe hands through to the underlying Fanout; callers that need
// replay-then-live semantics should call Replay first and then Subscribe,
// accepting the small window where an event may be delivered twice (the
// caller de-dupes on seq).
func (s *Sink) Subscribe(fn Subscriber) func() {
	return s.fanout.Subscribe(fn)
}

// SubscribeSession is the session-scoped variant of Subscribe.
func (s *Sink) SubscribeSession(sessionID domain.PublicID, fn Subscriber) func() {
	return s.fanout.SubscribeSession(sessionID, fn)
}
