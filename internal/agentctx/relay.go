package agentctx

import (
	"context"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// RelayedEvent is one event forwarded from a mesh peer's fanout, destined
// for EventRelayActor.Relay.
type RelayedEvent struct {
	Event domain.AgentEvent
}

// EventRelayActor re-emits events produced by a session hosted on a mesh
// peer onto this node's own sink, so a local subscriber watching that
// session never has to care that it isn't local. It always stamps the
// event's origin as remote and only fills in SourceNode when the peer
// didn't already set one, preserving a node label set further upstream in
// a multi-hop relay.
type EventRelayActor struct {
	sink        *eventbus.Sink
	sourceLabel string
}

// NewEventRelayActor builds a relay that tags events from its label as
// sourceLabel when they don't already carry one, and forwards them into
// sink.
func NewEventRelayActor(sink *eventbus.Sink, sourceLabel string) *EventRelayActor {
	return &EventRelayActor{sink: sink, sourceLabel: sourceLabel}
}

// Relay forwards ev onto the local sink, routing through the
// durability-aware path its kind requires.
func (r *EventRelayActor) Relay(ctx context.Context, ev RelayedEvent) error {
	event := ev.Event
	event.Origin = domain.EventOriginRemote
	if event.SourceNode == nil {
		label := r.sourceLabel
		event.SourceNode = &label
	}

	if event.Kind.IsEphemeral() {
		return r.sink.EmitEphemeral(event)
	}
	_, err := r.sink.EmitDurable(ctx, event)
	return err
}
