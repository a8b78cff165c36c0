package mesh

import (
	"context"

	"github.com/querymt/qmt/internal/agentctx"
)

// WireEventRelay makes relay the target for every FrameEvent this node
// receives, so a session's events reach every peer subscribed to it the
// same way they'd reach a local subscriber. An event that doesn't already
// carry a SourceNode is labelled with the relay's own source label; the
// Frame's PeerID is not read.
func (n *Node) WireEventRelay(relay *agentctx.EventRelayActor) {
	n.SetEventHandler(func(f Frame) {
		if f.Event == nil {
			return
		}
		_ = relay.Relay(context.Background(), agentctx.RelayedEvent{Event: *f.Event})
	})
}

// PublishSessionEvent relays ev to peerID as a FrameEvent, for a session
// hosted locally with a remote subscriber on peerID.
func (n *Node) PublishSessionEvent(peerID string, ev agentctx.RelayedEvent) error {
	return n.PublishEvent(peerID, Frame{Event: &ev.Event})
}
