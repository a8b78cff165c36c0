package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

func TestWireEventRelay_DeliversRemoteEventToLocalSubscriber(t *testing.T) {
	a, b := connectedPair(t)

	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	relay := agentctx.NewEventRelayActor(sink, "peer-a")
	b.WireEventRelay(relay)

	sessionID := domain.NewPublicID()
	received := make(chan domain.AgentEvent, 1)
	unsub := sink.SubscribeSession(sessionID, func(ev domain.AgentEvent) {
		received <- ev
	})
	defer unsub()

	err := a.PublishSessionEvent("peer-b", agentctx.RelayedEvent{Event: domain.AgentEvent{
		SessionID: sessionID,
		Kind:      domain.EventPromptReceived,
		Payload:   domain.PromptReceivedData{Content: "relayed"},
	}})
	require.NoError(t, err)

	select {
	case ev := <-received:
		require.Equal(t, domain.EventOriginRemote, ev.Origin)
		require.NotNil(t, ev.SourceNode)
		require.Equal(t, "peer-a", *ev.SourceNode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}
