package agentctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

func TestEventRelayActor_DurableEvent_StampsOriginAndSourceNode(t *testing.T) {
	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	relay := NewEventRelayActor(sink, "peer-a")

	sessionID := domain.NewPublicID()
	err := relay.Relay(context.Background(), RelayedEvent{Event: domain.AgentEvent{
		SessionID: sessionID,
		Origin:    domain.EventOriginLocal,
		Kind:      domain.EventSessionCreated,
		Payload:   domain.SessionCreatedData{},
	}})
	require.NoError(t, err)

	stored, err := sink.Replay(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.EventOriginRemote, stored[0].Origin)
	require.NotNil(t, stored[0].SourceNode)
	assert.Equal(t, "peer-a", *stored[0].SourceNode)
}

func TestEventRelayActor_PreservesExistingSourceNode(t *testing.T) {
	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	relay := NewEventRelayActor(sink, "peer-a")

	sessionID := domain.NewPublicID()
	upstream := "peer-b"
	err := relay.Relay(context.Background(), RelayedEvent{Event: domain.AgentEvent{
		SessionID:  sessionID,
		Origin:     domain.EventOriginLocal,
		SourceNode: &upstream,
		Kind:       domain.EventSessionCreated,
		Payload:    domain.SessionCreatedData{},
	}})
	require.NoError(t, err)

	stored, err := sink.Replay(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "peer-b", *stored[0].SourceNode)
}

func TestEventRelayActor_EphemeralEvent_DoesNotJournal(t *testing.T) {
	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	relay := NewEventRelayActor(sink, "peer-a")

	sessionID := domain.NewPublicID()
	err := relay.Relay(context.Background(), RelayedEvent{Event: domain.AgentEvent{
		SessionID: sessionID,
		Origin:    domain.EventOriginLocal,
		Kind:      domain.EventAssistantContentDelta,
		Payload:   domain.AssistantContentDeltaData{Content: "hi"},
	}})
	require.NoError(t, err)

	stored, err := sink.Replay(context.Background(), sessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
