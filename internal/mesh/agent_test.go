package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
)

// fakeDispatcher is a minimal agentreg.LocalDispatcher recording calls.
type fakeDispatcher struct {
	initialized bool
	newSession  domain.PublicID
	prompted    string
}

func (f *fakeDispatcher) Initialize(ctx context.Context) error {
	f.initialized = true
	return nil
}
func (f *fakeDispatcher) NewSession(ctx context.Context, opts agentreg.NewSessionOptions) (domain.PublicID, error) {
	f.newSession = domain.NewPublicID()
	return f.newSession, nil
}
func (f *fakeDispatcher) Prompt(ctx context.Context, sessionID domain.PublicID, input agentreg.PromptInput) error {
	f.prompted = input.Text
	return nil
}
func (f *fakeDispatcher) Cancel(ctx context.Context, sessionID domain.PublicID) error { return nil }
func (f *fakeDispatcher) SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error {
	return nil
}

func TestAgentClient_NewSessionAndPromptRoundTrip(t *testing.T) {
	a, b := connectedPair(t)

	dispatcher := &fakeDispatcher{}
	a.RegisterProviderHost(func(name string) (agentreg.LocalDispatcher, bool) {
		if name == "reviewer" {
			return dispatcher, true
		}
		return nil, false
	})

	require.Eventually(t, func() bool {
		_, ok := b.Lookup(ProviderHostName("peer-a"))
		return ok
	}, time.Second, 10*time.Millisecond)

	client := NewAgentClient(b, "peer-a", "reviewer")
	require.NoError(t, client.Initialize(context.Background()))
	require.True(t, dispatcher.initialized)

	sessionID, err := client.NewSession(context.Background(), agentreg.NewSessionOptions{WorkDir: "/tmp"})
	require.NoError(t, err)
	require.Equal(t, dispatcher.newSession, sessionID)

	require.NoError(t, client.Prompt(context.Background(), sessionID, agentreg.PromptInput{Text: "review this"}))
	require.Equal(t, "review this", dispatcher.prompted)
}

func TestAgentClient_UnknownAgentNameFails(t *testing.T) {
	a, b := connectedPair(t)

	a.RegisterProviderHost(func(name string) (agentreg.LocalDispatcher, bool) {
		return nil, false
	})

	require.Eventually(t, func() bool {
		_, ok := b.Lookup(ProviderHostName("peer-a"))
		return ok
	}, time.Second, 10*time.Millisecond)

	client := NewAgentClient(b, "peer-a", "ghost")
	require.Error(t, client.Initialize(context.Background()))
}
