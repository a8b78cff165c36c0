package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// waitForEvents collects workspace_file_changed events fanned out by sink
// until timeout, for assertions that don't care about exact delivery order.
func collectEvents(t *testing.T, sink *eventbus.Sink, timeout time.Duration) func() []domain.AgentEvent {
	var mu sync.Mutex
	var got []domain.AgentEvent
	unsubscribe := sink.Subscribe(func(ev domain.AgentEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return func() []domain.AgentEvent {
		time.Sleep(timeout)
		mu.Lock()
		defer mu.Unlock()
		out := make([]domain.AgentEvent, len(got))
		copy(out, got)
		return out
	}
}

func TestWatcherEmitsFileChangedEvent(t *testing.T) {
	dir := t.TempDir()
	fanout := eventbus.NewFanout()
	sink := eventbus.NewSink(nil, fanout)
	sessionID := domain.NewPublicID()

	w, err := New(dir, nil, sessionID, sink, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	drain := collectEvents(t, sink, 300*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644))

	events := drain()
	require.NotEmpty(t, events)
	found := false
	for _, ev := range events {
		if ev.Kind != domain.EventWorkspaceFileChanged {
			continue
		}
		data := ev.Payload.(domain.WorkspaceFileChangedData)
		if data.Path == "file.txt" {
			found = true
		}
		require.Equal(t, sessionID, ev.SessionID)
		require.Equal(t, int64(0), ev.Seq, "workspace_file_changed is ephemeral and must not carry a journal seq")
	}
	require.True(t, found, "expected a workspace_file_changed event for file.txt")
}

func TestWatcherIgnoresConfiguredPatterns(t *testing.T) {
	dir := t.TempDir()
	fanout := eventbus.NewFanout()
	sink := eventbus.NewSink(nil, fanout)
	sessionID := domain.NewPublicID()

	w, err := New(dir, []string{"*.log"}, sessionID, sink, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	drain := collectEvents(t, sink, 300*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("noise"), 0o644))

	events := drain()
	for _, ev := range events {
		data := ev.Payload.(domain.WorkspaceFileChangedData)
		require.NotEqual(t, "ignored.log", data.Path)
	}
}

func TestNewReturnsNilForMissingDirectory(t *testing.T) {
	sink := eventbus.NewSink(nil, eventbus.NewFanout())
	w, err := New(filepath.Join(t.TempDir(), "does-not-exist"), nil, domain.NewPublicID(), sink, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, w)
}
