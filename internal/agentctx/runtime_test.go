package agentctx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/storage"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "qmt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	registry := tool.NewRegistry(t.TempDir(), storage.New(t.TempDir()))
	checker := permission.NewChecker(sink, nil)
	snap := snapshot.NewContentBackend(storage.New(t.TempDir()))
	template := &agentreg.Agent{Name: "build", Tools: map[string]bool{"*": true}}

	rt := NewRuntime(template, nil, registry, checker, snap, sink, s, nil, turn.DefaultConfig(), nil, "")
	t.Cleanup(rt.Shutdown)
	return rt, s
}

func TestRuntime_NewSession_PersistsAndStartsActor(t *testing.T) {
	rt, s := newTestRuntime(t)
	ctx := context.Background()

	id, err := rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)

	rt.mu.Lock()
	_, ok := rt.sessions[id]
	rt.mu.Unlock()
	assert.True(t, ok)
}

func TestRuntime_Prompt_UnknownSessionErrors(t *testing.T) {
	rt, _ := newTestRuntime(t)
	err := rt.Prompt(context.Background(), domain.NewPublicID(), agentreg.PromptInput{Text: "hi"})
	assert.Error(t, err)
}

func TestRuntime_Cancel_UnknownSessionLazilyAttachesFromStore(t *testing.T) {
	rt, s := newTestRuntime(t)
	ctx := context.Background()

	sess := &domain.Session{Directory: t.TempDir()}
	require.NoError(t, s.CreateSession(ctx, sess))

	// Session exists in the store but this Runtime never started an actor
	// for it in-process; Cancel must reattach rather than error.
	err := rt.Cancel(ctx, sess.ID)
	require.NoError(t, err)
}

func TestRuntime_SetSessionModel(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	id, err := rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, rt.SetSessionModel(ctx, id, domain.LLMConfig{Provider: "openai", Model: "gpt"}))

	rt.mu.Lock()
	actor := rt.sessions[id]
	rt.mu.Unlock()
	cfg, err := actor.GetLlmConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
}
