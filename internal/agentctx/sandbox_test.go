package agentctx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/sandbox"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/storage"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn"
)

func newSandboxTestRuntime(t *testing.T) (*Runtime, *sandbox.ExtensionManager) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "qmt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	registry := tool.NewRegistry(t.TempDir(), storage.New(t.TempDir()))
	checker := permission.NewChecker(sink, nil)
	snap := snapshot.NewContentBackend(storage.New(t.TempDir()))
	template := &agentreg.Agent{Name: "build", Tools: map[string]bool{"*": true}}

	ext := sandbox.NewExtensionManager()
	policy := sandbox.NewPolicy(t.TempDir(), ext)

	rt := NewRuntime(template, nil, registry, checker, snap, sink, s, nil, turn.DefaultConfig(), policy, sandbox.ModeBuild)
	t.Cleanup(rt.Shutdown)
	return rt, ext
}

func TestSessionActor_SetModeDowngradeReleasesExtensionToken(t *testing.T) {
	rt, ext := newSandboxTestRuntime(t)
	ctx := context.Background()
	workDir := t.TempDir()

	id, err := rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: workDir})
	require.NoError(t, err)

	ext.Acquire(workDir)
	_, held := ext.Token()
	require.True(t, held, "expected an extension token to be held before downgrade")

	ref, err := rt.Ref(ctx, id)
	require.NoError(t, err)
	require.NoError(t, ref.SetMode(ctx, turn.AgentModePlan))

	_, held = ext.Token()
	assert.False(t, held, "expected downgrade to release the extension token")
}

func TestSessionActor_SetModeStaysInBuildKeepsToken(t *testing.T) {
	rt, ext := newSandboxTestRuntime(t)
	ctx := context.Background()
	workDir := t.TempDir()

	id, err := rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: workDir})
	require.NoError(t, err)

	ext.Acquire(workDir)

	ref, err := rt.Ref(ctx, id)
	require.NoError(t, err)
	require.NoError(t, ref.SetMode(ctx, turn.AgentModeBuild))

	_, held := ext.Token()
	assert.True(t, held, "expected the token to survive a SetMode call that stays in build")
}
