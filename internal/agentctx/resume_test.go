package agentctx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestSessionActor_HandleDelegationCompleted_ResumesWaitingTurn(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "qmt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sess := &domain.Session{Directory: t.TempDir()}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	registry := tool.NewRegistry(sess.Directory, storage.New(t.TempDir()))
	checker := permission.NewChecker(sink, nil)
	snap := snapshot.NewContentBackend(storage.New(t.TempDir()))
	agent := &agentreg.Agent{Name: "build", Tools: map[string]bool{"*": true}}
	engine := turn.New(agent, nil, registry, checker, snap, sink, s, sess.Directory, turn.DefaultConfig(), nil)

	ec := &ExecutionContext{SessionID: sess.ID, WorkDir: sess.Directory, Agent: agent}
	actor := newSessionActor(ec, engine, s, snap)
	t.Cleanup(actor.stop)

	delegationID := domain.NewPublicID()
	waiting := turn.WaitingForEvent{
		Context: turn.TurnContext{SessionID: sess.ID},
		Wait:    turn.Wait{Reason: turn.WaitReasonDelegation, CorrelationIDs: []domain.PublicID{delegationID}},
	}
	require.NoError(t, actor.ask(context.Background(), func() { actor.ctx.State = waiting }))

	actor.handleDelegationCompleted(context.Background(), delegationID)

	var state turn.State
	require.NoError(t, actor.ask(context.Background(), func() { state = actor.ctx.State }))
	_, stillWaiting := state.(turn.WaitingForEvent)
	assert.False(t, stillWaiting)
}

func TestSessionActor_HandleDelegationCompleted_IgnoresUnrelatedID(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "qmt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sess := &domain.Session{Directory: t.TempDir()}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	registry := tool.NewRegistry(sess.Directory, storage.New(t.TempDir()))
	checker := permission.NewChecker(sink, nil)
	snap := snapshot.NewContentBackend(storage.New(t.TempDir()))
	agent := &agentreg.Agent{Name: "build", Tools: map[string]bool{"*": true}}
	engine := turn.New(agent, nil, registry, checker, snap, sink, s, sess.Directory, turn.DefaultConfig(), nil)

	ec := &ExecutionContext{SessionID: sess.ID, WorkDir: sess.Directory, Agent: agent}
	actor := newSessionActor(ec, engine, s, snap)
	t.Cleanup(actor.stop)

	waiting := turn.WaitingForEvent{
		Context: turn.TurnContext{SessionID: sess.ID},
		Wait:    turn.Wait{Reason: turn.WaitReasonDelegation, CorrelationIDs: []domain.PublicID{domain.NewPublicID()}},
	}
	require.NoError(t, actor.ask(context.Background(), func() { actor.ctx.State = waiting }))

	actor.handleDelegationCompleted(context.Background(), domain.NewPublicID())

	var state turn.State
	require.NoError(t, actor.ask(context.Background(), func() { state = actor.ctx.State }))
	_, stillWaiting := state.(turn.WaitingForEvent)
	assert.True(t, stillWaiting)
}

func TestRuntime_OnEvent_ResumesSessionOnDelegationCompleted(t *testing.T) {
	rt, s := newTestRuntime(t)
	ctx := context.Background()

	id, err := rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	delegationID := domain.NewPublicID()
	rt.mu.Lock()
	actor := rt.sessions[id]
	rt.mu.Unlock()
	waiting := turn.WaitingForEvent{
		Context: turn.TurnContext{SessionID: id},
		Wait:    turn.Wait{Reason: turn.WaitReasonDelegation, CorrelationIDs: []domain.PublicID{delegationID}},
	}
	require.NoError(t, actor.ask(ctx, func() { actor.ctx.State = waiting }))

	_, err = rt.sink.EmitDurable(ctx, domain.AgentEvent{
		SessionID: id,
		Kind:      domain.EventDelegationCompleted,
		Payload:   domain.DelegationCompletedData{DelegationID: delegationID, Status: domain.DelegationStatusComplete},
	})
	require.NoError(t, err)

	// onEvent is invoked synchronously from the fanout's Publish call on
	// this same goroutine, so the actor's state is already updated by the
	// time EmitDurable returns; poll briefly to avoid coupling this test
	// to that implementation detail.
	var state turn.State
	require.Eventually(t, func() bool {
		_ = actor.ask(ctx, func() { state = actor.ctx.State })
		_, waiting := state.(turn.WaitingForEvent)
		return !waiting
	}, time.Second, 10*time.Millisecond)
	_ = s
}
