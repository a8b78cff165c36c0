package agentctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/internal/sandbox"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn"
)

// SessionStore is the persistence surface Runtime itself needs beyond what
// a SessionActor's HistoryStore already covers: creating the session row a
// new actor is built around. *store.Store satisfies both.
type SessionStore interface {
	HistoryStore
	CreateSession(ctx context.Context, sess *domain.Session) error
}

var _ SessionStore = (*store.Store)(nil)

// Runtime implements agentreg.LocalDispatcher for one agent definition: it
// owns every session currently running that agent, each behind its own
// SessionActor, and the collaborator bundle (provider, tools, permission
// checker, snapshot backend, event sink, delegation enqueuer) every one of
// those actors' turn.Engine shares. This is the piece the teacher's
// Processor never had: something that actually builds a turn.Engine per
// session and drives it from a Prompt call, rather than just tracking
// waiter channels against a session id.
type Runtime struct {
	template   *agentreg.Agent
	provider   provider.Provider
	tools      *tool.Registry
	perm       *permission.Checker
	snap       snapshot.Backend
	sink       *eventbus.Sink
	store      SessionStore
	delegation turn.DelegationEnqueuer
	config     turn.Config

	sandboxPolicy *sandbox.Policy
	sandboxMode   sandbox.Mode

	mu       sync.Mutex
	sessions map[domain.PublicID]*SessionActor
}

// NewRuntime builds a Runtime for template, sharing the given collaborators
// across every session it hosts. delegation may be nil, matching
// turn.Engine's own fallback to running "task" calls synchronously.
// sandboxPolicy may be nil (--no-sandbox), in which case every engine built
// skips the write-capability check entirely.
func NewRuntime(
	template *agentreg.Agent,
	prov provider.Provider,
	tools *tool.Registry,
	perm *permission.Checker,
	snap snapshot.Backend,
	sink *eventbus.Sink,
	sessionStore SessionStore,
	delegation turn.DelegationEnqueuer,
	cfg turn.Config,
	sandboxPolicy *sandbox.Policy,
	sandboxMode sandbox.Mode,
) *Runtime {
	rt := &Runtime{
		template:      template,
		provider:      prov,
		tools:         tools,
		perm:          perm,
		snap:          snap,
		sink:          sink,
		store:         sessionStore,
		delegation:    delegation,
		config:        cfg,
		sandboxPolicy: sandboxPolicy,
		sandboxMode:   sandboxMode,
		sessions:      make(map[domain.PublicID]*SessionActor),
	}
	if sink != nil {
		sink.Subscribe(rt.onEvent)
	}
	return rt
}

// onEvent watches the shared sink for DelegationCompleted so a session
// parked in WaitingForEvent{Reason: delegation} gets resumed without the
// delegation orchestrator needing a back-reference into agentctx.
func (rt *Runtime) onEvent(ev domain.AgentEvent) {
	if ev.Kind != domain.EventDelegationCompleted {
		return
	}
	data, ok := ev.Payload.(domain.DelegationCompletedData)
	if !ok {
		return
	}
	rt.mu.Lock()
	actor, ok := rt.sessions[ev.SessionID]
	rt.mu.Unlock()
	if !ok {
		return
	}
	actor.handleDelegationCompleted(context.Background(), data.DelegationID)
}

// Initialize satisfies agentreg.LocalDispatcher. There is no process-wide
// setup beyond what NewRuntime already did.
func (rt *Runtime) Initialize(ctx context.Context) error {
	return nil
}

// NewSession creates and persists a session row, then starts the
// SessionActor that will drive it.
func (rt *Runtime) NewSession(ctx context.Context, opts agentreg.NewSessionOptions) (domain.PublicID, error) {
	sess := &domain.Session{
		Directory:  opts.WorkDir,
		ForkOrigin: opts.Origin,
	}
	if opts.ParentSessionID != "" {
		parent := opts.ParentSessionID
		sess.ParentID = &parent
	}
	if opts.LLMConfig != nil {
		id := opts.LLMConfig.ID
		sess.LLMConfigID = &id
	}
	if err := rt.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("agentctx: create session: %w", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.startActorLocked(sess, opts.LLMConfig)
	return sess.ID, nil
}

// startActorLocked builds the ExecutionContext/Engine/SessionActor for an
// already-persisted session. Caller must hold rt.mu.
func (rt *Runtime) startActorLocked(sess *domain.Session, llmConfig *domain.LLMConfig) *SessionActor {
	agent := cloneAgent(rt.template)
	if llmConfig != nil {
		agent.Model = &agentreg.ModelRef{ProviderID: llmConfig.Provider, ModelID: llmConfig.Model}
	}

	ec := &ExecutionContext{
		SessionID: sess.ID,
		WorkDir:   sess.Directory,
		Agent:     agent,
	}
	engine := turn.New(agent, rt.provider, rt.tools, rt.perm, rt.snap, rt.sink, rt.store, sess.Directory, rt.config, nil)
	engine.Delegation = rt.delegation
	engine.Sandbox = rt.sandboxPolicy
	engine.WorkerMode = rt.sandboxMode

	actor := newSessionActor(ec, engine, rt.store, rt.snap)
	rt.sessions[sess.ID] = actor
	return actor
}

// actor returns the running SessionActor for id, lazily reattaching one
// from persisted state if this process restarted since the session last
// ran (the teacher's Processor had the same lazy-attach behavior for
// sessionState).
func (rt *Runtime) actor(ctx context.Context, id domain.PublicID) (*SessionActor, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if a, ok := rt.sessions[id]; ok {
		return a, nil
	}
	sess, err := rt.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agentctx: session %s: %w", id, err)
	}
	return rt.startActorLocked(sess, nil), nil
}

// Ref returns the full SessionRef surface for sessionID, lazily
// reattaching from persisted state the same way Prompt/Cancel do. This is
// the join point internal/rpc uses for everything beyond the narrow
// agentreg.AgentHandle surface (SetMode, Undo/Redo, GetHistory, ...).
func (rt *Runtime) Ref(ctx context.Context, sessionID domain.PublicID) (SessionRef, error) {
	actor, err := rt.actor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return NewLocalSessionRef(actor), nil
}

func (rt *Runtime) Prompt(ctx context.Context, sessionID domain.PublicID, input agentreg.PromptInput) error {
	actor, err := rt.actor(ctx, sessionID)
	if err != nil {
		return err
	}
	return actor.Prompt(input)
}

func (rt *Runtime) Cancel(ctx context.Context, sessionID domain.PublicID) error {
	actor, err := rt.actor(ctx, sessionID)
	if err != nil {
		return err
	}
	actor.Cancel()
	return nil
}

func (rt *Runtime) SetSessionModel(ctx context.Context, sessionID domain.PublicID, model domain.LLMConfig) error {
	actor, err := rt.actor(ctx, sessionID)
	if err != nil {
		return err
	}
	return actor.SetSessionModel(ctx, model)
}

// Shutdown stops every session actor this runtime owns. Queued mailbox
// commands already in flight are allowed to finish; nothing new is
// accepted afterward.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, actor := range rt.sessions {
		actor.stop()
		delete(rt.sessions, id)
	}
}
