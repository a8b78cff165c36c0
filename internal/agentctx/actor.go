package agentctx

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/turn"
)

// HistoryStore is the slice of persistence a SessionActor needs beyond
// what turn.Engine already owns directly: loading a session's record,
// and the revert-state stack / child-session traversal snapshot.Undo and
// snapshot.Redo consult. *store.Store satisfies it.
type HistoryStore interface {
	turn.MessageStore
	snapshot.HistoryProvider
	GetSession(ctx context.Context, id domain.PublicID) (*domain.Session, error)
}

var _ HistoryStore = (*store.Store)(nil)

// mailboxCmd is one closure queued onto a SessionActor's serial mailbox.
// done is closed once run has returned, except for fire-and-forget
// Prompt submissions, which nobody waits on.
type mailboxCmd struct {
	run  func()
	done chan struct{}
}

// ExtHandler answers one extension method call registered against a
// session (e.g. an editor integration's custom JSON-RPC method).
type ExtHandler func(ctx context.Context, params []byte) ([]byte, error)

// SessionActor drives exactly one session's turns, one at a time, via a
// single goroutine reading off a channel mailbox. This generalizes the
// teacher's map-guarded-by-a-mutex Processor into true per-session
// serialization: a plain mutex only excludes concurrent map access, it
// does not stop two goroutines from interleaving operations against the
// same session's state, which is what invariant-8 style single-writer
// semantics require.
type SessionActor struct {
	ctx     *ExecutionContext
	engine  *turn.Engine
	history HistoryStore
	snap    snapshot.Backend
	ext     map[string]ExtHandler

	mailbox chan mailboxCmd
	closed  chan struct{}
}

func newSessionActor(ec *ExecutionContext, engine *turn.Engine, history HistoryStore, snap snapshot.Backend) *SessionActor {
	a := &SessionActor{
		ctx:     ec,
		engine:  engine,
		history: history,
		snap:    snap,
		ext:     make(map[string]ExtHandler),
		mailbox: make(chan mailboxCmd, 32),
		closed:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// RegisterExtMethod installs a handler for an extension method name.
// Not mailbox-serialized: call it during session setup, before any
// ExtMethod/ExtNotification traffic arrives.
func (a *SessionActor) RegisterExtMethod(method string, handler ExtHandler) {
	a.ext[method] = handler
}

func (a *SessionActor) loop() {
	for {
		select {
		case cmd := <-a.mailbox:
			cmd.run()
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-a.closed:
			for {
				select {
				case cmd := <-a.mailbox:
					cmd.run()
					if cmd.done != nil {
						close(cmd.done)
					}
				default:
					return
				}
			}
		}
	}
}

// stop refuses further mailbox sends; already-queued commands still run.
func (a *SessionActor) stop() {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
}

// tell enqueues fn without waiting for it to run — used for Prompt, which
// AgentHandle documents as fire-and-forget: completion is observed via
// the session's event fanout, not this call's return.
func (a *SessionActor) tell(fn func()) error {
	select {
	case a.mailbox <- mailboxCmd{run: fn}:
		return nil
	case <-a.closed:
		return fmt.Errorf("agentctx: session %s actor stopped", a.ctx.SessionID)
	}
}

// ask enqueues fn and blocks until it has run.
func (a *SessionActor) ask(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.mailbox <- mailboxCmd{run: fn, done: done}:
	case <-a.closed:
		return fmt.Errorf("agentctx: session %s actor stopped", a.ctx.SessionID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prompt queues a new turn. It returns once the turn is queued, not once
// it completes — matching agentreg.AgentHandle.Prompt's fire-and-forget
// contract. A caller that needs to observe completion subscribes to the
// session's fanout for AssistantMessageStored{Final: true} or
// MiddlewareStopped.
func (a *SessionActor) Prompt(input agentreg.PromptInput) error {
	return a.tell(func() { a.runPrompt(input) })
}

func (a *SessionActor) runPrompt(input agentreg.PromptInput) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.ctx.setCancel(cancel)
	defer a.ctx.clearCancel()
	defer cancel()

	_ = snapshot.CleanupRevertOnPrompt(runCtx, a.history, a.ctx.SessionID)

	history, err := a.history.LoadMessages(runCtx, a.ctx.SessionID)
	if err != nil {
		return
	}

	msg := &domain.Message{
		SessionID: a.ctx.SessionID,
		Role:      domain.RoleUser,
		Parts:     []domain.Part{domain.TextPart{Content: input.Text}},
	}
	if err := a.history.AppendMessage(runCtx, msg); err != nil {
		return
	}

	a.ctx.ToolConfig.apply(a.ctx.Agent)
	a.engine.Agent = a.ctx.Agent
	a.engine.WorkDir = a.ctx.WorkDir

	tc := turn.TurnContext{
		SessionID: a.ctx.SessionID,
		Messages:  append(toSchemaMessages(history), &schema.Message{Role: schema.User, Content: input.Text}),
		AgentMode: a.agentMode(),
	}

	state, _ := a.engine.Run(runCtx, turn.BeforeLlmCall{Context: tc})
	a.ctx.State = state
}

func (a *SessionActor) agentMode() turn.AgentMode {
	if a.ctx.AgentMode != "" {
		return a.ctx.AgentMode
	}
	return turn.AgentModeBuild
}

// Cancel interrupts whatever turn is currently executing. It bypasses the
// mailbox deliberately: a cancellation queued behind the running turn
// would never get a chance to interrupt it.
func (a *SessionActor) Cancel() {
	a.ctx.cancelRunningTurn()
}

// SetMode updates the session's operating mode (e.g. build/plan), taking
// effect on the next turn. Downgrading away from build releases any held
// sandbox Extension token immediately, inside the same mailbox turn, so
// no tool call queued behind this one can observe a stale token.
func (a *SessionActor) SetMode(ctx context.Context, mode turn.AgentMode) error {
	return a.ask(ctx, func() {
		a.ctx.AgentMode = mode
		if mode != turn.AgentModeBuild && a.engine.Sandbox != nil {
			a.engine.Sandbox.Ext.Downgrade()
		}
	})
}

// GetMode returns the session's current operating mode.
func (a *SessionActor) GetMode(ctx context.Context) (turn.AgentMode, error) {
	var mode turn.AgentMode
	err := a.ask(ctx, func() { mode = a.agentMode() })
	return mode, err
}

// SetSessionModel overrides the provider/model pair used for this
// session's subsequent turns.
func (a *SessionActor) SetSessionModel(ctx context.Context, model domain.LLMConfig) error {
	return a.ask(ctx, func() {
		if a.ctx.Agent != nil {
			a.ctx.Agent.Model = &agentreg.ModelRef{ProviderID: model.Provider, ModelID: model.Model}
		}
	})
}

// GetHistory returns the session's persisted message history.
func (a *SessionActor) GetHistory(ctx context.Context) ([]domain.Message, error) {
	var history []domain.Message
	err := a.ask(ctx, func() {
		history, _ = a.history.LoadMessages(ctx, a.ctx.SessionID)
	})
	return history, err
}

// SetAllowedTools switches the session into allow-list mode: only the
// named tools (plus whatever the engine always requires) run; everything
// else is denied regardless of the agent's own Tools map.
func (a *SessionActor) SetAllowedTools(ctx context.Context, tools []string) error {
	return a.ask(ctx, func() {
		a.ctx.ToolConfig.AllowedTools = tools
	})
}

// SetDeniedTools blacklists the named tools on top of whatever allow/deny
// mode the session is otherwise in.
func (a *SessionActor) SetDeniedTools(ctx context.Context, tools []string) error {
	return a.ask(ctx, func() {
		a.ctx.ToolConfig.DeniedTools = tools
	})
}

// SetToolPolicy records a per-tool allow/deny/ask override. Deny entries
// are folded into the agent's Tools map at the start of the next turn;
// Allow/Ask entries are stored on the ToolConfig but nothing reads them,
// so they do not change which tools run or which calls prompt.
func (a *SessionActor) SetToolPolicy(ctx context.Context, policy map[string]permission.PermissionAction) error {
	return a.ask(ctx, func() {
		a.ctx.ToolConfig.Policy = policy
	})
}

// Undo reverts filesystem changes made after messageID, stacking a revert
// frame so a subsequent Redo can restore the pre-undo state.
func (a *SessionActor) Undo(ctx context.Context, messageID domain.PublicID) (*snapshot.UndoResult, error) {
	var result *snapshot.UndoResult
	var undoErr error
	err := a.ask(ctx, func() {
		result, undoErr = snapshot.Undo(ctx, a.snap, a.history, a.ctx.SessionID, messageID, a.ctx.WorkDir)
	})
	if err != nil {
		return nil, err
	}
	return result, undoErr
}

// handleDelegationCompleted resumes a turn parked in WaitingForEvent once
// delegationID, one of its correlation ids, has resolved. Other pending
// correlation ids (a turn can in principle wait on more than one) keep the
// turn parked until ResumeAfterWait's own bookkeeping — today just
// membership, since the engine only ever enqueues a single delegation per
// wait — is satisfied.
func (a *SessionActor) handleDelegationCompleted(ctx context.Context, delegationID domain.PublicID) {
	_ = a.ask(ctx, func() {
		waiting, ok := a.ctx.State.(turn.WaitingForEvent)
		if !ok {
			return
		}
		resolved := false
		for _, id := range waiting.Wait.CorrelationIDs {
			if id == delegationID {
				resolved = true
				break
			}
		}
		if !resolved {
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		a.ctx.setCancel(cancel)
		defer a.ctx.clearCancel()
		defer cancel()

		next := a.engine.ResumeAfterWait(waiting)
		state, _ := a.engine.Run(runCtx, next)
		a.ctx.State = state
	})
}

// Redo restores the filesystem state captured by the most recent Undo.
func (a *SessionActor) Redo(ctx context.Context) (*snapshot.RedoResult, error) {
	var result *snapshot.RedoResult
	var redoErr error
	err := a.ask(ctx, func() {
		result, redoErr = snapshot.Redo(ctx, a.snap, a.history, a.ctx.SessionID, a.ctx.WorkDir)
	})
	if err != nil {
		return nil, err
	}
	return result, redoErr
}
