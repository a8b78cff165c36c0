package agentctx

import (
	"context"
	"sync"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/turn"
)

// ToolConfigSnapshot captures a session's per-turn tool policy overrides.
// It is applied to the session's private Agent clone at the start of
// every turn, so a SetAllowedTools/SetDeniedTools/SetToolPolicy call made
// while a turn is in flight only takes effect on the next one rather than
// racing the tool list the in-flight turn already resolved.
type ToolConfigSnapshot struct {
	AllowedTools []string
	DeniedTools  []string
	Policy       map[string]permission.PermissionAction
}

// apply folds the snapshot onto agent's Tools map: AllowedTools switches
// the agent into allow-list mode (everything else denied), DeniedTools
// and a Deny verdict in Policy both blacklist individual tools on top of
// whatever mode is otherwise in effect.
func (tc ToolConfigSnapshot) apply(agent *agentreg.Agent) {
	if len(tc.AllowedTools) > 0 {
		agent.Tools = map[string]bool{"*": false}
		for _, name := range tc.AllowedTools {
			agent.Tools[name] = true
		}
	}
	for _, name := range tc.DeniedTools {
		agent.Tools[name] = false
	}
	for name, action := range tc.Policy {
		if action == permission.ActionDeny {
			agent.Tools[name] = false
		}
	}
}

// ExecutionContext is the state a SessionActor owns for the whole of a
// session's lifetime: its identity, its pinned working directory, a
// private clone of the registry Agent (so per-session tool/permission
// overrides never leak onto other sessions sharing the same agent
// definition), the last turn.State the engine produced, and the
// cancellation hook for whatever turn is currently executing.
type ExecutionContext struct {
	SessionID  domain.PublicID
	WorkDir    string
	Agent      *agentreg.Agent
	AgentMode  turn.AgentMode
	State      turn.State
	ToolConfig ToolConfigSnapshot

	mu     sync.Mutex
	cancel context.CancelFunc
}

// cloneAgent returns a defensive copy of base with its own Tools map, so
// mutating it for this session's overrides never touches the registry's
// shared *agentreg.Agent.
func cloneAgent(base *agentreg.Agent) *agentreg.Agent {
	if base == nil {
		return &agentreg.Agent{Tools: map[string]bool{}}
	}
	clone := *base
	clone.Tools = make(map[string]bool, len(base.Tools))
	for k, v := range base.Tools {
		clone.Tools[k] = v
	}
	return &clone
}

func (ec *ExecutionContext) setCancel(cancel context.CancelFunc) {
	ec.mu.Lock()
	ec.cancel = cancel
	ec.mu.Unlock()
}

func (ec *ExecutionContext) clearCancel() {
	ec.setCancel(nil)
}

// cancelRunningTurn interrupts whatever turn is currently executing, if
// any. It is called directly by SessionActor.Cancel rather than through
// the mailbox, since a queued cancellation would sit behind the very turn
// it's meant to interrupt.
func (ec *ExecutionContext) cancelRunningTurn() {
	ec.mu.Lock()
	cancel := ec.cancel
	ec.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
