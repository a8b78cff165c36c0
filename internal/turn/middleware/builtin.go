package middleware

import (
	"context"
	"fmt"

	"github.com/querymt/qmt/internal/domain"
)

// MaxSteps stops the turn once Stats.Steps reaches Limit, mirroring the
// teacher agentic loop's hard step ceiling.
type MaxSteps struct {
	Limit int
}

func (m MaxSteps) Name() string { return "max_steps" }

func (m MaxSteps) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if state.Stats.Steps >= m.Limit {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypeStepLimit,
			Reason:   "max_steps",
			Message:  fmt.Sprintf("reached step limit of %d", m.Limit),
		}}, nil
	}
	return continueWith(state), nil
}

func (m MaxSteps) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// TurnLimit stops the turn once Stats.Turns reaches Limit, bounding how
// many LLM round-trips a single prompt may spend.
type TurnLimit struct {
	Limit int
}

func (m TurnLimit) Name() string { return "turn_limit" }

func (m TurnLimit) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if m.Limit > 0 && state.Stats.Turns >= m.Limit {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypeTurnLimit,
			Reason:   "turn_limit",
			Message:  fmt.Sprintf("reached turn limit of %d", m.Limit),
		}}, nil
	}
	return continueWith(state), nil
}

func (m TurnLimit) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// PriceLimit stops the turn once Stats.CostUSD reaches MaxUSD.
type PriceLimit struct {
	MaxUSD float64
}

func (m PriceLimit) Name() string { return "price_limit" }

func (m PriceLimit) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if m.MaxUSD > 0 && state.Stats.CostUSD >= m.MaxUSD {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypePriceLimit,
			Reason:   "price_limit",
			Message:  fmt.Sprintf("reached cost limit of $%.2f", m.MaxUSD),
		}}, nil
	}
	return continueWith(state), nil
}

func (m PriceLimit) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// AutoCompact stops the turn with StopTypeContextThreshold once the
// working context exceeds Threshold of MaxContextTok, the signal
// turn.Engine.Run uses to splice in a Compaction part and resume rather
// than surface the stop to the caller.
type AutoCompact struct {
	Threshold float64
}

func (m AutoCompact) Name() string { return "auto_compact" }

func (m AutoCompact) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if state.MaxContextTok <= 0 {
		return continueWith(state), nil
	}
	ratio := float64(state.ContextTokens) / float64(state.MaxContextTok)
	if ratio >= m.Threshold {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypeContextThreshold,
			Reason:   "auto_compact",
			Message:  fmt.Sprintf("context at %.0f%% of budget", ratio*100),
		}}, nil
	}
	return continueWith(state), nil
}

func (m AutoCompact) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// ContextWarning injects a reminder User message once context usage
// crosses Threshold but before AutoCompact's harder stop, nudging the
// model to wrap up rather than forcing a compaction mid-thought.
type ContextWarning struct {
	Threshold float64
	warned    map[domain.PublicID]bool
}

func (m *ContextWarning) Name() string { return "context_warning" }

func (m *ContextWarning) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if state.MaxContextTok <= 0 {
		return continueWith(state), nil
	}
	ratio := float64(state.ContextTokens) / float64(state.MaxContextTok)
	if ratio < m.Threshold {
		return continueWith(state), nil
	}
	if m.warned == nil {
		m.warned = make(map[domain.PublicID]bool)
	}
	if m.warned[state.SessionID] {
		return continueWith(state), nil
	}
	m.warned[state.SessionID] = true
	msg := "context usage is high; wrap up the current step before continuing"
	return Result{State: state, Inject: &msg}, nil
}

func (m *ContextWarning) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// PlanMode is a pass-through confirming invariant: write-tool suppression
// for plan-mode agents is enforced by the agent's own Tools/Permission
// config (see agentreg.Agent.ToolEnabled), not by this middleware. It
// exists as a named pipeline slot so a future policy that needs to see
// AgentMode has somewhere to attach without restructuring the pipeline.
type PlanMode struct{}

func (PlanMode) Name() string { return "plan_mode" }

func (PlanMode) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

func (PlanMode) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// DuplicateToolCall detects a turn whose tool calls are byte-identical to
// the immediately preceding turn's, a lightweight doom-loop signal
// complementing permission.Checker's pattern-based one.
type DuplicateToolCall struct {
	seen map[domain.PublicID][]string
}

func (m *DuplicateToolCall) Name() string { return "duplicate_tool_call" }

func (m *DuplicateToolCall) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

func (m *DuplicateToolCall) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	if len(state.LastToolCalls) == 0 {
		return continueWith(state), nil
	}
	if m.seen == nil {
		m.seen = make(map[domain.PublicID][]string)
	}
	prev := m.seen[state.SessionID]
	m.seen[state.SessionID] = state.LastToolCalls
	if len(prev) > 0 && len(prev) == len(state.LastToolCalls) && sameSignatures(prev, state.LastToolCalls) {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypeOther,
			Reason:   "duplicate_tool_call",
			Message:  "repeated an identical tool call from the previous turn",
		}}, nil
	}
	return continueWith(state), nil
}

func sameSignatures(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DelegationGuard stops a turn that would enqueue a delegation while
// MaxParallel delegations are already in flight for the session, the
// pipeline's enforcement point for DelegationBlocked before
// ProcessingToolCalls ever reaches the orchestrator's own admission gate.
type DelegationGuard struct {
	MaxParallel  int
	InFlightFunc func(sessionID domain.PublicID) int
}

func (g DelegationGuard) Name() string { return "delegation_guard" }

func (g DelegationGuard) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	if g.InFlightFunc == nil || g.MaxParallel <= 0 {
		return continueWith(state), nil
	}
	if g.InFlightFunc(state.SessionID) >= g.MaxParallel {
		return Result{State: state, Stop: &StopDecision{
			StopType: domain.StopTypeDelegationBlocked,
			Reason:   "delegation_guard",
			Message:  fmt.Sprintf("%d delegations already in flight for this session", g.MaxParallel),
		}}, nil
	}
	return continueWith(state), nil
}

func (g DelegationGuard) PostTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

// TaskAutoCompletion marks the session's active task complete once the
// turn reaches natural completion with no pending tool calls, so a
// delegated subagent's task status is never left dangling.
type TaskAutoCompletion struct {
	CompleteFunc func(ctx context.Context, sessionID domain.PublicID) error
}

func (t TaskAutoCompletion) Name() string { return "task_auto_completion" }

func (t TaskAutoCompletion) PreTurn(_ context.Context, state ExecutionState) (Result, error) {
	return continueWith(state), nil
}

func (t TaskAutoCompletion) PostTurn(ctx context.Context, state ExecutionState) (Result, error) {
	if t.CompleteFunc != nil && state.Done {
		_ = t.CompleteFunc(ctx, state.SessionID)
	}
	return continueWith(state), nil
}
