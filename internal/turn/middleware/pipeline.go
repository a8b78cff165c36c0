// Package middleware implements the turn engine's middleware pipeline: an
// ordered chain of hooks that run before and after each LLM call and can
// short-circuit a turn (inject a message, request compaction, or stop it
// with a typed reason) before the engine proceeds to CallLlm.
package middleware

import (
	"context"

	"github.com/querymt/qmt/internal/domain"
)

// ExecutionState is the subset of turn.Context a middleware needs to make
// its decision. It deliberately does not import package turn (which
// imports this package for Pipeline) — turn.Engine converts its own
// Context to and from ExecutionState at the pipeline boundary.
type ExecutionState struct {
	SessionID     domain.PublicID
	AgentMode     string
	Stats         domain.AgentStats
	ContextTokens int
	MaxContextTok int
	LastToolCalls []string // tool-call signatures seen in the immediately preceding turn
	Done          bool     // true on PostTurn when the turn reached AfterLlm with no pending tool calls
}

// StopDecision carries the typed reason a middleware is halting the turn.
type StopDecision struct {
	StopType domain.MiddlewareStopType
	Reason   string
	Message  string
}

// Result is what a hook returns: either the (possibly updated) state to
// continue with, or a stop/inject/compact instruction. Only one of
// Inject, Compact, Stop should be set; the pipeline treats any set field
// as terminal for this pass and returns immediately.
type Result struct {
	State   ExecutionState
	Inject  *string
	Compact bool
	Stop    *StopDecision
}

// continueWith is a convenience constructor for the common "nothing to do"
// case.
func continueWith(state ExecutionState) Result {
	return Result{State: state}
}

// Middleware is one named link in the pipeline. Both hooks receive the
// state as of immediately before/after the LLM call and return the next
// state (or a terminal instruction).
type Middleware interface {
	Name() string
	PreTurn(ctx context.Context, state ExecutionState) (Result, error)
	PostTurn(ctx context.Context, state ExecutionState) (Result, error)
}

// Pipeline runs its middlewares left to right, stopping at the first one
// that returns a terminal Result (Stop, Inject or Compact set).
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline builds a Pipeline from ms, run in the given order.
func NewPipeline(ms ...Middleware) *Pipeline {
	return &Pipeline{middlewares: ms}
}

// isTerminal reports whether r should halt the chain.
func isTerminal(r Result) bool {
	return r.Stop != nil || r.Inject != nil || r.Compact
}

// RunPre runs every middleware's PreTurn hook in order.
func (p *Pipeline) RunPre(ctx context.Context, state ExecutionState) (Result, error) {
	return p.run(ctx, state, func(m Middleware, ctx context.Context, s ExecutionState) (Result, error) {
		return m.PreTurn(ctx, s)
	})
}

// RunPost runs every middleware's PostTurn hook in order.
func (p *Pipeline) RunPost(ctx context.Context, state ExecutionState) (Result, error) {
	return p.run(ctx, state, func(m Middleware, ctx context.Context, s ExecutionState) (Result, error) {
		return m.PostTurn(ctx, s)
	})
}

func (p *Pipeline) run(ctx context.Context, state ExecutionState, hook func(Middleware, context.Context, ExecutionState) (Result, error)) (Result, error) {
	result := continueWith(state)
	for _, m := range p.middlewares {
		r, err := hook(m, ctx, result.State)
		if err != nil {
			return Result{}, err
		}
		result = r
		if isTerminal(result) {
			return result, nil
		}
	}
	return result, nil
}
