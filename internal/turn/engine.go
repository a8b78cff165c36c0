// Package turn implements the session turn engine: the explicit state
// machine that drives one prompt from BeforeLlmCall through to a terminal
// Complete, Stopped or Cancelled state, running the middleware pipeline,
// invoking the provider, executing tool calls under permission/snapshot
// pairing, and pruning or auto-compacting the working message window.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/internal/sandbox"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn/middleware"
)

// Retry constants for CreateCompletion, mirroring the teacher agentic
// loop's API-retry tuning.
const (
	RetryMaxAttempts      = 3
	RetryInitialInterval  = time.Second
	RetryMaxInterval      = 30 * time.Second
	RetryMaxElapsedTime   = 2 * time.Minute
)

// newRetryBackoff builds a context-aware exponential backoff with jitter
// for a single CreateCompletion call, matching the teacher's tuning.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, RetryMaxAttempts), ctx)
}

// MessageStore is the narrow persistence surface the engine needs;
// *store.Store satisfies it, and tests can supply an in-memory stand-in
// without pulling in SQLite.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
	LoadMessages(ctx context.Context, sessionID domain.PublicID) ([]domain.Message, error)
}

// DelegationEnqueuer is the narrow interface ProcessingToolCalls uses to
// hand a delegate-tool call off to internal/delegation without importing
// it directly. Engine falls back to running the task tool synchronously
// through the normal tool-execution path when this is nil.
type DelegationEnqueuer interface {
	Enqueue(ctx context.Context, sessionID domain.PublicID, targetAgentID, objective string) (domain.PublicID, error)
}

// DelegateToolID is the tool ID the engine recognizes as a delegation
// request rather than an ordinary tool call.
const DelegateToolID = "task"

// Config bounds an Engine's behavior: step/turn/price ceilings feed the
// default middleware pipeline, MaxContextTokens gates auto-compaction.
type Config struct {
	MaxSteps            int
	MaxTurns            int
	MaxPriceUSD         float64
	MaxContextTokens    int
	ContextWarnRatio    float64
	AutoCompactRatio    float64
	PruneByteThreshold  int
	PruneKeepRecent     int
}

// DefaultConfig mirrors the teacher agentic loop's constants (50-step
// ceiling, 150k-token context budget) with the spec's 0.75 auto-compact
// threshold.
func DefaultConfig() Config {
	return Config{
		MaxSteps:           50,
		MaxContextTokens:   150000,
		ContextWarnRatio:   0.65,
		AutoCompactRatio:   0.75,
		PruneByteThreshold: 8000,
		PruneKeepRecent:    4,
	}
}

// Engine owns one session's worth of collaborators and drives State
// transitions. It holds no per-turn state itself — all of that lives on
// the State values Step consumes and returns.
type Engine struct {
	Agent      *agentreg.Agent
	Provider   provider.Provider
	Tools      *tool.Registry
	Permission *permission.Checker
	Snapshot   snapshot.Backend
	Sink       *eventbus.Sink
	Messages   MessageStore
	Pipeline   *middleware.Pipeline
	Delegation DelegationEnqueuer
	WorkDir    string
	Config     Config

	// Sandbox, if non-nil, gates every write/edit tool call's target path
	// through the worker's write-capability contract. WorkerMode is the
	// floor set at worker startup (--mode); a session's own AgentMode can
	// only narrow it further (Build -> Plan), never widen a Review floor.
	Sandbox    *sandbox.Policy
	WorkerMode sandbox.Mode

	// Pricing resolves a completion's usage block to a USD cost for
	// Stats.CostUSD. Defaults to a fresh provider.NewPricingTable() in New.
	Pricing *provider.PricingTable
}

// effectiveSandboxMode combines the worker's startup floor with the
// session's current AgentMode: Review is a floor no session-level mode
// change can lift, while a Build-floor worker still honors the session
// toggling itself into Plan.
func (e *Engine) effectiveSandboxMode(turnMode AgentMode) sandbox.Mode {
	if e.WorkerMode == sandbox.ModeReview {
		return sandbox.ModeReview
	}
	if turnMode == AgentModePlan {
		return sandbox.ModePlan
	}
	return sandbox.ModeBuild
}

// New builds an Engine wired to its collaborators, with the default
// middleware pipeline (MaxSteps/AutoCompact/ContextWarning built from cfg)
// unless pipeline is non-nil.
func New(agent *agentreg.Agent, prov provider.Provider, tools *tool.Registry, perm *permission.Checker, snap snapshot.Backend, sink *eventbus.Sink, messages MessageStore, workDir string, cfg Config, pipeline *middleware.Pipeline) *Engine {
	if pipeline == nil {
		pipeline = middleware.NewPipeline(
			middleware.MaxSteps{Limit: cfg.MaxSteps},
			middleware.TurnLimit{Limit: cfg.MaxTurns},
			middleware.PriceLimit{MaxUSD: cfg.MaxPriceUSD},
			&middleware.ContextWarning{Threshold: cfg.ContextWarnRatio},
			middleware.AutoCompact{Threshold: cfg.AutoCompactRatio},
			middleware.PlanMode{},
			&middleware.DuplicateToolCall{},
		)
	}
	return &Engine{
		Agent: agent, Provider: prov, Tools: tools, Permission: perm,
		Snapshot: snap, Sink: sink, Messages: messages, Pipeline: pipeline,
		WorkDir: workDir, Config: cfg, Pricing: provider.NewPricingTable(),
	}
}

// Run drives state from start to a terminal State, calling Step
// repeatedly. Callers that need to observe intermediate states (e.g. to
// persist a WaitingForEvent and resume later) should call Step directly
// instead.
func (e *Engine) Run(ctx context.Context, start State) (State, error) {
	state := start
	for !IsTerminal(state) {
		if ctx.Err() != nil {
			return Cancelled{Context: stateContext(state)}, nil
		}
		next, err := e.Step(ctx, state)
		if err != nil {
			return nil, err
		}
		if _, waiting := next.(WaitingForEvent); waiting {
			return next, nil
		}
		state = next
	}
	return state, nil
}

// Step dispatches on state's concrete type and returns the next State.
func (e *Engine) Step(ctx context.Context, state State) (State, error) {
	switch s := state.(type) {
	case BeforeLlmCall:
		return e.stepBeforeLlmCall(ctx, s)
	case CallLlm:
		return e.stepCallLlm(ctx, s)
	case AfterLlm:
		return e.stepAfterLlm(ctx, s)
	case ProcessingToolCalls:
		return e.stepProcessingToolCalls(ctx, s)
	case WaitingForEvent:
		return s, nil
	case Complete, Stopped, Cancelled:
		return s, nil
	default:
		return nil, fmt.Errorf("turn: unknown state %T", state)
	}
}

func stateContext(s State) TurnContext {
	switch v := s.(type) {
	case BeforeLlmCall:
		return v.Context
	case CallLlm:
		return v.Context
	case AfterLlm:
		return v.Context
	case ProcessingToolCalls:
		return v.Context
	case WaitingForEvent:
		return v.Context
	case Complete:
		return v.Context
	case Stopped:
		return v.Context
	case Cancelled:
		return v.Context
	default:
		return TurnContext{}
	}
}

// emitStopped durably records why a turn halted, so anything watching the
// session's fanout (the delegation orchestrator awaiting a child session,
// a connected client) can observe termination without polling engine
// state directly. Errors are swallowed: a failed event emission must not
// mask the Stopped transition itself.
func (e *Engine) emitStopped(ctx context.Context, tc TurnContext, stopType domain.MiddlewareStopType, reason string) {
	if e.Sink == nil {
		return
	}
	_, _ = e.Sink.EmitDurable(ctx, domain.AgentEvent{
		SessionID: tc.SessionID,
		Kind:      domain.EventMiddlewareStopped,
		Payload:   domain.MiddlewareStoppedData{StopType: stopType, Reason: reason, Metrics: tc.Stats},
	})
}

func toExecutionState(tc TurnContext) middleware.ExecutionState {
	return middleware.ExecutionState{
		SessionID:     tc.SessionID,
		AgentMode:     string(tc.AgentMode),
		Stats:         tc.Stats,
		ContextTokens: tc.Stats.ContextTokens,
		MaxContextTok: 0, // set by caller per-engine config
	}
}

func (e *Engine) stepBeforeLlmCall(ctx context.Context, s BeforeLlmCall) (State, error) {
	es := toExecutionState(s.Context)
	es.MaxContextTok = e.Config.MaxContextTokens

	result, err := e.Pipeline.RunPre(ctx, es)
	if err != nil {
		return nil, fmt.Errorf("turn: middleware pre-turn: %w", err)
	}

	// AutoCompact's Stop carries StopTypeContextThreshold rather than
	// setting Compact directly (see its own PreTurn), so this is the one
	// Stop variant that resumes the turn instead of surfacing it — the
	// splice-in-a-summary-and-continue behavior its doc comment describes.
	if result.Stop != nil && result.Stop.StopType == domain.StopTypeContextThreshold {
		nextCtx, err := e.compact(ctx, s.Context)
		if err != nil {
			return nil, err
		}
		return BeforeLlmCall{Context: nextCtx}, nil
	}

	if result.Stop != nil {
		e.emitStopped(ctx, s.Context, result.Stop.StopType, result.Stop.Reason)
		return Stopped{
			Context:  s.Context,
			StopType: result.Stop.StopType,
			Reason:   result.Stop.Reason,
			Message:  result.Stop.Message,
		}, nil
	}

	if result.Inject != nil {
		nextCtx, err := e.injectUserMessage(ctx, s.Context, *result.Inject)
		if err != nil {
			return nil, err
		}
		return BeforeLlmCall{Context: nextCtx}, nil
	}

	if result.Compact {
		nextCtx, err := e.compact(ctx, s.Context)
		if err != nil {
			return nil, err
		}
		return BeforeLlmCall{Context: nextCtx}, nil
	}

	tools, err := e.resolveTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("turn: resolve tools: %w", err)
	}

	return CallLlm{Context: s.Context, Tools: tools}, nil
}

// resolveTools filters the registry's tools by the agent's Tools
// allow/deny map, honoring the wildcard-aware ToolEnabled check, and
// describes the survivors via each tool's own Eino adapter so the JSON
// Schema -> ParameterInfo conversion stays in one place (internal/tool).
func (e *Engine) resolveTools(ctx context.Context) ([]*schema.ToolInfo, error) {
	var infos []*schema.ToolInfo
	for _, t := range e.Tools.List() {
		if e.Agent != nil && !e.Agent.ToolEnabled(t.ID()) {
			continue
		}
		info, err := t.EinoTool().Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.ID(), err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *Engine) injectUserMessage(ctx context.Context, tc TurnContext, text string) (TurnContext, error) {
	msg := &domain.Message{
		SessionID: tc.SessionID,
		Role:      domain.RoleUser,
		Parts:     []domain.Part{domain.TextPart{Content: text}},
	}
	if e.Messages != nil {
		if err := e.Messages.AppendMessage(ctx, msg); err != nil {
			return tc, fmt.Errorf("turn: append injected message: %w", err)
		}
	}
	if e.Sink != nil {
		if _, err := e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventUserMessageStored,
			Payload:   domain.UserMessageStoredData{MessageID: msg.ID},
		}); err != nil {
			return tc, fmt.Errorf("turn: emit injected message event: %w", err)
		}
	}
	tc.Messages = append(tc.Messages, &schema.Message{Role: schema.User, Content: text})
	return tc, nil
}

// createCompletionWithRetry retries a failing CreateCompletion call with
// jittered exponential backoff, bounded by RetryMaxAttempts/
// RetryMaxElapsedTime. Errors from an already-opened stream are not
// retried here — a partially accumulated response can't be safely
// restarted without re-emitting content deltas the caller already saw.
func (e *Engine) createCompletionWithRetry(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	b := newRetryBackoff(ctx)
	for {
		stream, err := e.Provider.CreateCompletion(ctx, req)
		if err == nil {
			return stream, nil
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) stepCallLlm(ctx context.Context, s CallLlm) (State, error) {
	messages := s.Context.Messages
	if e.Agent != nil && e.Agent.Prompt != "" {
		messages = append([]*schema.Message{{Role: schema.System, Content: e.Agent.Prompt}}, messages...)
	}
	req := &provider.CompletionRequest{
		Model:       s.Context.ModelID,
		Messages:    messages,
		Tools:       s.Tools,
		Temperature: 0,
	}
	if e.Agent != nil {
		req.Temperature = e.Agent.Temperature
		req.TopP = e.Agent.TopP
	}

	stream, err := e.createCompletionWithRetry(ctx, req)
	if err != nil {
		e.emitStopped(ctx, s.Context, domain.StopTypeProviderError, "provider_error")
		return Stopped{
			Context:  s.Context,
			StopType: domain.StopTypeProviderError,
			Reason:   "provider_error",
			Message:  err.Error(),
		}, nil
	}
	defer stream.Close()

	assistantMessageID := domain.NewPublicID()
	tc := s.Context
	tc.assistantMessageID = assistantMessageID

	var content strings.Builder
	toolCalls := make(map[string]*schema.ToolCall)
	var toolOrder []string
	var finishReason string
	var promptTokens, completionTokens int
	var haveUsage bool

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.emitStopped(ctx, tc, domain.StopTypeProviderError, "stream_error")
			return Stopped{
				Context:  tc,
				StopType: domain.StopTypeProviderError,
				Reason:   "stream_error",
				Message:  err.Error(),
			}, nil
		}

		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if e.Sink != nil {
				_ = e.Sink.EmitEphemeral(domain.AgentEvent{
					SessionID: tc.SessionID,
					Kind:      domain.EventAssistantContentDelta,
					Payload:   domain.AssistantContentDeltaData{Content: chunk.Content, MessageID: assistantMessageID},
				})
			}
		}

		for i := range chunk.ToolCalls {
			tc2 := chunk.ToolCalls[i]
			key := tc2.ID
			if key == "" && tc2.Index != nil {
				key = fmt.Sprintf("idx:%d", *tc2.Index)
			}
			existing, ok := toolCalls[key]
			if !ok {
				call := tc2
				toolCalls[key] = &call
				toolOrder = append(toolOrder, key)
				continue
			}
			if tc2.Function.Name != "" {
				existing.Function.Name = tc2.Function.Name
			}
			existing.Function.Arguments += tc2.Function.Arguments
		}

		if chunk.ResponseMeta != nil {
			if chunk.ResponseMeta.FinishReason != "" {
				finishReason = chunk.ResponseMeta.FinishReason
			}
			if chunk.ResponseMeta.Usage != nil {
				promptTokens = chunk.ResponseMeta.Usage.PromptTokens
				completionTokens = chunk.ResponseMeta.Usage.CompletionTokens
				haveUsage = true
			}
		}
	}

	if haveUsage {
		tc.Stats.InputTokens += promptTokens
		tc.Stats.OutputTokens += completionTokens
		tc.Stats.ContextTokens = promptTokens + completionTokens
		if e.Pricing != nil && e.Provider != nil {
			tc.Stats.CostUSD += e.Pricing.Cost(e.Provider.ID(), tc.ModelID, promptTokens, completionTokens)
		}
	}
	tc.Stats.Turns++

	var calls []schema.ToolCall
	for _, key := range toolOrder {
		calls = append(calls, *toolCalls[key])
	}

	finalText := content.String()
	var thinkingPtr *string
	msg := &domain.Message{
		ID:        assistantMessageID,
		SessionID: tc.SessionID,
		Role:      domain.RoleAssistant,
	}
	if finalText != "" {
		msg.Parts = append(msg.Parts, domain.TextPart{Content: finalText})
	}
	for _, c := range calls {
		var args map[string]any
		_ = json.Unmarshal([]byte(c.Function.Arguments), &args)
		msg.Parts = append(msg.Parts, domain.ToolUsePart{CallID: c.ID, Name: c.Function.Name, Arguments: args})
	}
	if e.Messages != nil {
		if err := e.Messages.AppendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("turn: append assistant message: %w", err)
		}
	}
	if e.Sink != nil {
		if _, err := e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventAssistantMessageStored,
			Payload:   domain.AssistantMessageStoredData{Content: finalText, Thinking: thinkingPtr, MessageID: &assistantMessageID, Final: len(calls) == 0},
		}); err != nil {
			return nil, fmt.Errorf("turn: emit assistant message event: %w", err)
		}
	}

	tc.Messages = append(tc.Messages, &schema.Message{
		Role:      schema.Assistant,
		Content:   finalText,
		ToolCalls: calls,
	})

	respMsg := &schema.Message{Role: schema.Assistant, Content: finalText, ToolCalls: calls}
	return AfterLlm{Context: tc, Response: respMsg, FinishReason: finishReason}, nil
}

func (e *Engine) stepAfterLlm(ctx context.Context, s AfterLlm) (State, error) {
	es := toExecutionState(s.Context)
	es.MaxContextTok = e.Config.MaxContextTokens
	es.Done = len(s.Response.ToolCalls) == 0
	var sigs []string
	for _, c := range s.Response.ToolCalls {
		sigs = append(sigs, c.Function.Name+":"+c.Function.Arguments)
	}
	es.LastToolCalls = sigs

	result, err := e.Pipeline.RunPost(ctx, es)
	if err != nil {
		return nil, fmt.Errorf("turn: middleware post-turn: %w", err)
	}
	if result.Stop != nil {
		e.emitStopped(ctx, s.Context, result.Stop.StopType, result.Stop.Reason)
		return Stopped{
			Context:  s.Context,
			StopType: result.Stop.StopType,
			Reason:   result.Stop.Reason,
			Message:  result.Stop.Message,
		}, nil
	}

	if len(s.Response.ToolCalls) == 0 {
		if s.FinishReason == "length" || s.FinishReason == "max_tokens" {
			e.emitStopped(ctx, s.Context, domain.StopTypeOther, "max_tokens")
			return Stopped{
				Context:  s.Context,
				StopType: domain.StopTypeOther,
				Reason:   "max_tokens",
				Message:  "response truncated at the model's max-token limit",
			}, nil
		}
		tc := e.prune(s.Context)
		tc.Stats.Steps++
		return Complete{Context: tc}, nil
	}

	tc := s.Context
	tc.Stats.Steps++
	return ProcessingToolCalls{Context: tc, RemainingCalls: s.Response.ToolCalls}, nil
}
