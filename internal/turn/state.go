package turn

import (
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/domain"
)

// TurnContext is the immutable-by-value context threaded through every
// state transition: the session identity, the working message window sent
// to the LLM, running usage stats, the current provider/model pair, and
// the agent mode in effect for this turn. A transition that needs to
// change it produces a new TurnContext rather than mutating this one.
type TurnContext struct {
	SessionID   domain.PublicID
	Messages    []*schema.Message
	Stats       domain.AgentStats
	ProviderID  string
	ModelID     string
	AgentName   string
	AgentMode   AgentMode

	// assistantMessageID is the persisted id of the Message currently being
	// built across CallLlm/AfterLlm/ProcessingToolCalls for this turn.
	assistantMessageID domain.PublicID
}

// AgentMode mirrors the session's current operating mode; PlanMode
// middleware consults it to forbid write tools.
type AgentMode string

const (
	AgentModeBuild AgentMode = "build"
	AgentModePlan  AgentMode = "plan"
)

// WaitReason names what ProcessingToolCalls is waiting on inside
// WaitingForEvent.
type WaitReason string

const (
	WaitReasonDelegation WaitReason = "delegation"
)

// Wait describes a WaitingForEvent state's blocking condition: the engine
// resumes once every id in CorrelationIDs has a matching terminal event.
type Wait struct {
	Reason         WaitReason
	CorrelationIDs []domain.PublicID
}

// State is the closed sum of turn-engine states. Engine.Step dispatches on
// the concrete type and returns the next State.
type State interface {
	state()
}

// BeforeLlmCall runs the middleware pipeline's pre-turn hooks and prepares
// the tool list, then becomes CallLlm.
type BeforeLlmCall struct {
	Context TurnContext
}

func (BeforeLlmCall) state() {}

// CallLlm invokes the provider with Context.Messages and Tools.
type CallLlm struct {
	Context TurnContext
	Tools   []*schema.ToolInfo
}

func (CallLlm) state() {}

// AfterLlm inspects the provider's response for tool calls.
type AfterLlm struct {
	Context      TurnContext
	Response     *schema.Message
	FinishReason string
}

func (AfterLlm) state() {}

// ProcessingToolCalls drains RemainingCalls one at a time, serially,
// preserving LLM-given order.
type ProcessingToolCalls struct {
	Context        TurnContext
	RemainingCalls []schema.ToolCall
	ResultsSoFar   []domain.ToolResultPart
}

func (ProcessingToolCalls) state() {}

// WaitingForEvent blocks on the session's event stream until every
// correlation id in Wait resolves. RemainingCalls carries any tool calls
// from the same LLM response that still need to run once the wait
// resolves and the engine transitions back into ProcessingToolCalls.
type WaitingForEvent struct {
	Context        TurnContext
	Wait           Wait
	RemainingCalls []schema.ToolCall
}

func (WaitingForEvent) state() {}

// Complete is a terminal state: the turn finished normally.
type Complete struct {
	Context TurnContext
}

func (Complete) state() {}

// Stopped is a terminal state: the turn halted before natural completion.
type Stopped struct {
	Context  TurnContext
	StopType domain.MiddlewareStopType
	Reason   string
	Message  string
}

func (Stopped) state() {}

// Cancelled is a terminal state: the turn's cancellation token fired.
type Cancelled struct {
	Context TurnContext
}

func (Cancelled) state() {}

// IsTerminal reports whether s is one of Complete, Stopped, Cancelled —
// the three states Engine.Run stops driving on.
func IsTerminal(s State) bool {
	switch s.(type) {
	case Complete, Stopped, Cancelled:
		return true
	default:
		return false
	}
}
