package turn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/eino/components/model"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/storage"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn/middleware"
	"github.com/querymt/qmt/pkg/types"
)

// fakeSummaryProvider answers every CreateCompletion call with a fixed
// one-line summary, just enough for compact() to have something to call.
type fakeSummaryProvider struct{}

func (fakeSummaryProvider) ID() string                       { return "fake" }
func (fakeSummaryProvider) Name() string                      { return "fake" }
func (fakeSummaryProvider) Models() []types.Model             { return nil }
func (fakeSummaryProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (fakeSummaryProvider) CreateCompletion(_ context.Context, _ *provider.CompletionRequest) (*provider.CompletionStream, error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(&schema.Message{Role: schema.Assistant, Content: "summary of earlier steps"}, nil)
	sw.Close()
	return provider.NewCompletionStream(sr), nil
}

// memStore is a minimal in-memory stand-in for MessageStore, avoiding a
// SQLite dependency in these tests.
type memStore struct {
	mu       sync.Mutex
	messages map[domain.PublicID][]domain.Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[domain.PublicID][]domain.Message)}
}

func (m *memStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = domain.NewPublicID()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *memStore) LoadMessages(_ context.Context, sessionID domain.PublicID) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[sessionID], nil
}

func testEngine(t *testing.T, agent *agentreg.Agent, pipeline *middleware.Pipeline) (*Engine, *memStore) {
	t.Helper()
	sink := eventbus.NewSink(eventbus.NewMemJournal(), eventbus.NewFanout())
	store := newMemStore()
	registry := tool.NewRegistry(t.TempDir(), storage.New(t.TempDir()))
	checker := permission.NewChecker(sink, nil)
	snap := snapshot.NewContentBackend(storage.New(t.TempDir()))

	e := New(agent, nil, registry, checker, snap, sink, store, t.TempDir(), DefaultConfig(), pipeline)
	return e, store
}

func echoTool(requiresPermission bool) tool.Tool {
	params := json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
	return tool.NewBaseTool("echo", "echoes its input", params, requiresPermission,
		func(_ context.Context, input json.RawMessage, _ *tool.Context) (*tool.Result, error) {
			return &tool.Result{Title: "echo", Output: string(input)}, nil
		})
}

// editStubTool mimics a write-capable tool gated by the "edit" permission
// type, without touching the filesystem.
func editStubTool() tool.Tool {
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	return tool.NewBaseTool("edit", "edits a file", params, true,
		func(_ context.Context, _ json.RawMessage, _ *tool.Context) (*tool.Result, error) {
			return &tool.Result{Title: "edit", Output: "edited"}, nil
		})
}

// writeStubTool mimics the "write" tool's filePath argument without
// touching the filesystem, for sandbox-path tests.
func writeStubTool() tool.Tool {
	params := json.RawMessage(`{"type":"object","properties":{"filePath":{"type":"string"}}}`)
	return tool.NewBaseTool("write", "writes a file", params, false,
		func(_ context.Context, _ json.RawMessage, _ *tool.Context) (*tool.Result, error) {
			return &tool.Result{Title: "write", Output: "written"}, nil
		})
}

// recordingProvider captures the last CompletionRequest it was handed and
// answers with a fixed assistant turn, just enough to drive stepCallLlm to
// completion without a real vendor call.
type recordingProvider struct {
	lastReq *provider.CompletionRequest
}

func (*recordingProvider) ID() string                       { return "recording" }
func (*recordingProvider) Name() string                      { return "recording" }
func (*recordingProvider) Models() []types.Model             { return nil }
func (*recordingProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *recordingProvider) CreateCompletion(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	p.lastReq = req
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(&schema.Message{Role: schema.Assistant, Content: "ok"}, nil)
	sw.Close()
	return provider.NewCompletionStream(sr), nil
}

func TestStepCallLlm_PrependsAgentPromptAsSystemMessage(t *testing.T) {
	prov := &recordingProvider{}
	agent := &agentreg.Agent{Prompt: "You are a careful build agent."}
	e, _ := testEngine(t, agent, middleware.NewPipeline())
	e.Provider = prov

	sessionID := domain.NewPublicID()
	tc := TurnContext{
		SessionID: sessionID,
		Messages:  []*schema.Message{{Role: schema.User, Content: "hello"}},
	}
	_, err := e.Step(context.Background(), CallLlm{Context: tc})
	require.NoError(t, err)

	require.NotNil(t, prov.lastReq)
	require.NotEmpty(t, prov.lastReq.Messages)
	assert.Equal(t, schema.System, prov.lastReq.Messages[0].Role)
	assert.Equal(t, agent.Prompt, prov.lastReq.Messages[0].Content)
	// The original context's message slice is untouched by the prepend.
	assert.Len(t, tc.Messages, 1)
}

func TestStepCallLlm_NoSystemMessageWithoutAgentPrompt(t *testing.T) {
	prov := &recordingProvider{}
	e, _ := testEngine(t, &agentreg.Agent{}, middleware.NewPipeline())
	e.Provider = prov

	sessionID := domain.NewPublicID()
	tc := TurnContext{
		SessionID: sessionID,
		Messages:  []*schema.Message{{Role: schema.User, Content: "hello"}},
	}
	_, err := e.Step(context.Background(), CallLlm{Context: tc})
	require.NoError(t, err)

	require.NotNil(t, prov.lastReq)
	require.Len(t, prov.lastReq.Messages, 1)
	assert.Equal(t, schema.User, prov.lastReq.Messages[0].Role)
}

func TestStepBeforeLlmCall_StopFromMiddleware(t *testing.T) {
	pipeline := middleware.NewPipeline(middleware.MaxSteps{Limit: 0})
	e, _ := testEngine(t, &agentreg.Agent{Tools: map[string]bool{"*": true}}, pipeline)

	sessionID := domain.NewPublicID()
	next, err := e.Step(context.Background(), BeforeLlmCall{Context: TurnContext{SessionID: sessionID}})
	require.NoError(t, err)

	stopped, ok := next.(Stopped)
	require.True(t, ok, "expected Stopped, got %T", next)
	assert.Equal(t, domain.StopTypeStepLimit, stopped.StopType)
}

func TestStepBeforeLlmCall_InjectsAndLoops(t *testing.T) {
	pipeline := middleware.NewPipeline(&middleware.ContextWarning{Threshold: 0.1})
	e, store := testEngine(t, &agentreg.Agent{Tools: map[string]bool{"*": true}}, pipeline)
	e.Config.MaxContextTokens = 100

	sessionID := domain.NewPublicID()
	tc := TurnContext{SessionID: sessionID, Stats: domain.AgentStats{ContextTokens: 50}}
	next, err := e.Step(context.Background(), BeforeLlmCall{Context: tc})
	require.NoError(t, err)

	before, ok := next.(BeforeLlmCall)
	require.True(t, ok, "expected BeforeLlmCall (looped after injection), got %T", next)
	assert.Len(t, before.Context.Messages, 1)
	assert.Equal(t, schema.User, before.Context.Messages[0].Role)

	stored, _ := store.LoadMessages(context.Background(), sessionID)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RoleUser, stored[0].Role)
}

func TestStepBeforeLlmCall_AutoCompactResumesInsteadOfStopping(t *testing.T) {
	pipeline := middleware.NewPipeline(middleware.AutoCompact{Threshold: 0.75})
	e, store := testEngine(t, &agentreg.Agent{Tools: map[string]bool{"*": true}}, pipeline)
	e.Provider = fakeSummaryProvider{}
	e.Config.MaxContextTokens = 100
	e.Config.PruneKeepRecent = 1

	sessionID := domain.NewPublicID()
	tc := TurnContext{
		SessionID: sessionID,
		Stats:     domain.AgentStats{ContextTokens: 80},
		Messages: []*schema.Message{
			{Role: schema.User, Content: "step one"},
			{Role: schema.Assistant, Content: "step one done"},
			{Role: schema.User, Content: "step two"},
		},
	}
	next, err := e.Step(context.Background(), BeforeLlmCall{Context: tc})
	require.NoError(t, err)

	before, ok := next.(BeforeLlmCall)
	require.True(t, ok, "expected BeforeLlmCall (resumed after compaction), got %T", next)
	assert.Equal(t, 0, before.Context.Stats.ContextTokens, "compaction should reset the context token count")
	assert.Len(t, before.Context.Messages, 2, "kept message plus the new summary message")

	stored, _ := store.LoadMessages(context.Background(), sessionID)
	require.Len(t, stored, 1)
	_, isCompaction := stored[0].Parts[0].(domain.CompactionPart)
	assert.True(t, isCompaction, "expected a CompactionPart appended to history")
}

func TestStepBeforeLlmCall_ResolvesToolsAndProceeds(t *testing.T) {
	e, _ := testEngine(t, &agentreg.Agent{Tools: map[string]bool{"*": true}}, middleware.NewPipeline())
	e.Tools.Register(echoTool(false))

	next, err := e.Step(context.Background(), BeforeLlmCall{Context: TurnContext{SessionID: domain.NewPublicID()}})
	require.NoError(t, err)

	call, ok := next.(CallLlm)
	require.True(t, ok, "expected CallLlm, got %T", next)
	require.Len(t, call.Tools, 1)
	assert.Equal(t, "echo", call.Tools[0].Name)
}

func TestResolveTools_RespectsAgentToolConfig(t *testing.T) {
	agent := &agentreg.Agent{Tools: map[string]bool{"echo": false, "*": true}}
	e, _ := testEngine(t, agent, middleware.NewPipeline())
	e.Tools.Register(echoTool(false))

	infos, err := e.resolveTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestStepAfterLlm_CompletesAndPrunes(t *testing.T) {
	e, _ := testEngine(t, &agentreg.Agent{}, middleware.NewPipeline())
	e.Config.PruneByteThreshold = 10
	e.Config.PruneKeepRecent = 1

	bigToolMsg := &schema.Message{Role: schema.Tool, Content: "0123456789-this-is-a-long-tool-result"}
	tc := TurnContext{
		SessionID: domain.NewPublicID(),
		Messages:  []*schema.Message{bigToolMsg, {Role: schema.User, Content: "go on"}},
	}
	resp := &schema.Message{Role: schema.Assistant, Content: "all done"}

	next, err := e.Step(context.Background(), AfterLlm{Context: tc, Response: resp})
	require.NoError(t, err)

	complete, ok := next.(Complete)
	require.True(t, ok, "expected Complete, got %T", next)
	assert.Equal(t, 1, complete.Context.Stats.Steps)
	assert.Contains(t, complete.Context.Messages[0].Content, "[pruned:")
	assert.Equal(t, "go on", complete.Context.Messages[1].Content)
}

func TestStepAfterLlm_TruncatedResponseStops(t *testing.T) {
	e, _ := testEngine(t, &agentreg.Agent{}, middleware.NewPipeline())

	tc := TurnContext{SessionID: domain.NewPublicID()}
	resp := &schema.Message{Role: schema.Assistant, Content: "cut off"}

	next, err := e.Step(context.Background(), AfterLlm{Context: tc, Response: resp, FinishReason: "length"})
	require.NoError(t, err)

	stopped, ok := next.(Stopped)
	require.True(t, ok, "expected Stopped, got %T", next)
	assert.Equal(t, domain.StopTypeOther, stopped.StopType)
}

func TestStepAfterLlm_WithToolCallsGoesToProcessing(t *testing.T) {
	e, _ := testEngine(t, &agentreg.Agent{}, middleware.NewPipeline())

	tc := TurnContext{SessionID: domain.NewPublicID()}
	resp := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{ID: "call1", Function: schema.FunctionCall{Name: "echo", Arguments: `{"text":"hi"}`}},
		},
	}

	next, err := e.Step(context.Background(), AfterLlm{Context: tc, Response: resp})
	require.NoError(t, err)

	proc, ok := next.(ProcessingToolCalls)
	require.True(t, ok, "expected ProcessingToolCalls, got %T", next)
	assert.Len(t, proc.RemainingCalls, 1)
	assert.Equal(t, 1, proc.Context.Stats.Steps)
}

func TestStepBeforeLlmCall_StopEmitsMiddlewareStoppedEvent(t *testing.T) {
	pipeline := middleware.NewPipeline(middleware.MaxSteps{Limit: 0})
	e, _ := testEngine(t, &agentreg.Agent{Tools: map[string]bool{"*": true}}, pipeline)

	var captured []domain.AgentEvent
	unsub := e.Sink.Subscribe(func(ev domain.AgentEvent) { captured = append(captured, ev) })
	defer unsub()

	sessionID := domain.NewPublicID()
	_, err := e.Step(context.Background(), BeforeLlmCall{Context: TurnContext{SessionID: sessionID}})
	require.NoError(t, err)

	require.Len(t, captured, 1)
	assert.Equal(t, domain.EventMiddlewareStopped, captured[0].Kind)
	data, ok := captured[0].Payload.(domain.MiddlewareStoppedData)
	require.True(t, ok)
	assert.Equal(t, domain.StopTypeStepLimit, data.StopType)
	assert.NotZero(t, captured[0].Seq, "middleware_stopped is durable and must be journaled")
}

func TestStepAfterLlm_MiddlewareStop(t *testing.T) {
	pipeline := middleware.NewPipeline(&middleware.DuplicateToolCall{})
	e, _ := testEngine(t, &agentreg.Agent{}, pipeline)

	sessionID := domain.NewPublicID()
	resp := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{ID: "c1", Function: schema.FunctionCall{Name: "bash", Arguments: `{"cmd":"ls"}`}},
		},
	}
	tc := TurnContext{SessionID: sessionID}

	// First pass establishes the signature; duplicate-detection only fires
	// from the second identical turn onward.
	_, err := e.Step(context.Background(), AfterLlm{Context: tc, Response: resp})
	require.NoError(t, err)

	next, err := e.Step(context.Background(), AfterLlm{Context: tc, Response: resp})
	require.NoError(t, err)

	stopped, ok := next.(Stopped)
	require.True(t, ok, "expected Stopped on repeat, got %T", next)
	assert.Equal(t, domain.StopTypeOther, stopped.StopType)
}
