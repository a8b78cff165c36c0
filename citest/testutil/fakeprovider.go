// Package testutil composes the in-process collaborators
// cmd/qmt/commands/worker.go wires together (store, event sink, tool
// registry, permission checker, snapshot backend, agent registry, turn
// engine) behind a FakeProvider standing in for a real LLM backend, so
// the citest/e2e suite can drive a full session turn deterministically.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/pkg/types"
)

// ToolCallScript describes one tool call a ScriptedResponse asks the
// engine to make.
type ToolCallScript struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ScriptedResponse is one assistant turn: text content, optionally paired
// with tool calls the turn engine will then dispatch and feed back. Gate,
// if set, is read from before the response is sent — a scenario asserting
// mid-turn cancellation closes it once CallCount confirms the provider
// call has started, after issuing the cancel.
type ScriptedResponse struct {
	Content   string
	ToolCalls []ToolCallScript
	Gate      <-chan struct{}
	// PromptTokens/CompletionTokens, if either is nonzero, are attached to
	// the completion chunk as schema.ResponseMeta.Usage — the signal
	// internal/turn/engine.go's stepAfterLlm reads to grow
	// Stats.ContextTokens, needed to drive auto-compaction scenarios
	// deterministically without a real token counter.
	PromptTokens     int
	CompletionTokens int
}

// FakeProvider implements provider.Provider by matching the latest user
// message against a keyword table, mirroring the substring-keyed
// MockLLMServer the provider package's own Ark tests use
// (internal/provider/mock_provider_test.go) but at the Go-API level: a
// citest/e2e scenario drives internal/rpc directly, so there is no HTTP
// transport for a mock server to sit behind.
type FakeProvider struct {
	mu sync.Mutex

	id     string
	name   string
	models []types.Model

	responses map[string]ScriptedResponse
	fallback  ScriptedResponse

	calls    int
	requests []*provider.CompletionRequest
}

// NewFakeProvider builds a FakeProvider with a generic fallback response
// ("Done.", no tool calls) used whenever no keyword matches.
func NewFakeProvider(id, name string) *FakeProvider {
	return &FakeProvider{
		id:        id,
		name:      name,
		models:    []types.Model{{ID: "fake-model", Name: "Fake Model", ProviderID: id, SupportsTools: true}},
		responses: make(map[string]ScriptedResponse),
		fallback:  ScriptedResponse{Content: "Done."},
	}
}

// WithResponse registers resp for the first CreateCompletion call whose
// latest user message contains keyword (case-insensitive). Returns the
// receiver for chaining.
func (p *FakeProvider) WithResponse(keyword string, resp ScriptedResponse) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[strings.ToLower(keyword)] = resp
	return p
}

// WithFallback overrides the response used when no keyword matches.
func (p *FakeProvider) WithFallback(resp ScriptedResponse) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = resp
	return p
}

func (p *FakeProvider) ID() string             { return p.id }
func (p *FakeProvider) Name() string            { return p.name }
func (p *FakeProvider) Models() []types.Model   { return p.models }
func (p *FakeProvider) ChatModel() model.ToolCallingChatModel { return nil }

// CallCount returns how many times CreateCompletion has been invoked.
func (p *FakeProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns every CompletionRequest seen so far, in order.
func (p *FakeProvider) Requests() []*provider.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*provider.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CreateCompletion picks a scripted response by matching the last user
// message's content against the keyword table, and replays it as a
// single-chunk stream built from schema.Pipe — the same producer/consumer
// primitive the teacher's Eino-based streaming call sites use, just fed
// by this fake instead of a real model.ToolCallingChatModel.Stream call.
func (p *FakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	resp := p.match(req)
	p.mu.Unlock()

	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sr, sw := schema.Pipe[*schema.Message](1)

	msg := &schema.Message{Role: schema.Assistant, Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID: tc.ID,
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	if resp.PromptTokens != 0 || resp.CompletionTokens != 0 {
		msg.ResponseMeta = &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.CompletionTokens,
			},
		}
	}
	sw.Send(msg, nil)
	sw.Close()

	return provider.NewCompletionStream(sr), nil
}

func (p *FakeProvider) match(req *provider.CompletionRequest) ScriptedResponse {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == schema.User {
			lastUser = strings.ToLower(req.Messages[i].Content)
			break
		}
	}
	for keyword, resp := range p.responses {
		if strings.Contains(lastUser, keyword) {
			return resp
		}
	}
	return p.fallback
}

var _ provider.Provider = (*FakeProvider)(nil)
