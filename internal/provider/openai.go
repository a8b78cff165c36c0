package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/pkg/types"
)

// OpenAIProvider talks to the real Chat Completions API via
// sashabaranov/go-openai, translating its streaming response into the
// same *schema.Message wire contract AnthropicProvider produces.
type OpenAIProvider struct {
	client *openai.Client
	models []types.Model
	config *OpenAIConfig
}

// OpenAIConfig holds configuration for OpenAI provider.
type OpenAIConfig struct {
	// ID is the provider identifier (e.g., "openai", "qwen", "ollama")
	// If empty, defaults to "openai"
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewOpenAIProvider creates a new OpenAI provider backed by a real
// go-openai client. BaseURL lets the same client drive any
// OpenAI-compatible endpoint (local models, proxies), matching how
// registry.go's InitializeProviders wires NpmOpenAICompatible.
func NewOpenAIProvider(ctx context.Context, config *OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		models: openAIModels(),
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "openai"
}

// Name returns the human-readable provider name.
func (p *OpenAIProvider) Name() string { return "OpenAI" }

// Models returns the list of available models.
func (p *OpenAIProvider) Models() []types.Model { return p.models }

// ChatModel has no Eino-backed value: CreateCompletion drives the
// go-openai client directly. Kept only so OpenAIProvider still satisfies
// Provider.
func (p *OpenAIProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *OpenAIProvider) resolveModel(reqModel string) string {
	if reqModel != "" {
		return reqModel
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return "gpt-4o"
}

// CreateCompletion creates a streaming completion against the Chat
// Completions API.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.resolveModel(req.Model),
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   true,
		// Ask for a final usage-only chunk so Stats.CostUSD has real
		// prompt/completion counts to work from, matching the non-streaming
		// Usage block the turn engine already expects from chunk.ResponseMeta.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](4)
	go relayOpenAIStream(stream, sw)
	return NewCompletionStream(sr), nil
}

// relayOpenAIStream drains a go-openai ChatCompletionStream, accumulating
// per-index tool-call fragments (OpenAI streams tool call arguments as
// incremental JSON fragments keyed by choice index) and emitting a final
// chunk once the stream's usage-only closing response arrives.
func relayOpenAIStream(stream *openai.ChatCompletionStream, sw *schema.StreamWriter[*schema.Message]) {
	defer stream.Close()
	defer sw.Close()

	toolCalls := make(map[int]*schema.ToolCall)
	var toolOrder []int
	var finishReason string

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sw.Send(nil, fmt.Errorf("openai: stream: %w", err))
			return
		}

		if resp.Usage != nil {
			sw.Send(&schema.Message{
				Role: schema.Assistant,
				ResponseMeta: &schema.ResponseMeta{
					FinishReason: finishReason,
					Usage: &schema.TokenUsage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
					},
				},
			}, nil)
			continue
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			sw.Send(&schema.Message{Role: schema.Assistant, Content: choice.Delta.Content}, nil)
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := toolCalls[index]
			if !ok {
				call = &schema.ToolCall{}
				toolCalls[index] = call
				toolOrder = append(toolOrder, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}

	if len(toolOrder) > 0 {
		calls := make([]schema.ToolCall, 0, len(toolOrder))
		for _, idx := range toolOrder {
			calls = append(calls, *toolCalls[idx])
		}
		sw.Send(&schema.Message{Role: schema.Assistant, ToolCalls: calls}, nil)
	}
}

// convertOpenAIMessages converts Eino-shaped messages into OpenAI's chat
// message format.
func convertOpenAIMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case schema.System:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case schema.User:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case schema.Tool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			result = append(result, msg)
		}
	}
	return result
}

// convertOpenAITools converts Eino tool schemas into OpenAI's function-tool
// shape. As in anthropic.go's convertAnthropicTools, schema.ToolInfo has no
// exported accessor back to a JSON-Schema map, so each tool is declared
// with a permissive object schema; internal/tool's own registry is what
// validates argument shape once a call comes back.
func convertOpenAITools(tools []*schema.ToolInfo) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Desc,
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		})
	}
	return result
}

// openAIModels returns the list of OpenAI models.
func openAIModels() []types.Model {
	return []types.Model{
		// GPT-5 family (newest)
		{
			ID:                "gpt-5",
			Name:              "GPT-5",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        1.25,
			OutputPrice:       10.0,
		},
		{
			ID:                "gpt-5-mini",
			Name:              "GPT-5 Mini",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        0.25,
			OutputPrice:       2.0,
		},
		{
			ID:              "gpt-5-nano",
			Name:            "GPT-5 Nano",
			ProviderID:      "openai",
			ContextLength:   272000,
			MaxOutputTokens: 128000,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.05,
			OutputPrice:     0.4,
		},
		// GPT-4o family
		{
			ID:              "gpt-4o",
			Name:            "GPT-4o",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      2.5,
			OutputPrice:     10.0,
		},
		{
			ID:              "gpt-4o-mini",
			Name:            "GPT-4o Mini",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.15,
			OutputPrice:     0.6,
		},
		// O1 family
		{
			ID:                "o1",
			Name:              "O1",
			ProviderID:        "openai",
			ContextLength:     200000,
			MaxOutputTokens:   100000,
			SupportsTools:     true,
			SupportsReasoning: true,
			InputPrice:        15.0,
			OutputPrice:       60.0,
		},
		{
			ID:                "o1-mini",
			Name:              "O1 Mini",
			ProviderID:        "openai",
			ContextLength:     128000,
			MaxOutputTokens:   65536,
			SupportsTools:     true,
			SupportsReasoning: true,
			InputPrice:        1.1,
			OutputPrice:       4.4,
		},
	}
}
