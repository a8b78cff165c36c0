package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/ssestream"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/pkg/types"
)

// AnthropicProvider talks to the real Anthropic Messages API via
// anthropic-sdk-go, translating its server-sent-event stream into the
// *schema.Message chunks internal/turn's engine already knows how to
// consume (the CompletionStream/schema.Message wire contract is shared
// across every Provider body; only the network client underneath it
// differs per provider).
type AnthropicProvider struct {
	client anthropic.Client
	models []types.Model
	config *AnthropicConfig
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewAnthropicProvider creates a new Anthropic provider backed by a real
// anthropic-sdk-go client.
func NewAnthropicProvider(ctx context.Context, config *AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		models: anthropicModels(),
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *AnthropicProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "anthropic"
}

// Name returns the human-readable provider name.
func (p *AnthropicProvider) Name() string { return "Anthropic" }

// Models returns the list of available models.
func (p *AnthropicProvider) Models() []types.Model { return p.models }

// ChatModel has no Eino-backed value: CreateCompletion drives the
// anthropic-sdk-go client directly rather than an Eino ChatModel. The
// method is kept only so AnthropicProvider still satisfies Provider.
func (p *AnthropicProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *AnthropicProvider) resolveModel(reqModel string) string {
	if reqModel != "" {
		return reqModel
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return "claude-sonnet-4-20250514"
}

func (p *AnthropicProvider) resolveMaxTokens(reqMax int) int64 {
	if reqMax > 0 {
		return int64(reqMax)
	}
	if p.config.MaxTokens > 0 {
		return int64(p.config.MaxTokens)
	}
	return 8192
}

// CreateCompletion creates a streaming completion against the Anthropic
// Messages API.
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	messages, system, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.resolveModel(req.Model)),
		Messages:  messages,
		MaxTokens: p.resolveMaxTokens(req.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	sr, sw := schema.Pipe[*schema.Message](4)
	go relayAnthropicStream(stream, sw)
	return NewCompletionStream(sr), nil
}

// relayAnthropicStream drains an Anthropic SSE stream, emitting one
// *schema.Message chunk per meaningful event and a final chunk carrying
// the accumulated tool calls and usage totals, mirroring the
// message_start/content_block_*/message_delta/message_stop event
// sequence the Messages streaming API emits.
func relayAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], sw *schema.StreamWriter[*schema.Message]) {
	defer sw.Close()

	var toolCalls []schema.ToolCall
	var currentToolID, currentToolName string
	var currentToolInput strings.Builder
	var promptTokens, completionTokens int

	flushToolCall := func() {
		if currentToolID == "" {
			return
		}
		toolCalls = append(toolCalls, schema.ToolCall{
			ID: currentToolID,
			Function: schema.FunctionCall{
				Name:      currentToolName,
				Arguments: currentToolInput.String(),
			},
		})
		currentToolID, currentToolName = "", ""
		currentToolInput.Reset()
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			promptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolID, currentToolName = toolUse.ID, toolUse.Name
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					sw.Send(&schema.Message{Role: schema.Assistant, Content: delta.Text}, nil)
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			flushToolCall()

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				completionTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				sw.Send(&schema.Message{
					Role: schema.Assistant,
					ResponseMeta: &schema.ResponseMeta{
						FinishReason: string(delta.Delta.StopReason),
					},
				}, nil)
			}

		case "message_stop":
			sw.Send(&schema.Message{
				Role:      schema.Assistant,
				ToolCalls: toolCalls,
				ResponseMeta: &schema.ResponseMeta{
					Usage: &schema.TokenUsage{
						PromptTokens:     promptTokens,
						CompletionTokens: completionTokens,
					},
				},
			}, nil)
			return
		}
	}

	if err := stream.Err(); err != nil {
		sw.Send(nil, fmt.Errorf("anthropic: stream: %w", err))
	}
}

// convertAnthropicMessages splits a schema.Message slice into the
// Anthropic-shaped message list plus a separate system prompt string,
// since the Anthropic API carries system instructions outside Messages.
func convertAnthropicMessages(messages []*schema.Message) ([]anthropic.MessageParam, string, error) {
	var system strings.Builder
	var result []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case schema.System:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)

		case schema.User:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case schema.Tool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default: // schema.Assistant
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, "", fmt.Errorf("tool call %q: %w", tc.Function.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		}
	}

	return result, system.String(), nil
}

// convertAnthropicTools converts Eino tool schemas into Anthropic's tool
// parameter shape. schema.ToolInfo's ParamsOneOf has no exported accessor
// back to a JSON-Schema map, so each tool is declared with a permissive
// object schema; the model still receives every tool's name/description
// and the engine's own JSON-Schema-validated tool registry
// (internal/tool) is what actually enforces argument shape once a call
// comes back.
func convertAnthropicTools(tools []*schema.ToolInfo) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schemaParam := anthropic.ToolInputSchemaParam{
			Properties: map[string]any{},
		}
		toolParam := anthropic.ToolUnionParamOfTool(schemaParam, t.Name)
		toolParam.OfTool.Description = anthropic.String(t.Desc)
		result = append(result, toolParam)
	}
	return result
}

// anthropicModels returns the static model catalog advertised for the
// Anthropic provider, with list prices in USD per million tokens.
// PricingTable.Cost does not read these prices; when OpenRouter's catalog
// has no matching entry it falls back to familyPricing in pricing.go.
func anthropicModels() []types.Model {
	return []types.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ProviderID: "anthropic", ContextLength: 200000, SupportsTools: true, SupportsVision: true, InputPrice: 3.0, OutputPrice: 15.0},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ProviderID: "anthropic", ContextLength: 200000, SupportsTools: true, SupportsVision: true, InputPrice: 15.0, OutputPrice: 75.0},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ProviderID: "anthropic", ContextLength: 200000, SupportsTools: true, SupportsVision: true, InputPrice: 3.0, OutputPrice: 15.0},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ProviderID: "anthropic", ContextLength: 200000, SupportsTools: true, InputPrice: 0.8, OutputPrice: 4.0},
		{ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5", ProviderID: "anthropic", ContextLength: 200000, SupportsTools: true, SupportsVision: true, InputPrice: 1.0, OutputPrice: 5.0},
	}
}
