// Package provider provides the LLM provider abstraction layer for the qmt
// agent runtime.
//
// It implements a unified interface for different Large Language Model
// providers, built around Eino's *schema.Message/*schema.ToolInfo wire
// types as the common currency even when a provider body talks to its
// vendor SDK directly rather than through an Eino ChatModel. It supports
// multiple providers including Anthropic Claude, OpenAI GPT, and Volcengine
// ARK models.
//
// # Core Components
//
// The package is built around several key interfaces and types:
//
//   - Provider: Core interface that all LLM providers must implement
//   - Registry: Manages and coordinates multiple providers
//   - CompletionRequest/CompletionStream: Handles streaming chat completions
//
// # Supported Providers
//
// ## Anthropic (Claude)
//
// Talks to the Anthropic Messages API directly via anthropic-sdk-go.
// Supports Claude models including Claude 4 Sonnet, Claude 4 Opus, and
// Claude 3.5 series, with streaming text and tool-use content blocks
// relayed into *schema.Message chunks:
//
//	provider, err := NewAnthropicProvider(ctx, &AnthropicConfig{
//	    ID:        "anthropic",
//	    APIKey:    "sk-...",
//	    Model:     "claude-sonnet-4-20250514",
//	    MaxTokens: 8192,
//	})
//
// ## OpenAI (GPT)
//
// Talks to the Chat Completions API directly via sashabaranov/go-openai.
// Supports OpenAI models and OpenAI-compatible endpoints (BaseURL override)
// including local and self-hosted servers:
//
//	provider, err := NewOpenAIProvider(ctx, &OpenAIConfig{
//	    ID:        "openai",
//	    APIKey:    "sk-...",
//	    Model:     "gpt-4o",
//	    MaxTokens: 4096,
//	})
//
// ## Volcengine ARK
//
// Supports Volcengine's ARK platform for accessing Chinese language models,
// still backed by an Eino ChatModel since no standalone Go SDK for ARK
// appears anywhere in this module's dependency set:
//
//	provider, err := NewArkProvider(ctx, &ArkConfig{
//	    APIKey:    "...",
//	    Model:     "endpoint-id",
//	    MaxTokens: 4096,
//	})
//
// # Registry Usage
//
// The Registry manages all configured providers and provides unified access:
//
//	registry := NewRegistry(config)
//
//	// Get a specific provider
//	provider, err := registry.Get("anthropic")
//
//	// Get a specific model
//	model, err := registry.GetModel("anthropic", "claude-sonnet-4-20250514")
//
//	// Get default model based on configuration
//	model, err := registry.DefaultModel()
//
//	// List all available models across providers
//	models := registry.AllModels()
//
// # Configuration
//
// Providers can be configured through:
//
//  1. Configuration file with provider sections
//  2. Environment variables (auto-discovery)
//  3. Programmatic registration
//
// Configuration supports npm package mapping inherited from the config
// schema this module's worker reads:
//
//	[provider.anthropic]
//	npm = "@ai-sdk/anthropic"
//	model = "claude-sonnet-4-20250514"
//	[provider.anthropic.options]
//	apiKey = "sk-..."
//
// # Streaming Completions
//
// All providers support streaming chat completions through a unified
// interface, regardless of whether the body underneath is an Eino
// ChatModel or a vendor SDK relayed through schema.Pipe:
//
//	stream, err := provider.CreateCompletion(ctx, &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    Messages:  messages,
//	    Tools:     tools,
//	    MaxTokens: 4096,
//	})
//
//	for {
//	    msg, err := stream.Recv()
//	    if err != nil {
//	        break
//	    }
//	    // Process message chunk
//	}
//	stream.Close()
//
// # Tool Calling
//
// Tool definitions are passed on CompletionRequest.Tools as *schema.ToolInfo
// values and translated to each vendor's wire shape inside that provider's
// CreateCompletion (see convertAnthropicTools, convertOpenAITools). Argument
// shape is not validated at this layer; internal/tool's own registry
// validates a tool call's arguments once the model returns one.
//
// # Error Handling
//
// The package uses Go's standard error handling patterns. Common error scenarios:
//   - Missing API keys or credentials
//   - Invalid model configurations
//   - Network connectivity issues
//   - Provider-specific API errors
//
// Most functions return meaningful error messages that can be used for debugging
// and user feedback.
package provider
