// Package provider defines the LLM provider abstraction every concrete
// provider body (AnthropicProvider, OpenAIProvider, ArkProvider) satisfies,
// and the streaming wire contract (CompletionStream/*schema.Message) the
// turn engine consumes regardless of which body produced it.
package provider

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/pkg/types"
)

// Provider represents an LLM provider.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider, where one
	// backs the implementation (ArkProvider); bodies that talk to their
	// vendor SDK directly (AnthropicProvider, OpenAIProvider) return nil.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"topP,omitempty"`
	StopWords   []string           `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino-shaped stream reader. Every Provider body
// produces one of these regardless of whether it's backed by an Eino
// ChatModel or a vendor SDK client relayed through schema.Pipe.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}
