package turn

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/provider"
)

// compact implements auto-compaction (spec §4.1.3): it condenses every
// message but the most recent MinMessagesToKeep into a single
// CompactionPart, emits the CompactionStart/CompactionEnd event pair, and
// returns a TurnContext whose Messages window has the compacted span
// replaced by the summary so BeforeLlmCall can resume.
func (e *Engine) compact(ctx context.Context, tc TurnContext) (TurnContext, error) {
	keep := e.Config.PruneKeepRecent
	if keep <= 0 {
		keep = 4
	}
	if len(tc.Messages) <= keep {
		return tc, nil
	}

	if e.Sink != nil {
		if _, err := e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventCompactionStart,
			Payload:   domain.CompactionStartData{},
		}); err != nil {
			return tc, fmt.Errorf("turn: emit compaction start event: %w", err)
		}
	}

	compactEnd := len(tc.Messages) - keep
	toCompact := tc.Messages[:compactEnd]
	kept := tc.Messages[compactEnd:]

	summary, originalTokens, err := e.summarize(ctx, toCompact)
	if err != nil {
		return tc, fmt.Errorf("turn: summarize compaction span: %w", err)
	}

	compactionMsg := &domain.Message{
		SessionID: tc.SessionID,
		Role:      domain.RoleAssistant,
		Parts:     []domain.Part{domain.CompactionPart{Summary: summary, OriginalTokenCount: originalTokens}},
	}
	if e.Messages != nil {
		if err := e.Messages.AppendMessage(ctx, compactionMsg); err != nil {
			return tc, fmt.Errorf("turn: append compaction part: %w", err)
		}
	}

	if e.Sink != nil {
		if _, err := e.Sink.EmitDurable(ctx, domain.AgentEvent{
			SessionID: tc.SessionID,
			Kind:      domain.EventCompactionEnd,
			Payload:   domain.CompactionEndData{Summary: summary},
		}); err != nil {
			return tc, fmt.Errorf("turn: emit compaction end event: %w", err)
		}
	}

	summaryMsg := &schema.Message{Role: schema.Assistant, Content: "[conversation summary]\n" + summary}
	tc.Messages = append([]*schema.Message{summaryMsg}, kept...)
	tc.Stats.ContextTokens = 0
	return tc, nil
}

// summarize condenses messages into a short prose summary via the engine's
// own provider, mirroring the teacher compaction prompt's three-point
// structure (decisions, files touched, context to carry forward).
func (e *Engine) summarize(ctx context.Context, messages []*schema.Message) (string, int, error) {
	var tokenEstimate int
	var prompt strings.Builder
	prompt.WriteString("Summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n---\n\n")
	for _, msg := range messages {
		tokenEstimate += len(msg.Content) / 4
		role := "ASSISTANT"
		if msg.Role == schema.User {
			role = "USER"
		}
		prompt.WriteString(role)
		prompt.WriteString(":\n")
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n\n")
	}

	req := &provider.CompletionRequest{
		Model: e.currentModel(),
		Messages: []*schema.Message{
			{Role: schema.System, Content: "You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion."},
			{Role: schema.User, Content: prompt.String()},
		},
		MaxTokens: 2000,
	}

	stream, err := e.Provider.CreateCompletion(ctx, req)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
		summary.WriteString(msg.Content)
	}
	return summary.String(), tokenEstimate, nil
}

func (e *Engine) currentModel() string {
	if e.Agent != nil && e.Agent.Model != nil {
		return e.Agent.Model.ModelID
	}
	return ""
}
