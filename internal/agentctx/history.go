package agentctx

import (
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/qmt/internal/domain"
)

// toSchemaMessages rehydrates a session's persisted message history into
// the schema.Message window the turn engine works with, so a Prompt call
// against an existing session resumes with full context rather than just
// the new text. Tool-result parts become their own Tool-role message,
// mirroring how stepProcessingToolCalls originally wrote them.
func toSchemaMessages(history []domain.Message) []*schema.Message {
	var out []*schema.Message
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			for _, part := range m.Parts {
				if text, ok := part.(domain.TextPart); ok {
					out = append(out, &schema.Message{Role: schema.User, Content: text.Content})
				}
			}
		case domain.RoleAssistant:
			msg := &schema.Message{Role: schema.Assistant}
			for _, part := range m.Parts {
				switch p := part.(type) {
				case domain.TextPart:
					msg.Content = p.Content
				case domain.ToolUsePart:
					args, _ := json.Marshal(p.Arguments)
					msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
						ID:       p.CallID,
						Function: schema.FunctionCall{Name: p.Name, Arguments: string(args)},
					})
				}
			}
			out = append(out, msg)
		case domain.RoleTool:
			for _, part := range m.Parts {
				if result, ok := part.(domain.ToolResultPart); ok {
					out = append(out, &schema.Message{
						Role:       schema.Tool,
						Content:    result.Content,
						ToolCallID: result.CallID,
					})
				}
			}
		}
	}
	return out
}
