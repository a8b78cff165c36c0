package rpc

import "github.com/querymt/qmt/internal/domain"

// Update is the notification payload carried by a session/update call,
// mirroring the teacher's SDKEvent{Type, Properties} shape so the field
// ordering on the wire stays {"type": "...", "properties": {...}}.
type Update struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// TextChunk wraps a plain-text content block.
type TextChunk struct {
	Text string `json:"text"`
}

// ToolCallPayload is the Update.Properties shape for a ToolCall
// notification.
type ToolCallPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	RawInput any    `json:"rawInput,omitempty"`
}

// ToolCallUpdatePayload is the Update.Properties shape for a
// ToolCallUpdate notification.
type ToolCallUpdatePayload struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Content   []TextChunk `json:"content,omitempty"`
	RawOutput string      `json:"rawOutput,omitempty"`
}

const (
	toolStatusInProgress = "InProgress"
	toolStatusCompleted  = "Completed"
	toolStatusFailed     = "Failed"
)

// toolKind classifies a tool name into the coarse kind the client uses to
// pick an icon/label. The concrete tool ids registered in internal/tool
// (bash, edit, write, grep, glob, webfetch, ...) are narrower than the
// names spec.md's table itself enumerates (search_text, write_file,
// apply_patch, delete_file, shell, web_fetch) — there is no delete_file
// tool in this registry, so that branch is kept for forward compatibility
// with an extension tool of that name but is otherwise unreachable today.
func toolKind(name string) string {
	switch name {
	case "grep", "search_text":
		return "Search"
	case "write", "edit", "write_file", "apply_patch":
		return "Edit"
	case "delete_file":
		return "Delete"
	case "bash", "shell":
		return "Execute"
	case "webfetch", "web_fetch":
		return "Fetch"
	default:
		return "Other"
	}
}

// TranslateEvent implements the event -> notification translation table:
// it reports ok=false for event kinds that are server-internal and never
// cross the JSON-RPC boundary as a session/update notification.
func TranslateEvent(ev domain.AgentEvent) (Update, bool) {
	switch data := ev.Payload.(type) {
	case domain.PromptReceivedData:
		return Update{Type: "UserMessageChunk", Properties: TextChunk{Text: data.Content}}, true

	case domain.AssistantMessageStoredData:
		if data.Content == "" {
			return Update{}, false
		}
		return Update{Type: "AgentMessageChunk", Properties: TextChunk{Text: data.Content}}, true

	case domain.ToolCallStartData:
		return Update{
			Type: "ToolCall",
			Properties: ToolCallPayload{
				ID:     data.ToolCallID,
				Title:  "Run " + data.ToolName,
				Kind:   toolKind(data.ToolName),
				Status: toolStatusInProgress,
			},
		}, true

	case domain.ToolCallEndData:
		status := toolStatusCompleted
		if data.IsError {
			status = toolStatusFailed
		}
		return Update{
			Type: "ToolCallUpdate",
			Properties: ToolCallUpdatePayload{
				ID:        data.ToolCallID,
				Status:    status,
				Content:   []TextChunk{{Text: data.Result}},
				RawOutput: data.Result,
			},
		}, true

	default:
		return Update{}, false
	}
}
