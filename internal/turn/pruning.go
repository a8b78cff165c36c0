package turn

import (
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// prune implements §4.1.2: on Complete, tool-result messages older than
// the most recent PruneKeepRecent messages and larger than
// PruneByteThreshold bytes are replaced with a short placeholder in the
// in-memory working window handed to the next turn. It never touches the
// durable journal or the store — those keep the full tool output forever;
// only the window rebuilt for the next LLM call shrinks.
func (e *Engine) prune(tc TurnContext) TurnContext {
	threshold := e.Config.PruneByteThreshold
	keep := e.Config.PruneKeepRecent
	if threshold <= 0 || len(tc.Messages) <= keep {
		return tc
	}

	cutoff := len(tc.Messages) - keep
	pruned := make([]*schema.Message, len(tc.Messages))
	copy(pruned, tc.Messages)

	for i := 0; i < cutoff; i++ {
		msg := pruned[i]
		if msg.Role != schema.Tool {
			continue
		}
		if len(msg.Content) <= threshold {
			continue
		}
		clone := *msg
		clone.Content = fmt.Sprintf("[pruned: %d bytes of tool output omitted from context]", len(msg.Content))
		pruned[i] = &clone
	}

	tc.Messages = pruned
	return tc
}
