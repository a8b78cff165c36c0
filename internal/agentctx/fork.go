package agentctx

import (
	"context"
	"fmt"

	"github.com/querymt/qmt/internal/domain"
)

// Fork branches a new session off sourceSessionID at targetMessageID: the
// new session gets its own copy of every message up to and including the
// target, the same working directory and LLM config as its parent, and a
// SessionForked event recording where it came from. It is the user-facing
// counterpart to the delegation orchestrator's own child-session creation,
// which instead starts from a delegation request rather than a message.
func (rt *Runtime) Fork(ctx context.Context, sourceSessionID, targetMessageID domain.PublicID) (domain.PublicID, error) {
	source, err := rt.store.GetSession(ctx, sourceSessionID)
	if err != nil {
		return "", fmt.Errorf("agentctx: fork: load source session: %w", err)
	}
	history, err := rt.store.LoadMessages(ctx, sourceSessionID)
	if err != nil {
		return "", fmt.Errorf("agentctx: fork: load messages: %w", err)
	}

	cut := -1
	for i, m := range history {
		if m.ID == targetMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return "", fmt.Errorf("agentctx: fork: message %s not found in session %s", targetMessageID, sourceSessionID)
	}

	child := &domain.Session{
		Directory:          source.Directory,
		ParentID:           &sourceSessionID,
		ForkOrigin:         domain.ForkOriginUser,
		ForkPointMessageID: &targetMessageID,
		LLMConfigID:        source.LLMConfigID,
	}
	if err := rt.store.CreateSession(ctx, child); err != nil {
		return "", fmt.Errorf("agentctx: fork: create child session: %w", err)
	}

	for _, m := range history[:cut+1] {
		copied := m
		copied.ID = ""
		copied.SessionID = child.ID
		copied.ParentMessageID = nil
		if err := rt.store.AppendMessage(ctx, &copied); err != nil {
			return "", fmt.Errorf("agentctx: fork: copy message: %w", err)
		}
	}

	event := domain.AgentEvent{
		SessionID: child.ID,
		Origin:    domain.EventOriginLocal,
		Kind:      domain.EventSessionForked,
		Payload: domain.SessionForkedData{
			Parent: sourceSessionID,
			Child:  child.ID,
			Origin: domain.ForkOriginUser,
		},
	}
	if _, err := rt.sink.EmitDurable(ctx, event); err != nil {
		return "", fmt.Errorf("agentctx: fork: emit session forked: %w", err)
	}

	rt.mu.Lock()
	rt.startActorLocked(child, nil)
	rt.mu.Unlock()

	return child.ID, nil
}
