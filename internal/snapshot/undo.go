package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/logging"
	"github.com/querymt/qmt/internal/store"
)

// HistoryProvider is the slice of the session store the undo/redo
// algorithm needs: message history, child-session traversal for
// delegation-originated sessions, and the revert state stack.
type HistoryProvider interface {
	LoadMessages(ctx context.Context, sessionID domain.PublicID) ([]domain.Message, error)
	ListChildSessions(ctx context.Context, sessionID domain.PublicID) ([]domain.PublicID, error)
	PushRevertState(ctx context.Context, rs *domain.RevertState) error
	PeekRevertState(ctx context.Context, sessionID domain.PublicID) (*domain.RevertState, error)
	PopRevertState(ctx context.Context, sessionID domain.PublicID) error
	ClearRevertStates(ctx context.Context, sessionID domain.PublicID) error
	DeleteMessagesFrom(ctx context.Context, sessionID domain.PublicID, frontier domain.PublicID) error
}

// UndoResult reports the files reverted by Undo.
type UndoResult struct {
	RevertedFiles []string
	MessageID     domain.PublicID
}

// RedoResult reports whether Redo restored a prior undo.
type RedoResult struct {
	Restored bool
}

var _ HistoryProvider = (*store.Store)(nil)

type turnPatch struct {
	turnID       string
	preSnapshot  string
	changedPaths []string
}

// Undo reverts filesystem changes made after messageID within sessionID,
// walking both the session's own history and any delegation child
// sessions for turn snapshot patches, then applies them in reverse order.
// It stacks a revert frame so a subsequent Redo can restore the pre-undo
// state.
func Undo(ctx context.Context, backend Backend, provider HistoryProvider, sessionID, messageID domain.PublicID, worktree string) (*UndoResult, error) {
	preRevertSnapshot, err := backend.Track(ctx, worktree)
	if err != nil {
		return nil, fmt.Errorf("snapshot: track pre-revert state: %w", err)
	}

	history, err := provider.LoadMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load history: %w", err)
	}
	targetIdx := -1
	for i, m := range history {
		if m.ID == messageID {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return nil, fmt.Errorf("snapshot: message %s not found in session %s", messageID, sessionID)
	}

	childSessions, err := provider.ListChildSessions(ctx, sessionID)
	if err != nil {
		childSessions = nil
	}

	var patches []turnPatch
	patches = append(patches, collectPatches(history[targetIdx+1:])...)
	for _, childID := range childSessions {
		childHistory, err := provider.LoadMessages(ctx, childID)
		if err != nil {
			continue
		}
		patches = append(patches, collectPatches(childHistory)...)
	}

	var revertedFiles []string
	for i := len(patches) - 1; i >= 0; i-- {
		p := patches[i]
		paths := make([]string, len(p.changedPaths))
		copy(paths, p.changedPaths)
		if err := backend.RestorePaths(ctx, worktree, p.preSnapshot, paths); err != nil {
			logging.Warn().Err(err).Str("turn_id", p.turnID).Msg("snapshot: failed to restore files for turn")
			continue
		}
		revertedFiles = append(revertedFiles, p.changedPaths...)
	}

	// No turn patches found anywhere: fall back to a direct diff+restore
	// against the snapshot recorded at the target message itself.
	if len(patches) == 0 {
		for _, part := range history[targetIdx].Parts {
			patch, ok := part.(domain.TurnSnapshotPatchPart)
			if !ok {
				continue
			}
			logging.Debug().Str("snapshot_id", patch.SnapshotID).Msg("snapshot: fallback restore")
			currentSnapshot, err := backend.Track(ctx, worktree)
			if err != nil {
				return nil, fmt.Errorf("snapshot: track for fallback restore: %w", err)
			}
			changed, err := backend.Diff(ctx, worktree, currentSnapshot, patch.SnapshotID)
			if err != nil {
				return nil, fmt.Errorf("snapshot: diff for fallback restore: %w", err)
			}
			if len(changed) > 0 {
				if err := backend.RestorePaths(ctx, worktree, patch.SnapshotID, changed); err != nil {
					return nil, fmt.Errorf("snapshot: fallback restore: %w", err)
				}
				revertedFiles = append(revertedFiles, changed...)
			}
			break
		}
	}

	rs := &domain.RevertState{
		SessionID:  sessionID,
		MessageID:  messageID,
		SnapshotID: preRevertSnapshot,
		BackendID:  backend.ID(),
	}
	if err := provider.PushRevertState(ctx, rs); err != nil {
		return nil, fmt.Errorf("snapshot: push revert state: %w", err)
	}

	logging.Info().Str("session_id", string(sessionID)).Int("files", len(revertedFiles)).Msg("snapshot: undo complete")
	return &UndoResult{RevertedFiles: revertedFiles, MessageID: messageID}, nil
}

// Redo restores the filesystem state captured by the most recent Undo in
// sessionID, popping that revert frame from the stack.
func Redo(ctx context.Context, backend Backend, provider HistoryProvider, sessionID domain.PublicID, worktree string) (*RedoResult, error) {
	rs, err := provider.PeekRevertState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("snapshot: nothing to redo")
		}
		return nil, fmt.Errorf("snapshot: peek revert state: %w", err)
	}

	currentSnapshot, err := backend.Track(ctx, worktree)
	if err != nil {
		return nil, fmt.Errorf("snapshot: track current state: %w", err)
	}
	changed, err := backend.Diff(ctx, worktree, currentSnapshot, rs.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: diff for redo: %w", err)
	}
	if len(changed) > 0 {
		if err := backend.RestorePaths(ctx, worktree, rs.SnapshotID, changed); err != nil {
			return nil, fmt.Errorf("snapshot: restore for redo: %w", err)
		}
	}

	if err := provider.PopRevertState(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("snapshot: pop revert state: %w", err)
	}
	return &RedoResult{Restored: true}, nil
}

// CleanupRevertOnPrompt drops any pending revert frame when a new prompt
// is submitted, pruning messages the undo frontier made stale so a fresh
// turn does not resurrect reverted history.
func CleanupRevertOnPrompt(ctx context.Context, provider HistoryProvider, sessionID domain.PublicID) error {
	rs, err := provider.PeekRevertState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("snapshot: peek revert state: %w", err)
	}

	logging.Info().Str("session_id", string(sessionID)).Str("message_id", string(rs.MessageID)).Msg("snapshot: cleaning up revert state")

	if err := provider.ClearRevertStates(ctx, sessionID); err != nil {
		return fmt.Errorf("snapshot: clear revert states: %w", err)
	}
	if err := provider.DeleteMessagesFrom(ctx, sessionID, rs.MessageID); err != nil {
		return fmt.Errorf("snapshot: delete messages from revert frontier: %w", err)
	}
	return nil
}

// collectPatches walks msgs' parts once to build turn_id->pre-snapshot
// from TurnSnapshotStart parts, then again to pair each TurnSnapshotPatch
// with the pre-snapshot its turn started from.
func collectPatches(msgs []domain.Message) []turnPatch {
	preSnapshots := make(map[string]string)
	for _, m := range msgs {
		for _, part := range m.Parts {
			if start, ok := part.(domain.TurnSnapshotStartPart); ok {
				preSnapshots[start.TurnID] = start.SnapshotID
			}
		}
	}

	var patches []turnPatch
	for _, m := range msgs {
		for _, part := range m.Parts {
			patch, ok := part.(domain.TurnSnapshotPatchPart)
			if !ok {
				continue
			}
			pre, ok := preSnapshots[patch.TurnID]
			if !ok {
				continue
			}
			patches = append(patches, turnPatch{turnID: patch.TurnID, preSnapshot: pre, changedPaths: patch.ChangedPaths})
		}
	}
	return patches
}
