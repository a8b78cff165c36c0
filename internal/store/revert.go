package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// PushRevertState stacks a new revert frame for a session. At most one
// stack is meant to be "active" at a time per spec.md §3, but the table
// keeps the full stack (stack_order) so PopRevertState can unwind nested
// undos before a prompt clears it.
func (s *Store) PushRevertState(ctx context.Context, rs *domain.RevertState) error {
	if rs.PublicID == "" {
		rs.PublicID = domain.NewPublicID()
	}
	if rs.CreatedAt == 0 {
		rs.CreatedAt = time.Now().UnixMilli()
	}

	sessInternalID, err := s.internalSessionID(ctx, rs.SessionID)
	if err != nil {
		return err
	}
	var messageInternalID int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM messages WHERE public_id = ?`, string(rs.MessageID))
	if err := row.Scan(&messageInternalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: resolve revert frontier message: %w", err)
	}

	var top int
	row = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(stack_order), -1) FROM revert_states WHERE session_id = ?`, sessInternalID)
	if err := row.Scan(&top); err != nil {
		return fmt.Errorf("store: read revert stack top: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO revert_states (public_id, session_id, message_id, snapshot_id, backend_id, created_at, stack_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rs.PublicID), sessInternalID, messageInternalID, rs.SnapshotID, rs.BackendID, rs.CreatedAt, top+1)
	if err != nil {
		return fmt.Errorf("store: push revert state: %w", err)
	}
	return nil
}

// PeekRevertState returns the top of the revert stack for sessionID
// without removing it, or ErrNotFound if the stack is empty.
func (s *Store) PeekRevertState(ctx context.Context, sessionID domain.PublicID) (*domain.RevertState, error) {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var publicID, messagePublicID, snapshotID, backendID string
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT r.public_id, m.public_id, r.snapshot_id, r.backend_id, r.created_at
		FROM revert_states r JOIN messages m ON m.id = r.message_id
		WHERE r.session_id = ?
		ORDER BY r.stack_order DESC LIMIT 1`, sessInternalID)
	if err := row.Scan(&publicID, &messagePublicID, &snapshotID, &backendID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: peek revert state: %w", err)
	}

	return &domain.RevertState{
		PublicID:  domain.PublicID(publicID),
		SessionID: sessionID,
		MessageID: domain.PublicID(messagePublicID),
		SnapshotID: snapshotID,
		BackendID: backendID,
		CreatedAt: createdAt,
	}, nil
}

// PopRevertState removes the top of the revert stack for sessionID.
func (s *Store) PopRevertState(ctx context.Context, sessionID domain.PublicID) error {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM revert_states WHERE id = (
			SELECT id FROM revert_states WHERE session_id = ? ORDER BY stack_order DESC LIMIT 1
		)`, sessInternalID)
	if err != nil {
		return fmt.Errorf("store: pop revert state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRevertStates drops the entire revert stack for sessionID. Called
// when a new prompt is submitted (cleanup_revert_on_prompt).
func (s *Store) ClearRevertStates(ctx context.Context, sessionID domain.PublicID) error {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM revert_states WHERE session_id = ?`, sessInternalID)
	if err != nil {
		return fmt.Errorf("store: clear revert states: %w", err)
	}
	return nil
}

// DeleteMessagesFrom removes every message in sessionID created at or
// after frontier's created_at (inclusive), used by
// cleanup_revert_on_prompt to prune the frontier forward. Cascades to
// message_parts via ON DELETE CASCADE.
func (s *Store) DeleteMessagesFrom(ctx context.Context, sessionID domain.PublicID, frontier domain.PublicID) error {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	var frontierCreatedAt int64
	row := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE public_id = ?`, string(frontier))
	if err := row.Scan(&frontierCreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: resolve frontier message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND created_at >= ?`,
		sessInternalID, frontierCreatedAt)
	if err != nil {
		return fmt.Errorf("store: delete messages from frontier: %w", err)
	}
	return nil
}
