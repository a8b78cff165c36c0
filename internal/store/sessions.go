package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// ErrNotFound is returned when a lookup by public id finds no row.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row, minting its PublicID if unset.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.ID == "" {
		sess.ID = domain.NewPublicID()
	}
	now := time.Now().UnixMilli()
	sess.Time.Created, sess.Time.Updated = now, now

	var parentInternalID sql.NullInt64
	if sess.ParentID != nil {
		id, err := s.internalSessionID(ctx, *sess.ParentID)
		if err != nil {
			return err
		}
		parentInternalID = sql.NullInt64{Int64: id, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (public_id, name, directory, parent_id, fork_origin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), sess.Name, sess.Directory, nullInt64(parentInternalID), string(sess.ForkOrigin), now, now)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession loads a session by its PublicID.
func (s *Store) GetSession(ctx context.Context, id domain.PublicID) (*domain.Session, error) {
	var (
		name, forkOrigin, parentPublicID, activeTaskPublicID, llmConfigHash sql.NullString
		directory                                                          string
		created, updated                                                   int64
		compacting                                                         sql.NullInt64
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT s.directory, s.name, s.fork_origin, p.public_id, t.public_id, l.content_hash,
		       s.created_at, s.updated_at, s.compacting_at
		FROM sessions s
		LEFT JOIN sessions p ON p.id = s.parent_id
		LEFT JOIN tasks t ON t.id = s.active_task_id
		LEFT JOIN llm_configs l ON l.id = s.llm_config_id
		WHERE s.public_id = ?`, string(id))

	if err := row.Scan(&directory, &name, &forkOrigin, &parentPublicID, &activeTaskPublicID, &llmConfigHash,
		&created, &updated, &compacting); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}

	sess := &domain.Session{
		ID:        id,
		Directory: directory,
		Time:      domain.SessionTime{Created: created, Updated: updated},
	}
	if name.Valid {
		sess.Name = &name.String
	}
	if forkOrigin.Valid {
		sess.ForkOrigin = domain.ForkOrigin(forkOrigin.String)
	}
	if parentPublicID.Valid {
		pid := domain.PublicID(parentPublicID.String)
		sess.ParentID = &pid
	}
	if activeTaskPublicID.Valid {
		tid := domain.PublicID(activeTaskPublicID.String)
		sess.ActiveTaskID = &tid
	}
	if llmConfigHash.Valid {
		lid := domain.PublicID(llmConfigHash.String)
		sess.LLMConfigID = &lid
	}
	if compacting.Valid {
		sess.Time.Compacting = &compacting.Int64
	}
	return sess, nil
}

// UpdateSessionActiveTask sets (or clears, with taskID=nil) a session's
// active task reference, enforcing invariant 5 (Session.active_task_id
// references a task whose session_id equals this session).
func (s *Store) UpdateSessionActiveTask(ctx context.Context, sessionID domain.PublicID, taskID *domain.PublicID) error {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return err
	}

	var taskInternalID sql.NullInt64
	if taskID != nil {
		var internalID, taskSessionID int64
		row := s.db.QueryRowContext(ctx, `SELECT id, session_id FROM tasks WHERE public_id = ?`, string(*taskID))
		if err := row.Scan(&internalID, &taskSessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: lookup task: %w", err)
		}
		if taskSessionID != sessInternalID {
			return fmt.Errorf("store: task %s does not belong to session %s", *taskID, sessionID)
		}
		taskInternalID = sql.NullInt64{Int64: internalID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET active_task_id = ?, updated_at = ? WHERE id = ?`,
		nullInt64(taskInternalID), time.Now().UnixMilli(), sessInternalID)
	if err != nil {
		return fmt.Errorf("store: update active task: %w", err)
	}
	return nil
}

// ListChildSessions returns every session whose parent is sessionID,
// ordered by creation time, used by undo/redo traversal across
// delegation-originated child sessions.
func (s *Store) ListChildSessions(ctx context.Context, sessionID domain.PublicID) ([]domain.PublicID, error) {
	internalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT public_id FROM sessions WHERE parent_id = ? ORDER BY created_at`, internalID)
	if err != nil {
		return nil, fmt.Errorf("store: list child sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.PublicID
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		out = append(out, domain.PublicID(pid))
	}
	return out, rows.Err()
}

// DeleteSession removes a session; ON DELETE CASCADE drops its messages,
// tasks, delegations and revert states per spec.md §3's cascade rule.
func (s *Store) DeleteSession(ctx context.Context, id domain.PublicID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE public_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// internalSessionID resolves a PublicID to the integer primary key used
// by foreign keys throughout the schema.
func (s *Store) internalSessionID(ctx context.Context, id domain.PublicID) (int64, error) {
	var internalID int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE public_id = ?`, string(id))
	if err := row.Scan(&internalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: resolve session id: %w", err)
	}
	return internalID, nil
}

func nullInt64(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
