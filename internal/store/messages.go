package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// AppendMessage inserts msg and its parts in one transaction. Messages
// are immutable once stored: there is no UpdateMessage.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = domain.NewPublicID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	sessInternalID, err := s.internalSessionID(ctx, msg.SessionID)
	if err != nil {
		return err
	}

	var parentInternalID sql.NullInt64
	if msg.ParentMessageID != nil {
		row := s.db.QueryRowContext(ctx, `SELECT id FROM messages WHERE public_id = ?`, string(*msg.ParentMessageID))
		var id int64
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: resolve parent message: %w", err)
		}
		parentInternalID = sql.NullInt64{Int64: id, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (public_id, session_id, role, parent_message_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(msg.ID), sessInternalID, string(msg.Role), nullInt64(parentInternalID), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	messageInternalID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: message id: %w", err)
	}

	for i, part := range msg.Parts {
		contentBytes, err := domain.MarshalPart(part)
		if err != nil {
			return fmt.Errorf("store: marshal part %d: %w", i, err)
		}
		contentJSON := string(contentBytes)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_parts (message_id, part_type, content_json, sort_order)
			VALUES (?, ?, ?, ?)`, messageInternalID, string(part.Type()), contentJSON, i); err != nil {
			return fmt.Errorf("store: insert part %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadMessages returns every message for sessionID in creation order,
// each with its parts decoded back into domain.Part values.
func (s *Store) LoadMessages(ctx context.Context, sessionID domain.PublicID) ([]domain.Message, error) {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.public_id, m.role, p.public_id, m.created_at
		FROM messages m
		LEFT JOIN messages p ON p.id = m.parent_message_id
		WHERE m.session_id = ?
		ORDER BY m.created_at, m.id`, sessInternalID)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		internalID int64
		msg        domain.Message
	}
	var ordered []row
	for rows.Next() {
		var r row
		var parentPublicID sql.NullString
		if err := rows.Scan(&r.internalID, &r.msg.ID, &r.msg.Role, &parentPublicID, &r.msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if parentPublicID.Valid {
			pid := domain.PublicID(parentPublicID.String)
			r.msg.ParentMessageID = &pid
		}
		r.msg.SessionID = sessionID
		ordered = append(ordered, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Message, len(ordered))
	for i, r := range ordered {
		parts, err := s.loadParts(ctx, r.internalID)
		if err != nil {
			return nil, err
		}
		r.msg.Parts = parts
		out[i] = r.msg
	}
	return out, nil
}

func (s *Store) loadParts(ctx context.Context, messageInternalID int64) ([]domain.Part, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_json FROM message_parts
		WHERE message_id = ? ORDER BY sort_order`, messageInternalID)
	if err != nil {
		return nil, fmt.Errorf("store: load parts: %w", err)
	}
	defer rows.Close()

	var parts []domain.Part
	for rows.Next() {
		var contentJSON string
		if err := rows.Scan(&contentJSON); err != nil {
			return nil, err
		}
		part, err := domain.UnmarshalPart([]byte(contentJSON))
		if err != nil {
			return nil, fmt.Errorf("store: unmarshal part: %w", err)
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}
