package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }

// Journal adapts Store to eventbus.Journal: events are appended with a
// per-session seq that SQLite's AUTOINCREMENT does not give us directly
// (AUTOINCREMENT is global to the table), so seq is computed explicitly
// inside a transaction to keep invariant 1 (strictly increasing per
// journal, i.e. per session).
var _ eventbus.Journal = (*Store)(nil)

func (s *Store) Append(ctx context.Context, ev domain.AgentEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin append event: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, string(ev.SessionID))
	if err := row.Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("store: read last seq: %w", err)
	}
	seq := lastSeq + 1

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	payloadJSON, err := marshalJSON(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event payload: %w", err)
	}

	// seq is an explicit column value here, not the table's own
	// AUTOINCREMENT rowid, since AUTOINCREMENT counts across all
	// sessions; see the seq-per-session comment above.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq, timestamp, session_id, kind, origin, source_node, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq, ev.Timestamp, string(ev.SessionID), string(ev.Kind), string(ev.Origin), ev.SourceNode, payloadJSON); err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit append event: %w", err)
	}
	return seq, nil
}

func (s *Store) Replay(ctx context.Context, sessionID domain.PublicID, afterSeq int64) ([]domain.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, kind, origin, source_node, payload_json
		FROM events WHERE session_id = ? AND seq > ?
		ORDER BY seq`, string(sessionID), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("store: replay events: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentEvent
	for rows.Next() {
		var seq int64
		var timestamp int64
		var kind, origin string
		var sourceNode *string
		var payloadJSON string
		if err := rows.Scan(&seq, &timestamp, &kind, &origin, &sourceNode, &payloadJSON); err != nil {
			return nil, err
		}

		envelope, err := marshalJSON(map[string]any{
			"seq": seq, "timestamp": timestamp, "sessionID": string(sessionID),
			"origin": origin, "sourceNode": sourceNode, "kind": kind,
			"payload": rawJSON(payloadJSON),
		})
		if err != nil {
			return nil, err
		}

		var ev domain.AgentEvent
		if err := ev.UnmarshalJSON([]byte(envelope)); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
