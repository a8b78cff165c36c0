package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// CreateDelegation inserts a new delegation request.
func (s *Store) CreateDelegation(ctx context.Context, d *domain.Delegation) error {
	if d.ID == "" {
		d.ID = domain.NewPublicID()
	}
	now := time.Now().UnixMilli()
	d.CreatedAt, d.UpdatedAt = now, now

	sessInternalID, err := s.internalSessionID(ctx, d.SessionID)
	if err != nil {
		return err
	}

	var taskInternalID sql.NullInt64
	if d.TaskID != nil {
		var id int64
		row := s.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE public_id = ?`, string(*d.TaskID))
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: resolve task: %w", err)
		}
		taskInternalID = sql.NullInt64{Int64: id, Valid: true}
	}

	var verificationJSON sql.NullString
	if d.Verification != nil {
		j, err := marshalJSON(d.Verification)
		if err != nil {
			return fmt.Errorf("store: marshal verification: %w", err)
		}
		verificationJSON = sql.NullString{String: j, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (
			public_id, session_id, task_id, target_agent_id, objective, objective_hash,
			context, constraints, expected_output, verification_json, status, retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), sessInternalID, nullInt64(taskInternalID), d.TargetAgentID, d.Objective, d.ObjectiveHash,
		d.Context, d.Constraints, d.ExpectedOutput, verificationJSON, string(d.Status), d.RetryCount, now, now)
	if err != nil {
		return fmt.Errorf("store: create delegation: %w", err)
	}
	return nil
}

// FindActiveDelegationByObjectiveHash returns the most recent
// non-terminal delegation in sessionID with a matching objective hash, or
// ErrNotFound if none exists. Called before creating a new delegation to
// implement the spec's dedup-by-objective-hash admission rule.
func (s *Store) FindActiveDelegationByObjectiveHash(ctx context.Context, sessionID domain.PublicID, hash uint64) (*domain.Delegation, error) {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT public_id FROM delegations
		WHERE session_id = ? AND objective_hash = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		sessInternalID, hash, string(domain.DelegationStatusRequested), string(domain.DelegationStatusRunning))

	var publicID string
	if err := row.Scan(&publicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find delegation by hash: %w", err)
	}
	return s.GetDelegation(ctx, domain.PublicID(publicID))
}

// ListFailedDelegations returns every Failed delegation in sessionID
// matching (targetAgentID, objectiveHash), most recent first. The
// delegation orchestrator uses the count against max_retries and the head
// element's CompletedAt against duplicate_window_secs.
func (s *Store) ListFailedDelegations(ctx context.Context, sessionID domain.PublicID, targetAgentID string, hash uint64) ([]*domain.Delegation, error) {
	sessInternalID, err := s.internalSessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT public_id FROM delegations
		WHERE session_id = ? AND target_agent_id = ? AND objective_hash = ? AND status = ?
		ORDER BY created_at DESC, public_id DESC`,
		sessInternalID, targetAgentID, hash, string(domain.DelegationStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("store: list failed delegations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var publicID string
		if err := rows.Scan(&publicID); err != nil {
			return nil, fmt.Errorf("store: scan failed delegation: %w", err)
		}
		ids = append(ids, publicID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate failed delegations: %w", err)
	}

	out := make([]*domain.Delegation, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDelegation(ctx, domain.PublicID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDelegation loads a delegation by PublicID.
func (s *Store) GetDelegation(ctx context.Context, id domain.PublicID) (*domain.Delegation, error) {
	var (
		sessionPublicID, targetAgentID, objective, status string
		objectiveHash                                     uint64
		taskPublicID, context_, constraints, expected      sql.NullString
		verificationJSON, childSessionPublicID             sql.NullString
		result, failureReason                             sql.NullString
		retryCount                                         int
		created, updated                                  int64
		completedAt                                        sql.NullInt64
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT s.public_id, d.target_agent_id, d.objective, d.objective_hash, t.public_id,
		       d.context, d.constraints, d.expected_output, d.verification_json,
		       cs.public_id, d.status, d.retry_count, d.result, d.failure_reason,
		       d.created_at, d.updated_at, d.completed_at
		FROM delegations d
		JOIN sessions s ON s.id = d.session_id
		LEFT JOIN tasks t ON t.id = d.task_id
		LEFT JOIN sessions cs ON cs.id = d.child_session_id
		WHERE d.public_id = ?`, string(id))

	if err := row.Scan(&sessionPublicID, &targetAgentID, &objective, &objectiveHash, &taskPublicID,
		&context_, &constraints, &expected, &verificationJSON,
		&childSessionPublicID, &status, &retryCount, &result, &failureReason,
		&created, &updated, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get delegation: %w", err)
	}

	d := &domain.Delegation{
		ID:            id,
		SessionID:     domain.PublicID(sessionPublicID),
		TargetAgentID: targetAgentID,
		Objective:     objective,
		ObjectiveHash: objectiveHash,
		Status:        domain.DelegationStatus(status),
		RetryCount:    retryCount,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
	if taskPublicID.Valid {
		tid := domain.PublicID(taskPublicID.String)
		d.TaskID = &tid
	}
	if context_.Valid {
		d.Context = context_.String
	}
	if constraints.Valid {
		d.Constraints = constraints.String
	}
	if expected.Valid {
		d.ExpectedOutput = expected.String
	}
	if verificationJSON.Valid {
		var v domain.VerificationSpec
		if err := unmarshalJSON(verificationJSON.String, &v); err != nil {
			return nil, fmt.Errorf("store: unmarshal verification: %w", err)
		}
		d.Verification = &v
	}
	if childSessionPublicID.Valid {
		cid := domain.PublicID(childSessionPublicID.String)
		d.ChildSessionID = &cid
	}
	if result.Valid {
		d.Result = &result.String
	}
	if failureReason.Valid {
		d.FailureReason = &failureReason.String
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Int64
	}
	return d, nil
}

// UpdateDelegationStatus transitions a delegation's status, optionally
// recording its child session, result or failure reason.
func (s *Store) UpdateDelegationStatus(ctx context.Context, id domain.PublicID, status domain.DelegationStatus, childSessionID *domain.PublicID, result, failureReason *string) error {
	now := time.Now().UnixMilli()

	var childInternalID sql.NullInt64
	if childSessionID != nil {
		internalID, err := s.internalSessionID(ctx, *childSessionID)
		if err != nil {
			return err
		}
		childInternalID = sql.NullInt64{Int64: internalID, Valid: true}
	}

	var completedAt sql.NullInt64
	terminal := status == domain.DelegationStatusComplete || status == domain.DelegationStatusFailed || status == domain.DelegationStatusCancelled
	if terminal {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET status = ?, child_session_id = COALESCE(?, child_session_id),
		    result = COALESCE(?, result), failure_reason = COALESCE(?, failure_reason),
		    updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE public_id = ?`,
		string(status), nullInt64(childInternalID), result, failureReason, now, nullInt64(completedAt), string(id))
	if err != nil {
		return fmt.Errorf("store: update delegation status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementDelegationRetry bumps retry_count by one and returns the new value.
func (s *Store) IncrementDelegationRetry(ctx context.Context, id domain.PublicID) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE delegations SET retry_count = retry_count + 1, updated_at = ? WHERE public_id = ?`,
		time.Now().UnixMilli(), string(id))
	if err != nil {
		return 0, fmt.Errorf("store: increment delegation retry: %w", err)
	}
	var retryCount int
	row := s.db.QueryRowContext(ctx, `SELECT retry_count FROM delegations WHERE public_id = ?`, string(id))
	if err := row.Scan(&retryCount); err != nil {
		return 0, fmt.Errorf("store: read retry count: %w", err)
	}
	return retryCount, nil
}
