package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// CreateTask inserts a new task under its session.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = domain.NewPublicID()
	}
	now := time.Now().UnixMilli()
	task.CreatedAt, task.UpdatedAt = now, now

	sessInternalID, err := s.internalSessionID(ctx, task.SessionID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (public_id, session_id, kind, status, deliverable, acceptance_criteria, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.ID), sessInternalID, string(task.Kind), string(task.Status),
		task.Deliverable, task.AcceptanceCriteria, task.Schedule, now, now)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// GetTask loads a task by PublicID.
func (s *Store) GetTask(ctx context.Context, id domain.PublicID) (*domain.Task, error) {
	var (
		sessionPublicID, kind, status, deliverable, acceptance string
		schedule                                               sql.NullString
		created, updated                                       int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT s.public_id, t.kind, t.status, t.deliverable, t.acceptance_criteria, t.schedule, t.created_at, t.updated_at
		FROM tasks t JOIN sessions s ON s.id = t.session_id
		WHERE t.public_id = ?`, string(id))
	if err := row.Scan(&sessionPublicID, &kind, &status, &deliverable, &acceptance, &schedule, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get task: %w", err)
	}

	task := &domain.Task{
		ID:                 id,
		SessionID:          domain.PublicID(sessionPublicID),
		Kind:               domain.TaskKind(kind),
		Status:             domain.TaskStatus(status),
		Deliverable:        deliverable,
		AcceptanceCriteria: acceptance,
		CreatedAt:          created,
		UpdatedAt:          updated,
	}
	if schedule.Valid {
		task.Schedule = &schedule.String
	}
	return task, nil
}

// UpdateTaskStatus transitions a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id domain.PublicID, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE public_id = ?`,
		string(status), time.Now().UnixMilli(), string(id))
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecurringTasks returns every task with kind=Recurring and a
// non-empty schedule, used by the scheduler to re-arm cron triggers on
// startup.
func (s *Store) ListRecurringTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.public_id, t.public_id, t.status, t.deliverable, t.acceptance_criteria, t.schedule, t.created_at, t.updated_at
		FROM tasks t JOIN sessions s ON s.id = t.session_id
		WHERE t.kind = ? AND t.schedule IS NOT NULL`, string(domain.TaskKindRecurring))
	if err != nil {
		return nil, fmt.Errorf("store: list recurring tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var sessionPublicID, taskPublicID, status, deliverable, acceptance string
		var schedule sql.NullString
		var created, updated int64
		if err := rows.Scan(&sessionPublicID, &taskPublicID, &status, &deliverable, &acceptance, &schedule, &created, &updated); err != nil {
			return nil, err
		}
		task := domain.Task{
			ID:                 domain.PublicID(taskPublicID),
			SessionID:          domain.PublicID(sessionPublicID),
			Kind:               domain.TaskKindRecurring,
			Status:             domain.TaskStatus(status),
			Deliverable:        deliverable,
			AcceptanceCriteria: acceptance,
			CreatedAt:          created,
			UpdatedAt:          updated,
		}
		if schedule.Valid {
			task.Schedule = &schedule.String
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
