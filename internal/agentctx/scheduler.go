package agentctx

import (
	"context"
	"time"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/logging"
)

// recurringTaskStore is the narrow slice of store.Store the scheduler
// needs, kept separate from SessionStore to avoid widening that
// interface for a concern only the scheduler uses.
type recurringTaskStore interface {
	ListRecurringTasks(ctx context.Context) ([]domain.Task, error)
}

// RunRecurringScheduler polls for due Task.kind=Recurring tasks and
// re-prompts their owning session, generalizing the original TaskWatcher's
// one-shot poll/idle loop into a repeating due-time check driven by each
// task's own cron Schedule. It blocks until ctx is cancelled; run it in a
// goroutine.
func (rt *Runtime) RunRecurringScheduler(ctx context.Context, store recurringTaskStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.scanDueTasks(ctx, store)
		}
	}
}

func (rt *Runtime) scanDueTasks(ctx context.Context, store recurringTaskStore) {
	tasks, err := store.ListRecurringTasks(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("scheduler: list recurring tasks")
		return
	}
	now := time.Now()
	for _, task := range tasks {
		if task.Status != domain.TaskStatusActive {
			continue
		}
		if !task.IsDue(now) {
			continue
		}
		if err := rt.Prompt(ctx, task.SessionID, agentreg.PromptInput{
			Text: "Recurring task due: " + task.Deliverable,
		}); err != nil {
			logging.Warn().Err(err).Str("task", string(task.ID)).Msg("scheduler: re-arm recurring task")
		}
	}
}
