package tool

import (
	"context"

	"github.com/querymt/qmt/internal/storage"
)

// TodoItem is one entry in a session's task list.
type TodoItem struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`   // pending | in_progress | completed
	Priority string `json:"priority"` // high | medium | low
}

// TodoStore is the dedicated collaborator for per-session todo lists. It
// replaces a process-wide mutable map keyed by session id with explicit,
// session-scoped state backed by storage so the lifecycle (created on
// first write, gone once the session's storage namespace is gone) is
// visible rather than implicit in a package-level map.
type TodoStore struct {
	storage *storage.Storage
}

// NewTodoStore builds a TodoStore over store.
func NewTodoStore(store *storage.Storage) *TodoStore {
	return &TodoStore{storage: store}
}

// Load returns sessionID's current todo list, or an empty list if none
// has been written yet.
func (s *TodoStore) Load(ctx context.Context, sessionID string) ([]TodoItem, error) {
	var todos []TodoItem
	err := s.storage.Get(ctx, []string{"todo", sessionID}, &todos)
	if err == storage.ErrNotFound {
		return []TodoItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	return todos, nil
}

// Save replaces sessionID's todo list.
func (s *TodoStore) Save(ctx context.Context, sessionID string, todos []TodoItem) error {
	return s.storage.Put(ctx, []string{"todo", sessionID}, todos)
}
