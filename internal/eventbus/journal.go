package eventbus

import (
	"context"
	"sync"

	"github.com/querymt/qmt/internal/domain"
)

// Journal durably appends events and replays them in seq order. The real
// implementation (internal/store) backs this with SQLite per the
// persisted-state schema; MemJournal below is a minimal in-memory
// implementation used by tests and standalone tools that don't need
// cross-restart durability.
type Journal interface {
	// Append assigns the next seq for ev.SessionID's journal (strictly
	// increasing, per invariant 1) and persists it, returning the
	// assigned seq.
	Append(ctx context.Context, ev domain.AgentEvent) (seq int64, err error)

	// Replay returns every durable event for sessionID with seq > afterSeq,
	// in ascending seq order.
	Replay(ctx context.Context, sessionID domain.PublicID, afterSeq int64) ([]domain.AgentEvent, error)
}

// MemJournal is a process-local, non-persistent Journal. It is never used
// by the server binary (which always wires internal/store's SQLite
// journal) but is grounded on the same seq-per-session contract, making it
// a faithful stand-in for unit tests of internal/turn, internal/delegation
// and internal/agentctx that don't want a database dependency.
type MemJournal struct {
	mu      sync.Mutex
	nextSeq map[domain.PublicID]int64
	events  map[domain.PublicID][]domain.AgentEvent
}

// NewMemJournal constructs an empty in-memory Journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{
		nextSeq: make(map[domain.PublicID]int64),
		events:  make(map[domain.PublicID][]domain.AgentEvent),
	}
}

func (j *MemJournal) Append(_ context.Context, ev domain.AgentEvent) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq[ev.SessionID]++
	seq := j.nextSeq[ev.SessionID]
	ev.Seq = seq
	j.events[ev.SessionID] = append(j.events[ev.SessionID], ev)
	return seq, nil
}

func (j *MemJournal) Replay(_ context.Context, sessionID domain.PublicID, afterSeq int64) ([]domain.AgentEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	all := j.events[sessionID]
	out := make([]domain.AgentEvent, 0, len(all))
	for _, ev := range all {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}
