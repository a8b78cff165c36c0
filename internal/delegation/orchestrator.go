package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/store"
)

// Store is the narrow persistence surface the orchestrator needs;
// *store.Store satisfies it, and tests can supply an in-memory stand-in.
type Store interface {
	CreateDelegation(ctx context.Context, d *domain.Delegation) error
	FindActiveDelegationByObjectiveHash(ctx context.Context, sessionID domain.PublicID, hash uint64) (*domain.Delegation, error)
	ListFailedDelegations(ctx context.Context, sessionID domain.PublicID, targetAgentID string, hash uint64) ([]*domain.Delegation, error)
	GetDelegation(ctx context.Context, id domain.PublicID) (*domain.Delegation, error)
	UpdateDelegationStatus(ctx context.Context, id domain.PublicID, status domain.DelegationStatus, childSessionID *domain.PublicID, result, failureReason *string) error
	IncrementDelegationRetry(ctx context.Context, id domain.PublicID) (int, error)
}

// AgentResolver looks a target agent's runtime handle up by name; *agentreg.Registry
// satisfies it.
type AgentResolver interface {
	Handle(name string) (agentreg.AgentHandle, error)
}

// Config tunes dedup, admission and waiting, mirroring spec.md §4.3's
// named knobs.
type Config struct {
	MaxRetries             int
	DuplicateWindow        time.Duration
	MaxParallelDelegations int64
	WaitTimeout            time.Duration
	CancelGrace            time.Duration
}

// DefaultConfig mirrors the teacher's task-tool defaults (bounded retries,
// a generous but finite wait) scaled to delegation's longer-running nature.
func DefaultConfig() Config {
	return Config{
		MaxRetries:             2,
		DuplicateWindow:        30 * time.Second,
		MaxParallelDelegations: 3,
		WaitTimeout:            10 * time.Minute,
		CancelGrace:            5 * time.Second,
	}
}

// Orchestrator manages the full lifecycle of delegations raised by every
// session it serves: dedup, per-session admission, child-session execution,
// verification, and completion reporting back onto the parent's fanout.
type Orchestrator struct {
	store  Store
	agents AgentResolver
	sink   *eventbus.Sink
	cfg    Config

	mu    sync.Mutex
	sems  map[domain.PublicID]*semaphore.Weighted
	cancl map[domain.PublicID]context.CancelFunc
}

// NewOrchestrator wires an Orchestrator against its collaborators.
func NewOrchestrator(store Store, agents AgentResolver, sink *eventbus.Sink, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:  store,
		agents: agents,
		sink:   sink,
		cfg:    cfg,
		sems:   make(map[domain.PublicID]*semaphore.Weighted),
		cancl:  make(map[domain.PublicID]context.CancelFunc),
	}
}

func (o *Orchestrator) sessionSem(sessionID domain.PublicID) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.sems[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(o.cfg.MaxParallelDelegations)
		o.sems[sessionID] = sem
	}
	return sem
}

// Enqueue implements turn.DelegationEnqueuer: it applies dedup and
// admission rules, and on acceptance persists a Requested delegation and
// starts its execution in the background, returning immediately with the
// new delegation's id.
func (o *Orchestrator) Enqueue(ctx context.Context, sessionID domain.PublicID, targetAgentID, objective string) (domain.PublicID, error) {
	hash := objectiveHash(targetAgentID, objective)

	if active, err := o.store.FindActiveDelegationByObjectiveHash(ctx, sessionID, hash); err == nil && active.TargetAgentID == targetAgentID {
		return "", newRejection(string(sessionID), RejectedDuplicateActive,
			"a delegation to %q with this objective is already %s", targetAgentID, active.Status)
	} else if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("delegation: check active dedup: %w", err)
	}

	failed, err := o.store.ListFailedDelegations(ctx, sessionID, targetAgentID, hash)
	if err != nil {
		return "", fmt.Errorf("delegation: list failed dedup: %w", err)
	}
	if len(failed) >= o.cfg.MaxRetries {
		return "", newRejection(string(sessionID), RejectedRetryBudget,
			"delegation to %q has failed %d times, exceeding max_retries=%d", targetAgentID, len(failed), o.cfg.MaxRetries)
	}
	if len(failed) > 0 && failed[0].CompletedAt != nil {
		since := time.Since(time.UnixMilli(*failed[0].CompletedAt))
		if since < o.cfg.DuplicateWindow {
			return "", newRejection(string(sessionID), RejectedDuplicateWindow,
				"delegation to %q failed %s ago, within the duplicate window", targetAgentID, since.Round(time.Second))
		}
	}

	sem := o.sessionSem(sessionID)
	if !sem.TryAcquire(1) {
		return "", newRejection(string(sessionID), RejectedAdmissionFull,
			"session already has max_parallel_delegations=%d delegations in flight", o.cfg.MaxParallelDelegations)
	}

	d := &domain.Delegation{
		SessionID:     sessionID,
		TargetAgentID: targetAgentID,
		Objective:     objective,
		ObjectiveHash: hash,
		Status:        domain.DelegationStatusRequested,
	}
	if err := o.store.CreateDelegation(ctx, d); err != nil {
		sem.Release(1)
		return "", fmt.Errorf("delegation: create: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancl[d.ID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, sem, d)

	return d.ID, nil
}

// Cancel requests early termination of an in-flight delegation: the child
// session is sent Cancel with up to cfg.CancelGrace to wind down, and the
// delegation is then recorded as Cancelled.
func (o *Orchestrator) Cancel(delegationID domain.PublicID) {
	o.mu.Lock()
	cancel, ok := o.cancl[delegationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
