package delegation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
)

// run drives one accepted delegation from Requested to a terminal status.
// It owns sem's slot for the lifetime of the delegation and releases it on
// every exit path.
func (o *Orchestrator) run(ctx context.Context, sem *semaphore.Weighted, d *domain.Delegation) {
	defer sem.Release(1)
	defer func() {
		o.mu.Lock()
		delete(o.cancl, d.ID)
		o.mu.Unlock()
	}()

	handle, err := o.agents.Handle(d.TargetAgentID)
	if err != nil {
		o.fail(ctx, d, "agent handle unavailable: "+err.Error())
		return
	}

	if err := o.store.UpdateDelegationStatus(ctx, d.ID, domain.DelegationStatusRunning, nil, nil, nil); err != nil {
		o.fail(ctx, d, "mark running: "+err.Error())
		return
	}

	childID, err := handle.NewSession(ctx, agentreg.NewSessionOptions{
		ParentSessionID: d.SessionID,
		Origin:          domain.ForkOriginDelegation,
	})
	if err != nil {
		o.fail(ctx, d, "fork child session: "+err.Error())
		return
	}

	outcome := o.awaitChild(ctx, handle, childID, d)

	if outcome.err != nil {
		if errors.Is(outcome.err, context.Canceled) {
			// ctx is already cancelled here; record the outcome on a fresh one.
			bg := context.Background()
			_ = o.store.UpdateDelegationStatus(bg, d.ID, domain.DelegationStatusCancelled, &childID, nil, nil)
			o.reportCompletion(bg, d, domain.DelegationStatusCancelled)
			return
		}
		o.fail(ctx, d, outcome.err.Error())
		return
	}

	if verr := verify(d.Verification, outcome.result); verr != nil {
		o.fail(ctx, d, "verification failed: "+verr.Error())
		return
	}

	result := outcome.result
	if err := o.store.UpdateDelegationStatus(ctx, d.ID, domain.DelegationStatusComplete, &childID, &result, nil); err != nil {
		o.fail(ctx, d, "record completion: "+err.Error())
		return
	}
	o.reportCompletion(ctx, d, domain.DelegationStatusComplete)
}

type childOutcome struct {
	result string
	err    error
}

// awaitChild subscribes to the child session before prompting it, so the
// completion that Prompt's fire-and-forget turn produces can never be
// missed between session creation and subscription.
func (o *Orchestrator) awaitChild(ctx context.Context, handle agentreg.AgentHandle, childID domain.PublicID, d *domain.Delegation) childOutcome {
	done := make(chan childOutcome, 1)
	var once sync.Once
	resolve := func(o childOutcome) {
		once.Do(func() { done <- o })
	}

	unsub := handle.EventBus().SubscribeSession(childID, func(ev domain.AgentEvent) {
		switch data := ev.Payload.(type) {
		case domain.AssistantMessageStoredData:
			if data.Final {
				resolve(childOutcome{result: data.Content})
			}
		case domain.MiddlewareStoppedData:
			resolve(childOutcome{err: errStopped(data)})
		}
	})
	defer unsub()

	prompt := buildPrompt(d)
	if err := handle.Prompt(ctx, childID, agentreg.PromptInput{Text: prompt}); err != nil {
		return childOutcome{err: err}
	}

	timer := time.NewTimer(o.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		return outcome
	case <-timer.C:
		o.cancelChild(handle, childID)
		return childOutcome{err: errTimeout}
	case <-ctx.Done():
		o.cancelChild(handle, childID)
		return childOutcome{err: ctx.Err()}
	}
}

func (o *Orchestrator) cancelChild(handle agentreg.AgentHandle, childID domain.PublicID) {
	grace, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
	defer cancel()
	_ = handle.Cancel(grace, childID)
}

func buildPrompt(d *domain.Delegation) string {
	p := d.Objective
	if d.Context != "" {
		p += "\n\nContext:\n" + d.Context
	}
	if d.Constraints != "" {
		p += "\n\nConstraints:\n" + d.Constraints
	}
	if d.ExpectedOutput != "" {
		p += "\n\nExpected output:\n" + d.ExpectedOutput
	}
	return p
}

func (o *Orchestrator) fail(ctx context.Context, d *domain.Delegation, reason string) {
	_, _ = o.store.IncrementDelegationRetry(ctx, d.ID)
	_ = o.store.UpdateDelegationStatus(ctx, d.ID, domain.DelegationStatusFailed, nil, nil, &reason)
	o.reportCompletion(ctx, d, domain.DelegationStatusFailed)
}

// reportCompletion emits DelegationCompleted on the parent session's
// fanout so a WaitingForEvent{correlation_ids=[d.ID]} can resolve.
func (o *Orchestrator) reportCompletion(ctx context.Context, d *domain.Delegation, status domain.DelegationStatus) {
	if o.sink == nil {
		return
	}
	_, _ = o.sink.EmitDurable(ctx, domain.AgentEvent{
		SessionID: d.SessionID,
		Kind:      domain.EventDelegationCompleted,
		Payload:   domain.DelegationCompletedData{DelegationID: d.ID, Status: status},
	})
}
