// Package quorum assembles a planner agent, its delegate pool, and the
// delegation orchestrator that routes between them into a single runnable
// unit, grounded on the original implementation's AgentQuorum/
// AgentQuorumBuilder (crates/agent/src/quorum.rs): there, a builder
// collects delegate factories and a planner factory, validates required
// capabilities, wires a DelegationOrchestrator against them, and returns
// the assembled AgentQuorum. This package plays the same composition-root
// role over this module's own agentreg.Registry and delegation.Orchestrator
// rather than re-deriving a second agent runtime.
package quorum

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/delegation"
	"github.com/querymt/qmt/internal/eventbus"
)

// ErrMissingPlanner mirrors AgentQuorumError::MissingPlanner: a quorum
// cannot be built without a planner agent to drive delegation decisions.
var ErrMissingPlanner = errors.New("quorum: no planner agent configured")

// DelegateAgent pairs a delegate's registry entry with the name it was
// registered under, mirroring the original's DelegateAgent{info, agent}.
type DelegateAgent struct {
	Name  string
	Agent *agentreg.Agent
}

// AgentQuorum is the built, immutable result of an AgentQuorumBuilder: a
// planner, its delegate pool, and (if delegation is enabled) the
// orchestrator routing DelegateAgent calls between them.
type AgentQuorum struct {
	// RoundID identifies this quorum instance in logs; it has no bearing
	// on any domain.PublicID and is never persisted, so it is minted with
	// google/uuid rather than the time-ordered ulid domain IDs use.
	RoundID string

	registry     *agentreg.Registry
	orchestrator *delegation.Orchestrator
	planner      string
	delegates    []string
	cwd          string
}

// Planner returns the quorum's designated planner agent.
func (q *AgentQuorum) Planner() (*agentreg.Agent, error) {
	return q.registry.Get(q.planner)
}

// Delegates returns every delegate this quorum can route to, in the order
// they were added to the builder.
func (q *AgentQuorum) Delegates() []DelegateAgent {
	out := make([]DelegateAgent, 0, len(q.delegates))
	for _, name := range q.delegates {
		if a, err := q.registry.Get(name); err == nil {
			out = append(out, DelegateAgent{Name: name, Agent: a})
		}
	}
	return out
}

// Delegate looks up a single delegate by name.
func (q *AgentQuorum) Delegate(name string) (*agentreg.Agent, error) {
	for _, d := range q.delegates {
		if d == name {
			return q.registry.Get(name)
		}
	}
	return nil, fmt.Errorf("quorum: %q is not a delegate of this quorum", name)
}

// Orchestrator returns the delegation orchestrator backing this quorum, or
// nil if the builder was configured with delegation disabled.
func (q *AgentQuorum) Orchestrator() *delegation.Orchestrator {
	return q.orchestrator
}

// CWD returns the working directory delegate sessions should inherit.
func (q *AgentQuorum) CWD() string {
	return q.cwd
}

// AgentQuorumBuilder collects a planner, a delegate pool, and delegation
// wiring, validating required capabilities before producing an AgentQuorum —
// the same builder shape as the original's AgentQuorumBuilder, minus the
// Rust version's storage-backend bootstrapping (this module's callers
// already hold an open *store.Store by the time they reach this package).
type AgentQuorumBuilder struct {
	registry  *agentreg.Registry
	sink      *eventbus.Sink
	cwd       string
	planner   string
	delegates []string

	delegationEnabled bool
	delegationStore   delegation.Store
	delegationCfg     delegation.Config
}

// NewAgentQuorumBuilder starts a builder against an already-populated agent
// registry (built-ins plus anything loaded from config) and the session's
// event sink.
func NewAgentQuorumBuilder(registry *agentreg.Registry, sink *eventbus.Sink) *AgentQuorumBuilder {
	return &AgentQuorumBuilder{
		registry:          registry,
		sink:              sink,
		delegationEnabled: true,
		delegationCfg:     delegation.DefaultConfig(),
	}
}

// WithCWD sets the working directory delegate sessions inherit; required
// once any delegate declares a filesystem capability requirement.
func (b *AgentQuorumBuilder) WithCWD(cwd string) *AgentQuorumBuilder {
	b.cwd = cwd
	return b
}

// WithPlanner names the registry entry that plans delegation decisions.
func (b *AgentQuorumBuilder) WithPlanner(name string) *AgentQuorumBuilder {
	b.planner = name
	return b
}

// AddDelegate registers an existing registry entry as a delegate this
// quorum can route work to.
func (b *AgentQuorumBuilder) AddDelegate(name string) *AgentQuorumBuilder {
	b.delegates = append(b.delegates, name)
	return b
}

// WithDelegation toggles whether Build assembles a delegation.Orchestrator
// at all, mirroring AgentQuorumBuilder::with_delegation.
func (b *AgentQuorumBuilder) WithDelegation(enabled bool) *AgentQuorumBuilder {
	b.delegationEnabled = enabled
	return b
}

// WithDelegationStore supplies the persistence layer the orchestrator
// needs; required when delegation is enabled.
func (b *AgentQuorumBuilder) WithDelegationStore(store delegation.Store) *AgentQuorumBuilder {
	b.delegationStore = store
	return b
}

// WithDelegationConfig overrides the orchestrator's retry/admission knobs,
// mirroring the builder's with_max_parallel_delegations /
// with_wait_timeout_secs / with_cancel_grace_secs family.
func (b *AgentQuorumBuilder) WithDelegationConfig(cfg delegation.Config) *AgentQuorumBuilder {
	b.delegationCfg = cfg
	return b
}

// Build validates the planner and delegate pool and assembles the quorum,
// wiring a delegation.Orchestrator against b.registry unless delegation was
// disabled.
func (b *AgentQuorumBuilder) Build() (*AgentQuorum, error) {
	if b.planner == "" {
		return nil, ErrMissingPlanner
	}
	if _, err := b.registry.Get(b.planner); err != nil {
		return nil, fmt.Errorf("quorum: planner %q: %w", b.planner, err)
	}
	for _, name := range b.delegates {
		if _, err := b.registry.Get(name); err != nil {
			return nil, fmt.Errorf("quorum: delegate %q: %w", name, err)
		}
		if agent, _ := b.registry.Get(name); b.cwd == "" && hasRequiredCapability(agent, "filesystem") {
			return nil, fmt.Errorf("quorum: delegate %q requires a cwd", name)
		}
	}

	q := &AgentQuorum{
		RoundID:   uuid.NewString(),
		registry:  b.registry,
		planner:   b.planner,
		delegates: b.delegates,
		cwd:       b.cwd,
	}

	if b.delegationEnabled {
		if b.delegationStore == nil {
			return nil, errors.New("quorum: delegation enabled but no delegation store supplied")
		}
		q.orchestrator = delegation.NewOrchestrator(b.delegationStore, b.registry, b.sink, b.delegationCfg)
	}

	return q, nil
}

func hasRequiredCapability(a *agentreg.Agent, cap string) bool {
	for _, c := range a.RequiredCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}
