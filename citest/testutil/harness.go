package testutil

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/delegation"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/internal/rpc"
	"github.com/querymt/qmt/internal/sandbox"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/storage"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn"
)

// Harness composes the same collaborators cmd/qmt/commands/worker.go
// wires together — durable store, event sink, tool registry, permission
// checker, snapshot backend, delegation orchestrator, agent registry,
// turn engine, JSON-RPC server — fronted by an httptest.Server instead of
// a real listener, for a citest/e2e scenario to drive with ordinary HTTP
// POSTs the way a supervisor process would. No client bridge is attached
// to the permission checker, so every permission prompt auto-grants
// (Checker.request's documented behavior with no bridge), keeping
// scenario scripts focused on the turn engine rather than permission UX.
type Harness struct {
	Server  *httptest.Server
	Store   *store.Store
	Sink    *eventbus.Sink
	Agents  *agentreg.Registry
	WorkDir string

	runtimes map[string]*agentctx.Runtime
}

// AgentSpec names one agent template this harness hosts its own Runtime
// for, backed by prov. Name must match a template already registered in
// agentreg.BuiltInAgents (e.g. "build", "plan").
type AgentSpec struct {
	Name string
	Mode sandbox.Mode
	Prov provider.Provider
	// Config overrides turn.DefaultConfig() for this agent's Runtime. Left
	// as the zero value, callers get DefaultConfig() — set explicitly to
	// exercise budget-driven behavior (e.g. a tiny MaxContextTokens to hit
	// auto-compaction deterministically).
	Config *turn.Config
}

// NewHarness builds a Harness hosting one Runtime per AgentSpec, all
// sharing one store/sink/tool registry/delegation orchestrator — the
// same single-process, multi-agent shape a worker hosting more than one
// template would have. Tests that only need one agent should pass a
// single spec.
func NewHarness(t testing.TB, specs ...AgentSpec) *Harness {
	t.Helper()
	if len(specs) == 0 {
		t.Fatal("testutil.NewHarness: at least one AgentSpec required")
	}

	workDir := t.TempDir()
	sessionStore, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { sessionStore.Close() })

	fanout := eventbus.NewFanout()
	sink := eventbus.NewSink(sessionStore, fanout)

	blobs := storage.New(t.TempDir())
	checker := permission.NewChecker(sink, sessionStore)
	snap := snapshot.NewContentBackend(blobs)

	agents := agentreg.NewRegistry()
	delegator := delegation.NewOrchestrator(sessionStore, agents, sink, delegation.DefaultConfig())

	h := &Harness{
		Store:    sessionStore,
		Sink:     sink,
		Agents:   agents,
		WorkDir:  workDir,
		runtimes: make(map[string]*agentctx.Runtime),
	}

	rpcServer := rpc.New(rpc.DefaultConfig(), agents, sink, zerolog.Nop())

	for _, spec := range specs {
		template, err := agents.Get(spec.Name)
		if err != nil {
			t.Fatalf("testutil: agent template %q: %v", spec.Name, err)
		}

		cfg := turn.DefaultConfig()
		if spec.Config != nil {
			cfg = *spec.Config
		}
		toolRegistry := tool.DefaultRegistry(workDir, blobs)
		rt := agentctx.NewRuntime(template, spec.Prov, toolRegistry, checker, snap, sink, sessionStore, delegator, cfg, nil, spec.Mode)
		t.Cleanup(rt.Shutdown)

		handle := agentreg.NewLocalAgentHandle(rt, fanout)
		if err := agents.SetHandle(template.Name, handle); err != nil {
			t.Fatalf("testutil: attach handle for %q: %v", spec.Name, err)
		}
		rpcServer.RegisterRuntime(template.Name, rt)
		h.runtimes[spec.Name] = rt
	}

	h.Server = httptest.NewServer(rpcServer.Router())
	t.Cleanup(h.Server.Close)

	return h
}

// Runtime returns the Runtime hosting agentName, or nil if this harness
// was not built with that AgentSpec.
func (h *Harness) Runtime(agentName string) *agentctx.Runtime {
	return h.runtimes[agentName]
}
