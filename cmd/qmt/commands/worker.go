package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/config"
	"github.com/querymt/qmt/internal/delegation"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/formatter"
	"github.com/querymt/qmt/internal/logging"
	"github.com/querymt/qmt/internal/mcp"
	"github.com/querymt/qmt/internal/mesh"
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/internal/rpc"
	"github.com/querymt/qmt/internal/sandbox"
	"github.com/querymt/qmt/internal/skills"
	"github.com/querymt/qmt/internal/snapshot"
	"github.com/querymt/qmt/internal/storage"
	"github.com/querymt/qmt/internal/store"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/internal/turn"
	"github.com/querymt/qmt/internal/watch"
	"github.com/querymt/qmt/pkg/types"
)

// Worker flags, matching spec.md §6's CLI/configuration list exactly:
// --cwd, --mode, --session-id, --supervisor-socket, --no-sandbox,
// --mesh-listen, --mesh-peer, --db-path. No additional flag selects the
// agent template to run; see pickAgentTemplate below for that rule.
var (
	workerCwd        string
	workerMode       string
	workerSessionID  string
	workerSupervisor string
	workerNoSandbox  bool
	workerMeshListen string
	workerMeshPeer   string
	workerDBPath     string
)

func registerWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&workerCwd, "cwd", "", "Session working directory (default: current directory)")
	cmd.Flags().StringVar(&workerMode, "mode", string(sandbox.ModeBuild), "Sandbox floor: build|plan|review")
	cmd.Flags().StringVar(&workerSessionID, "session-id", "", "Session to attach to (creates a new one if omitted)")
	cmd.Flags().StringVar(&workerSupervisor, "supervisor-socket", "", "Unix socket to dial for the supervisor's JSON-RPC stream (stdio if omitted)")
	cmd.Flags().BoolVar(&workerNoSandbox, "no-sandbox", false, "Disable the write-capability sandbox entirely")
	cmd.Flags().StringVar(&workerMeshListen, "mesh-listen", "", "Address to accept inbound mesh peer connections on (e.g. :7100)")
	cmd.Flags().StringVar(&workerMeshPeer, "mesh-peer", "", "Bootstrap mesh peer URL to dial (e.g. ws://host:7100/mesh)")
	cmd.Flags().StringVar(&workerDBPath, "db-path", "", "Path to the session store's SQLite database")
}

// pickAgentTemplate resolves which agent.Registry entry drives this
// worker's session. spec.md's flag list has no --agent: the worker's own
// --mode is the only signal available, and the registry already ships
// built-in "build"/"plan" templates (agentreg.BuiltInAgents) named
// exactly after the two modes a session can toggle between
// (turn.AgentModeBuild/AgentModePlan). review has no template of its
// own — it is a write-capability floor, not a tool policy — so it reuses
// "plan", the more conservative of the two, for its tool menu.
func pickAgentTemplate(registry *agentreg.Registry, mode sandbox.Mode) (*agentreg.Agent, error) {
	name := "build"
	if mode != sandbox.ModeBuild {
		name = "plan"
	}
	return registry.Get(name)
}

// appendDiscoveredSkills folds every skill found under cwd's (and $HOME's)
// .qmt/skills, .claude/skills, .agents/skills, .skills directories into the
// template's system prompt, so a session automatically picks up whatever
// skill instructions the project or user has on disk without requiring them
// to be hand-copied into agent config.
func appendDiscoveredSkills(template *agentreg.Agent, cwd string) {
	found, err := skills.Discover(cwd)
	if err != nil || len(found) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(template.Prompt)
	if template.Prompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## Available skills\n\n")
	for _, sk := range found {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n%s\n\n", sk.Name, sk.Description, sk.Instructions)
	}
	template.Prompt = b.String()
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cwd := workerCwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("qmt: resolve cwd: %w", err)
		}
		cwd = wd
	}

	mode, err := sandbox.ParseMode(workerMode)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("qmt: ensure paths: %w", err)
	}

	appConfig, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("qmt: load config: %w", err)
	}

	dbPath := workerDBPath
	if dbPath == "" {
		dbPath = filepath.Join(paths.StoragePath(), "qmt.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("qmt: create db directory: %w", err)
	}
	sessionStore, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("qmt: open session store: %w", err)
	}
	defer sessionStore.Close()

	// The journal is the durable side of the event sink; sessionStore
	// implements eventbus.Journal directly (internal/store/journal.go), so
	// every worker persists its own session's event history rather than
	// holding it only in memory the way the teacher's in-process
	// EventBus did.
	fanout := eventbus.NewFanout()
	sink := eventbus.NewSink(sessionStore, fanout)

	blobs := storage.New(paths.StoragePath())
	toolRegistry := tool.DefaultRegistry(cwd, blobs)
	mcpClient, err := mcp.LoadFromConfig(ctx, appConfig, toolRegistry)
	if err != nil {
		return fmt.Errorf("qmt: load mcp servers: %w", err)
	}
	defer mcpClient.Close()
	wireFormatter(toolRegistry, formatter.NewManager(cwd, appConfig))
	checker := permission.NewChecker(sink, sessionStore)
	snap := snapshot.NewContentBackend(blobs)

	agentRegistry := agentreg.NewRegistry()
	agentRegistry.LoadFromConfig(appConfig)
	template, err := pickAgentTemplate(agentRegistry, mode)
	if err != nil {
		return fmt.Errorf("qmt: resolve agent template: %w", err)
	}
	appendDiscoveredSkills(template, cwd)

	// The orchestrator's AgentResolver is agentRegistry itself: Handle
	// lookups are late-bound, so it is safe to build this before the
	// template's own handle is attached below.
	delegator := delegation.NewOrchestrator(sessionStore, agentRegistry, sink, delegation.DefaultConfig())

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("qmt: failed to initialize some providers")
	}
	prov, err := resolveProvider(providerReg, template)
	if err != nil {
		return fmt.Errorf("qmt: resolve provider: %w", err)
	}

	var sandboxPolicy *sandbox.Policy
	if !workerNoSandbox {
		sessionID := workerSessionID
		if sessionID == "" {
			sessionID = "new"
		}
		privateDir := filepath.Join(paths.StoragePath(), "sandbox", sessionID)
		if err := os.MkdirAll(privateDir, 0o755); err != nil {
			return fmt.Errorf("qmt: create sandbox private dir: %w", err)
		}
		sandboxPolicy = sandbox.NewPolicy(privateDir, sandbox.NewExtensionManager())
	}

	rt := agentctx.NewRuntime(template, prov, toolRegistry, checker, snap, sink, sessionStore, delegator, turn.DefaultConfig(), sandboxPolicy, mode)
	defer rt.Shutdown()

	go rt.RunRecurringScheduler(ctx, sessionStore, 30*time.Second)

	handle := agentreg.NewLocalAgentHandle(rt, fanout)
	if err := agentRegistry.SetHandle(template.Name, handle); err != nil {
		return fmt.Errorf("qmt: attach agent handle: %w", err)
	}

	rpcServer := rpc.New(rpc.DefaultConfig(), agentRegistry, sink, logging.Logger)
	rpcServer.RegisterRuntime(template.Name, rt)
	checker.SetBridge(rpcServer.Bridge())

	sessionID, err := attachSession(ctx, rt, sessionStore, cwd)
	if err != nil {
		return err
	}

	if fw, err := watch.New(cwd, watcherIgnorePatterns(appConfig), sessionID, sink, logging.Logger); err != nil {
		logging.Warn().Err(err).Msg("qmt: failed to start workspace watcher")
	} else if fw != nil {
		fw.Start()
		defer fw.Stop()
	}

	var node *mesh.Node
	if workerMeshListen != "" || workerMeshPeer != "" {
		node, err = startMesh(ctx, rt, agentRegistry, template.Name)
		if err != nil {
			return err
		}
		ref, err := rt.Ref(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("qmt: resolve session ref for mesh registration: %w", err)
		}
		node.RegisterSession(sessionID, ref)
	}

	// spec.md §6: "The worker prints ready to stdout when it has
	// registered its session actor in the DHT." When no mesh is
	// configured there is no DHT registration step to wait on, so the
	// worker is ready as soon as the session actor exists.
	fmt.Println("ready")

	if workerSupervisor != "" {
		conn, err := net.Dial("unix", workerSupervisor)
		if err != nil {
			return fmt.Errorf("qmt: dial supervisor socket: %w", err)
		}
		defer conn.Close()
		return rpcServer.ServeStdio(ctx, conn, conn)
	}
	return rpcServer.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// wireFormatter installs mgr.Format as the write/edit tools' post-write
// hook, so every session's code edits run through the project's own
// formatter configuration the way the teacher's session loop did.
// SetFormatHook's parameter is an unexported function type, so this
// asserts against the concrete tool types directly rather than a locally
// declared interface — a literal func type and a named one with the same
// underlying signature do not satisfy the same interface, only a direct
// call's assignability rules permit passing one for the other.
func wireFormatter(registry *tool.Registry, mgr *formatter.Manager) {
	hook := func(ctx context.Context, path string) error {
		_, err := mgr.Format(ctx, path)
		return err
	}
	if t, ok := registry.Get("write"); ok {
		if w, ok := t.(*tool.WriteTool); ok {
			w.SetFormatHook(hook)
		}
	}
	if t, ok := registry.Get("edit"); ok {
		if e, ok := t.(*tool.EditTool); ok {
			e.SetFormatHook(hook)
		}
	}
}

// watcherIgnorePatterns combines the always-ignored VCS/dependency
// directories with whatever the project's config.Watcher.Ignore adds, so a
// session's own tool writes and routine VCS churn don't flood the
// workspace_file_changed event stream.
func watcherIgnorePatterns(appConfig *types.Config) []string {
	patterns := []string{".git/**", "node_modules/**", ".qmt/**"}
	if appConfig != nil && appConfig.Watcher != nil {
		patterns = append(patterns, appConfig.Watcher.Ignore...)
	}
	return patterns
}

// resolveProvider picks the single provider.Provider backend this
// worker's turn.Engine calls: the template agent's own Model override if
// it names one, else the registry's configured default.
func resolveProvider(reg *provider.Registry, template *agentreg.Agent) (provider.Provider, error) {
	if reg == nil {
		return nil, fmt.Errorf("no providers configured")
	}
	if template.Model != nil && template.Model.ProviderID != "" {
		return reg.Get(template.Model.ProviderID)
	}
	model, err := reg.DefaultModel()
	if err != nil {
		return nil, err
	}
	return reg.Get(model.ProviderID)
}

// attachSession resolves the session this worker drives: the row named
// by --session-id if given, else a freshly created one rooted at cwd.
func attachSession(ctx context.Context, rt *agentctx.Runtime, sessionStore *store.Store, cwd string) (domain.PublicID, error) {
	if workerSessionID != "" {
		id := domain.PublicID(workerSessionID)
		if _, err := sessionStore.GetSession(ctx, id); err != nil {
			return "", fmt.Errorf("qmt: session %s: %w", workerSessionID, err)
		}
		// Force the actor to start now rather than lazily on first Ref/
		// Prompt, so mesh registration (if any) has something to point at
		// immediately.
		if _, err := rt.Ref(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	return rt.NewSession(ctx, agentreg.NewSessionOptions{WorkDir: cwd, Origin: domain.ForkOriginUser})
}

// startMesh brings up this worker's mesh.Node: an inbound listener if
// --mesh-listen was given, a dial to --mesh-peer if given, and the
// provider_host registration that lets a remote peer route Prompt/Cancel/
// etc. calls at this worker's agent template.
func startMesh(ctx context.Context, rt *agentctx.Runtime, agentRegistry *agentreg.Registry, agentName string) (*mesh.Node, error) {
	peerID := workerSessionID
	if peerID == "" {
		peerID = string(domain.NewPublicID())
	}
	hostname, _ := os.Hostname()
	node := mesh.NewNode(peerID, hostname, logging.Logger)

	node.RegisterProviderHost(func(name string) (agentreg.LocalDispatcher, bool) {
		if name != agentName {
			return nil, false
		}
		return rt, true
	})

	if workerMeshListen != "" {
		router := chi.NewRouter()
		router.Get("/mesh", func(w http.ResponseWriter, r *http.Request) {
			if err := node.Upgrade(w, r); err != nil {
				logging.Warn().Err(err).Msg("qmt: mesh upgrade failed")
			}
		})
		srv := &http.Server{Addr: workerMeshListen, Handler: router}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error().Err(err).Msg("qmt: mesh listener stopped")
			}
		}()
	}

	if workerMeshPeer != "" {
		if err := node.Dial(ctx, workerMeshPeer); err != nil {
			return nil, fmt.Errorf("qmt: dial mesh peer: %w", err)
		}
	}

	go node.RunHeartbeat(ctx)
	return node, nil
}
