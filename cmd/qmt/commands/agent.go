package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/config"
	"github.com/querymt/qmt/internal/eventbus"
	"github.com/querymt/qmt/internal/quorum"
	"github.com/querymt/qmt/internal/store"
)

var (
	quorumCwd      string
	quorumPlanner  string
	quorumDelegate []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect agent registry wiring",
}

var agentQuorumCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Assemble a planner/delegate quorum from config and print its wiring",
	Long: `quorum builds an AgentQuorum the same way a worker would — loading the
agent registry from config, naming a planner and its delegate pool, and
wiring a delegation orchestrator against them — then prints what it
assembled without running any turns. Useful for checking that --planner
and --delegate names resolve and that capability requirements are met
before handing the same wiring to a live worker.`,
	RunE: runAgentQuorum,
}

func init() {
	agentQuorumCmd.Flags().StringVar(&quorumCwd, "cwd", "", "Working directory delegates with a filesystem requirement inherit")
	agentQuorumCmd.Flags().StringVar(&quorumPlanner, "planner", "build", "Registry entry that plans delegation decisions")
	agentQuorumCmd.Flags().StringSliceVar(&quorumDelegate, "delegate", []string{"plan"}, "Registry entries available as delegates (repeatable)")
	agentCmd.AddCommand(agentQuorumCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentQuorum(cmd *cobra.Command, args []string) error {
	cwd := quorumCwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("qmt: resolve cwd: %w", err)
		}
		cwd = wd
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("qmt: ensure paths: %w", err)
	}
	appConfig, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("qmt: load config: %w", err)
	}

	dbPath := filepath.Join(paths.StoragePath(), "qmt.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("qmt: create db directory: %w", err)
	}
	sessionStore, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("qmt: open session store: %w", err)
	}
	defer sessionStore.Close()

	sink := eventbus.NewSink(sessionStore, eventbus.NewFanout())

	registry := agentreg.NewRegistry()
	registry.LoadFromConfig(appConfig)

	builder := quorum.NewAgentQuorumBuilder(registry, sink).
		WithCWD(quorumCwd).
		WithPlanner(quorumPlanner).
		WithDelegationStore(sessionStore)
	for _, d := range quorumDelegate {
		builder.AddDelegate(d)
	}

	q, err := builder.Build()
	if err != nil {
		return fmt.Errorf("qmt: build quorum: %w", err)
	}

	planner, err := q.Planner()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "quorum %s\nplanner: %s (%s)\n", q.RoundID, planner.Name, planner.Description)
	for _, d := range q.Delegates() {
		fmt.Fprintf(cmd.OutOrStdout(), "delegate: %s (%s)\n", d.Name, d.Agent.Description)
	}
	if q.Orchestrator() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "delegation: enabled")
	}
	return nil
}
