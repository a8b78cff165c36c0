// Package commands provides the qmt worker's CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/querymt/qmt/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags (ambient, not named in spec.md's flag list, matching the
// teacher's own split between process-wide logging flags and the
// command's own domain flags).
var (
	printLogs bool
	logLevel  string
	logFile   bool
)

var rootCmd = &cobra.Command{
	Use:   "qmt",
	Short: "qmt worker - runs one session actor for its owning supervisor",
	Long: `qmt is the worker binary for a single session actor: one process per
mesh peer, started by a supervisor that speaks JSON-RPC to it over stdio
or a Unix socket.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	RunE: runWorker,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/qmt-YYYYMMDD-HHMMSS.log")

	registerWorkerFlags(rootCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("qmt %s (%s)\n", Version, BuildTime))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
