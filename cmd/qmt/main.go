// Command qmt runs a single session worker: one process per mesh peer,
// driving exactly one session actor and exposing it to a supervisor over
// stdio or a Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/querymt/qmt/cmd/qmt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
