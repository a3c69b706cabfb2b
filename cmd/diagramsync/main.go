// diagramsync - live sync client for the diagram editor's broker
//
// Keeps a diagram in step with the server over STOMP:
// 1. Publishes versioned local saves and recognizes their echo
// 2. Debounces foreign updates and merges only newer versions
// 3. Journals every save locally (see "diagramsync journal")
package main

import (
	"fmt"
	"os"

	"github.com/roach88/diagramsync/internal/cli"
)

// Version information (set at build time)
var version = "dev"

func main() {
	root := cli.NewRootCommand()
	root.Version = version

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cli.GetExitCode(err))
}
