// Command mirrorctl drives a window/worker pair whose reactive stores mirror
// each other, and the tab broadcast channel between windows.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/mirror/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mirrorctl: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
