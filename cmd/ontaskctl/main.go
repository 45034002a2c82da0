// Command ontaskctl inspects workflow exports and previews upload files.
package main

import (
	"fmt"
	"os"

	"github.com/ekaya-inc/ontask-engine/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := cli.NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
