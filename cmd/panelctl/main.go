package main

import (
	"os"

	"github.com/zomboidtools/panelctl/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cmd := cli.NewRootCmd(version, commit)
	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
