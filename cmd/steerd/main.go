// Package main provides the steerd entrypoint: a steering server wrapped
// around a small built-in dynamics engine.
//
// Usage:
//
//	steerd run --config steer.yaml
//	steerd run --tracked 0-63 --pull --terminatable
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/apexsims/steer/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "steerd",
		Usage:   "Interactive steering server for molecular dynamics runs",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
