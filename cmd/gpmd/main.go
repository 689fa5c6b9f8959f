package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"

	"github.com/ikaganacar1/gpm/cmd/gpmd/command"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	app := command.App(version)
	// Keep cli from calling os.Exit on exit-coder errors (e.g. an
	// unknown command), so every failure is reported through the
	// return value.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	if err := app.Run(args); err != nil {
		fmt.Fprintf(stderr, "gpmd: %s\n", err)
		return 1
	}
	return 0
}
