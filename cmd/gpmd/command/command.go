// Package command wires gpm's urfave/cli surface (spec §1: a single
// host-resident daemon with one run mode).
package command

import (
	"github.com/urfave/cli"

	"github.com/ikaganacar1/gpm/internal/config"
)

const usage = `
# start gpmd with defaults
gpmd run

# start gpmd with an explicit config file
gpmd run --config /etc/gpm/config.toml
`

var (
	logLevel   string
	configPath string
)

// App builds the gpmd cli.App.
func App(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "gpmd"
	app.Version = version
	app.Usage = usage
	app.Description = "host-resident GPU and LLM-inference observability daemon"

	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "start the gpm daemon",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "log-level,l",
					Usage:       "log level (debug, info, warn, error)",
					Value:       "info",
					Destination: &logLevel,
				},
				cli.StringFlag{
					Name:        "config,c",
					Usage:       "path to config.toml",
					Value:       config.DefaultConfigPath(),
					Destination: &configPath,
				},
			},
			Action: cmdRun,
		},
	}

	return app
}
