// Command mailcored is the server entry point: it wires the Store
// façade, identifier allocator, quota accountant, push broadcaster,
// ingest pipeline, and outbound delivery engine into one running
// process. The WebDAV/JMAP query packages (internal/dav, internal/jmap)
// are not wired in.
//
// Grounded on maddy.go's BuildInfo/Run/cli.Command shape, generalized
// from its module-registry config-directive system (not carried here —
// internal/coreconfig's atomically-swapped Snapshot replaces it, per
// DESIGN.md) down to the handful of flags a single-binary server needs.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/urfave/cli/v2"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "go-build"

func buildInfo() string {
	v := version
	if v == "go-build" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return fmt.Sprintf("mailcored %s %s/%s %s", v, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func main() {
	app := &cli.App{
		Name:  "mailcored",
		Usage: "multi-protocol mail and groupware server",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the server",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:    "config",
						Usage:   "configuration file to use",
						EnvVars: []string{"MAILCORED_CONFIG"},
						Value:   "/etc/mailcored/mailcored.conf",
					},
					&cli.StringFlag{
						Name:  "driver",
						Usage: "store SQL driver (sqlite3, postgres, mysql)",
						Value: "sqlite3",
					},
					&cli.StringSliceFlag{
						Name:  "dsn",
						Usage: "store connection DSN fragments",
						Value: cli.NewStringSlice("file::memory:?cache=shared"),
					},
					&cli.StringFlag{
						Name:  "hostname",
						Usage: "this server's EHLO/identity hostname",
						Value: "localhost",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "enable debug logging",
					},
				},
				Action: runAction,
			},
			{
				Name:  "version",
				Usage: "print version and build metadata, then exit",
				Action: func(c *cli.Context) error {
					fmt.Println(buildInfo())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
