package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/michaelansel/c3po/config"
)

const ServiceName = "c3po"

var version = "0.0.0"

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Coordination broker for agent fleets",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			topCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
			flags.String("config_file", c.String("config_file"), "")
			flags.String("listen", c.String("listen"), "")
			if c.String("listen") == "" {
				// Unset flags must not shadow env/file values.
				flags = flagsWithout(flags, "listen")
			}

			cfg, err := config.LoadConfig(flags)
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}

// flagsWithout rebuilds the set minus names whose values were never set,
// so viper's flag binding does not override env and file sources with
// empty strings.
func flagsWithout(flags *pflag.FlagSet, names ...string) *pflag.FlagSet {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
	flags.VisitAll(func(f *pflag.Flag) {
		if !skip[f.Name] {
			out.AddFlag(f)
		}
	})
	return out
}
