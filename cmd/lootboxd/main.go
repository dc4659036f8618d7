// Command lootboxd is the lootbox RPC runtime server: it discovers tool
// modules, spawns one worker subprocess per tool, and exposes them as
// callable functions over WebSocket/HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/johnlindquist/lootbox/cliconfig"
	"github.com/johnlindquist/lootbox/internal/config"
	"github.com/johnlindquist/lootbox/internal/filewatcher"
	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/orchestrator"
	"github.com/johnlindquist/lootbox/signalwatcher"
)

func main() {
	app := cli.NewApp()
	app.Name = "lootboxd"
	app.Usage = "run the lootbox tool-worker RPC server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a lootboxd configuration file"},
		cli.IntFlag{Name: "port", Value: 8080, Usage: "port to listen on for HTTP/WS", EnvVar: "LOOTBOX_PORT"},
		cli.StringFlag{Name: "tools-dir", Value: "./tools", Usage: "project tools directory", EnvVar: "LOOTBOX_TOOLS_DIR"},
		cli.StringFlag{Name: "global-tools-dir", Usage: "global tools directory, shadowed by tools-dir", EnvVar: "LOOTBOX_GLOBAL_TOOLS_DIR"},
		cli.StringFlag{Name: "toolworker-path", Value: "toolworker", Usage: "path to the toolworker binary", EnvVar: "LOOTBOX_TOOLWORKER_PATH"},
		cli.BoolFlag{Name: "dev", Usage: "enable verbose debug logging"},
		cli.DurationFlag{Name: "shutdown-grace", Value: 10 * time.Second, Usage: "grace period for in-flight calls during shutdown"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	l := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stdout), os.Exit)

	cfg := config.Default()
	loader := cliconfig.Loader{CLI: c, Config: &cfg, Logger: l}
	warnings, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	for _, w := range warnings {
		l.Warn("%s", w)
	}

	if cfg.Dev {
		l.SetLevel(logger.DEBUG)
	} else {
		l.SetLevel(logger.INFO)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	watcher := filewatcher.NewManager(l)
	orch := orchestrator.New(l, cfg, watcher)

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	shutdown := make(chan struct{})
	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		l.Info("[lootboxd] received SIG%s, draining in-flight calls", sig)
		close(shutdown)
	})

	<-shutdown

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	orch.Stop(stopCtx)

	return nil
}
