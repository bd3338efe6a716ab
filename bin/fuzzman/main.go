package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pattyshack/fuzzman/campaign"
	"github.com/pattyshack/fuzzman/config"
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/native"
	"github.com/pattyshack/fuzzman/monitor"
	"github.com/pattyshack/fuzzman/runner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the exit code.  Deferred teardown (including restoring the
// terminal from the console's raw mode) completes before the process exits.
func run(args []string) int {
	flags := flag.NewFlagSet("fuzzman", flag.ContinueOnError)

	configPath := ""
	flags.StringVar(&configPath, "c", "fuzzman.yaml", "configuration file")

	interactive := false
	flags.BoolVar(&interactive, "i", false, "run the interactive console")

	verbose := false
	flags.BoolVar(&verbose, "v", false, "log at debug level")

	err := flags.Parse(args)
	if err != nil {
		return 2
	}

	if flags.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "unexpected arguments:", flags.Args())
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM)
	defer cancel()

	runnerConfig := cfg.RunnerConfig()
	monitors := monitor.Factory{
		Configs: cfg.MonitorConfigs(),
		Logger:  logger,
	}

	newRunner := func() *runner.Runner {
		return runner.New(
			runnerConfig,
			func(logger *slog.Logger) debug.Backend {
				return native.NewBackend(logger)
			},
			monitors,
			logger)
	}

	fuzzer := campaign.New(
		cfg.CampaignConfig(),
		campaign.ByteMutator{Mutations: cfg.Campaign.Mutations},
		newRunner,
		logger)

	if interactive {
		cli, err := newConsole(fuzzer, cancel)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to start console:", err)
			return 1
		}
		defer cli.Close()

		go cli.Run()
	}

	err = fuzzer.Run(ctx)
	if err != nil {
		logger.Error("campaign failed", "error", err)
		return 1
	}

	fmt.Println(fuzzer.Stats.Snapshot())
	return 0
}
