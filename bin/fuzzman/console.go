package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/pattyshack/fuzzman/campaign"
)

type command struct {
	name string
	help string
	run  func(*console, []string) error
}

var (
	commands = []command{
		{
			name: "stats",
			help: "print campaign statistics",
			run:  printStats,
		},
		{
			name: "config",
			help: "print the campaign configuration",
			run:  printConfig,
		},
		{
			name: "quit",
			help: "stop the campaign",
			run:  quit,
		},
		{
			name: "help",
			help: "list commands",
			run:  printHelp,
		},
	}

	errQuit = errors.New("quit")
)

type console struct {
	fuzzer *campaign.Campaign
	cancel context.CancelFunc

	rl *readline.Instance
}

func newConsole(
	fuzzer *campaign.Campaign,
	cancel context.CancelFunc,
) (
	*console,
	error,
) {
	rl, err := readline.New("fuzzman > ")
	if err != nil {
		return nil, err
	}

	return &console{
		fuzzer: fuzzer,
		cancel: cancel,
		rl:     rl,
	}, nil
}

func (c *console) Close() error {
	return c.rl.Close()
}

// Run reads commands until quit, EOF or interrupt.  The latter two also
// stop the campaign.
func (c *console) Run() {
	defer c.cancel()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err != io.EOF && err != readline.ErrInterrupt {
				fmt.Fprintln(c.rl.Stderr(), "console error:", err)
			}
			return
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		found := false
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, args[0]) {
				found = true
				err := cmd.run(c, args[1:])
				if err == errQuit {
					return
				} else if err != nil {
					fmt.Fprintln(c.rl.Stderr(), err)
				}
				break
			}
		}

		if !found {
			fmt.Fprintln(c.rl.Stderr(), "invalid command:", args[0])
		}
	}
}

func printStats(c *console, args []string) error {
	fmt.Fprintln(c.rl.Stdout(), c.fuzzer.Stats.Snapshot())
	return nil
}

func printConfig(c *console, args []string) error {
	out := c.rl.Stdout()
	fmt.Fprintln(out, "seed:", c.fuzzer.SeedPath)
	fmt.Fprintln(out, "command:", strings.Join(c.fuzzer.CommandLine, " "))
	fmt.Fprintln(out, "work root:", c.fuzzer.WorkRoot)
	fmt.Fprintln(out, "save root:", c.fuzzer.SaveRoot)
	fmt.Fprintln(out, "workers:", c.fuzzer.Workers)
	fmt.Fprintln(out, "repeat:", c.fuzzer.RepeatCount)
	if c.fuzzer.Iterations == 0 {
		fmt.Fprintln(out, "iterations: unlimited")
	} else {
		fmt.Fprintln(out, "iterations:", c.fuzzer.Iterations)
	}
	return nil
}

func quit(c *console, args []string) error {
	return errQuit
}

func printHelp(c *console, args []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(c.rl.Stdout(), "  %-8s %s\n", cmd.name, cmd.help)
	}
	return nil
}
