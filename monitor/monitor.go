// Package monitor implements process monitors which watch a running target
// and request its termination.
package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// ProcessMonitor watches at most one process at a time.  The kill callback
// passed at construction is invoked at most once per Attach.
type ProcessMonitor interface {
	Start()

	Attach(pid int)

	Detach()

	// Stops the monitor permanently.  Blocks until the monitor's goroutine
	// (if any) exited.
	Stop()
}

// KillFunc is invoked from the monitor's goroutine.
type KillFunc func(reason string)

type Kind string

const (
	IdleKind    = Kind("idle")
	TimeoutKind = Kind("timeout")
)

type Metric string

const (
	CPUMetric             = Metric("cpu")
	ContextSwitchesMetric = Metric("context_switches")
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultMaxIdleCount = 10
)

type Config struct {
	Kind Kind

	// Idle monitor
	Interval     time.Duration
	MaxIdleCount int
	Watch        []Metric

	// Timeout monitor
	Timeout time.Duration
}

func (config Config) Validate() error {
	switch config.Kind {
	case IdleKind:
		if config.Interval < 0 {
			return fmt.Errorf("invalid idle monitor interval (%s)", config.Interval)
		}

		if config.MaxIdleCount < 0 {
			return fmt.Errorf(
				"invalid idle monitor max idle count (%d)",
				config.MaxIdleCount)
		}

		for _, metric := range config.Watch {
			switch metric {
			case CPUMetric, ContextSwitchesMetric:
			default:
				return fmt.Errorf("unsupported idle monitor metric (%s)", metric)
			}
		}
	case TimeoutKind:
		if config.Timeout <= 0 {
			return fmt.Errorf("invalid monitor timeout (%s)", config.Timeout)
		}
	default:
		return fmt.Errorf("unsupported monitor kind (%s)", config.Kind)
	}

	return nil
}

// Factory creates a fresh set of monitors for each test run.
type Factory struct {
	Configs []Config

	Clock   clock.Clock
	Sampler Sampler
	Logger  *slog.Logger
}

func (factory Factory) Create(kill KillFunc) ([]ProcessMonitor, error) {
	clk := factory.Clock
	if clk == nil {
		clk = clock.New()
	}

	sampler := factory.Sampler
	if sampler == nil {
		sampler = ProcSampler{}
	}

	logger := factory.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	monitors := make([]ProcessMonitor, 0, len(factory.Configs))
	for _, config := range factory.Configs {
		err := config.Validate()
		if err != nil {
			return nil, err
		}

		switch config.Kind {
		case IdleKind:
			monitors = append(
				monitors,
				NewIdleMonitor(config, clk, sampler, kill, logger))
		case TimeoutKind:
			monitors = append(
				monitors,
				NewTimeoutMonitor(config.Timeout, clk, kill, logger))
		}
	}

	return monitors, nil
}
