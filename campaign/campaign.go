// Package campaign runs fuzzing iterations on a pool of workers.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pattyshack/fuzzman/fault"
	"github.com/pattyshack/fuzzman/runner"
	"github.com/pattyshack/fuzzman/testcase"
)

type Config struct {
	SeedPath string
	WorkRoot string
	SaveRoot string

	// Save directory name template.  See testcase.SaveName.
	SaveName string

	// argv template with {TARGET} tokens.
	CommandLine []string

	Workers int

	// Zero means run until cancelled.
	Iterations uint64

	// Total number of runs of a faulting test case.
	RepeatCount int
}

type Stats struct {
	Iterations atomic.Uint64
	Executions atomic.Uint64
	Faults     atomic.Uint64
	Saved      atomic.Uint64
	Failures   atomic.Uint64
}

type StatsSnapshot struct {
	Iterations uint64
	Executions uint64
	Faults     uint64
	Saved      uint64
	Failures   uint64
}

func (stats *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Iterations: stats.Iterations.Load(),
		Executions: stats.Executions.Load(),
		Faults:     stats.Faults.Load(),
		Saved:      stats.Saved.Load(),
		Failures:   stats.Failures.Load(),
	}
}

func (snapshot StatsSnapshot) String() string {
	return fmt.Sprintf(
		"iterations: %d executions: %d faults: %d saved: %d failures: %d",
		snapshot.Iterations,
		snapshot.Executions,
		snapshot.Faults,
		snapshot.Saved,
		snapshot.Failures)
}

type Campaign struct {
	Config

	Mutator Mutator

	// Each worker owns one runner.
	NewRunner func() *runner.Runner

	Stats Stats

	sequence testcase.Sequence
	issued   atomic.Uint64

	logger *slog.Logger
}

func New(
	config Config,
	mutator Mutator,
	newRunner func() *runner.Runner,
	logger *slog.Logger,
) *Campaign {
	if config.Workers <= 0 {
		config.Workers = 1
	}

	if config.RepeatCount <= 0 {
		config.RepeatCount = 1
	}

	return &Campaign{
		Config:    config,
		Mutator:   mutator,
		NewRunner: newRunner,
		logger:    logger.With("component", "campaign"),
	}
}

// Run returns once the configured number of iterations completed, or when
// ctx is cancelled (which is not an error).
func (campaign *Campaign) Run(ctx context.Context) error {
	seed, err := os.ReadFile(campaign.SeedPath)
	if err != nil {
		return fmt.Errorf("failed to read seed (%s): %w", campaign.SeedPath, err)
	}

	err = os.MkdirAll(campaign.WorkRoot, 0755)
	if err != nil {
		return fmt.Errorf(
			"failed to create work root (%s): %w",
			campaign.WorkRoot,
			err)
	}

	campaign.logger.Info(
		"starting campaign",
		"workers", campaign.Workers,
		"iterations", campaign.Iterations,
		"seed", campaign.SeedPath)

	group, groupCtx := errgroup.WithContext(ctx)
	for worker := range campaign.Workers {
		group.Go(func() error {
			return campaign.work(groupCtx, worker, seed)
		})
	}

	err = group.Wait()
	campaign.logger.Info("campaign finished", "stats", campaign.Stats.Snapshot())
	return err
}

func (campaign *Campaign) nextIteration() bool {
	if campaign.Iterations == 0 {
		return true
	}

	return campaign.issued.Add(1) <= campaign.Iterations
}

func (campaign *Campaign) work(
	ctx context.Context,
	worker int,
	seed []byte,
) error {
	logger := campaign.logger.With("worker", worker)
	testRunner := campaign.NewRunner()
	rng := rand.New(
		rand.NewPCG(uint64(time.Now().UnixNano()), uint64(worker)))

	for ctx.Err() == nil && campaign.nextIteration() {
		err := campaign.iterate(ctx, testRunner, rng, seed, logger)
		if err != nil {
			return err
		}
	}

	return nil
}

func (campaign *Campaign) run(
	ctx context.Context,
	testRunner *runner.Runner,
	tc *testcase.TestCase,
) runner.TestRun {
	result := testRunner.Run(ctx, tc)
	campaign.Stats.Executions.Add(1)
	if result.Result == runner.Failed {
		campaign.Stats.Failures.Add(1)
	}

	return result
}

func (campaign *Campaign) iterate(
	ctx context.Context,
	testRunner *runner.Runner,
	rng *rand.Rand,
	seed []byte,
	logger *slog.Logger,
) error {
	campaign.Stats.Iterations.Add(1)

	tc := testcase.New(
		campaign.sequence.Next(),
		campaign.WorkRoot,
		campaign.SeedPath,
		campaign.CommandLine,
		logger)

	err := tc.Setup(campaign.Mutator.Mutate(rng, seed))
	if err != nil {
		return err
	}

	result := campaign.run(ctx, testRunner, tc)
	if result.Result != runner.ThrewException {
		if result.Err != nil && !errors.Is(result.Err, runner.ErrAborted) {
			logger.Warn(
				"test run failed",
				"testcase", tc.ID,
				"error", result.Err)
		}

		campaign.cleanup(tc, logger)
		return nil
	}

	campaign.Stats.Faults.Add(1)
	for tc.Runs() < campaign.RepeatCount && ctx.Err() == nil {
		campaign.run(ctx, testRunner, tc)
	}

	analysis := fault.Analyse(tc.Faults())
	logger.Info(
		"test case faulted",
		"testcase", tc.ID,
		"runs", tc.Runs(),
		"summary", analysis.Summary)

	_, saved, err := tc.Save(campaign.SaveRoot, campaign.SaveName, analysis)
	if err != nil {
		logger.Error("failed to save test case", "testcase", tc.ID, "error", err)
		campaign.cleanup(tc, logger)
		return nil
	}

	if saved {
		campaign.Stats.Saved.Add(1)
	}

	return nil
}

func (campaign *Campaign) cleanup(tc *testcase.TestCase, logger *slog.Logger) {
	err := tc.Cleanup()
	if err != nil {
		logger.Warn("failed to clean up test case", "error", err)
	}
}
