// Package runner drives one execution of a test case, from target launch to
// teardown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pattyshack/fuzzman/action"
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/fault"
	"github.com/pattyshack/fuzzman/monitor"
	"github.com/pattyshack/fuzzman/symbols"
	"github.com/pattyshack/fuzzman/testcase"
)

const (
	DefaultGracePeriod = 10 * time.Second
)

var (
	ErrAborted = errors.New("test run aborted")
)

type Result string

const (
	StillRunning    = Result("still running")
	NothingHappened = Result("nothing happened")
	TimedOut        = Result("timed out")
	ThrewException  = Result("threw exception")
	Failed          = Result("failed")
)

// TestRun is the outcome of one execution attempt.  Fault is only set when
// Result is ThrewException.
type TestRun struct {
	Result Result
	Fault  *fault.Report

	// The monitored process.  Zero if the target never started.
	Pid int

	Duration time.Duration

	// The failure which caused a Failed result (or ErrAborted).
	Err error
}

type Config struct {
	// When set, the monitored process is the first process whose image base
	// name matches.  Otherwise, it's the first process.
	ProcessName string

	// Console targets are terminated without a close request.
	Console bool

	// Run deadline.  Zero means no deadline.
	Timeout time.Duration

	// How long a stopping target may take to exit.
	GracePeriod time.Duration

	// Per pump debug event wait.
	WaitInterval time.Duration

	// Exceptions always passed to the target.
	Ignore debug.ExceptionCodeSet

	// Exceptions passed to the target when first chance.
	PassFirstChance debug.ExceptionCodeSet

	Actions []action.Action
}

type BackendFactory func(logger *slog.Logger) debug.Backend

type MonitorFactory interface {
	Create(kill monitor.KillFunc) ([]monitor.ProcessMonitor, error)
}

// Runner executes test runs sequentially.  Abort may be called from any
// goroutine.
type Runner struct {
	Config

	newBackend BackendFactory
	monitors   MonitorFactory

	Symbols *symbols.Resolver
	Clock   clock.Clock

	logger *slog.Logger

	aborted atomic.Bool
}

func New(
	config Config,
	newBackend BackendFactory,
	monitors MonitorFactory,
	logger *slog.Logger,
) *Runner {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}

	if config.WaitInterval <= 0 {
		config.WaitInterval = debug.DefaultWaitInterval
	}

	return &Runner{
		Config:     config,
		newBackend: newBackend,
		monitors:   monitors,
		Symbols:    symbols.NewResolver(),
		Clock:      clock.New(),
		logger:     logger.With("component", "runner"),
	}
}

// Abort makes the current run (and every subsequent run) terminate its
// target as soon as possible.
func (runner *Runner) Abort() {
	runner.aborted.Store(true)
}

func (runner *Runner) Aborted() bool {
	return runner.aborted.Load()
}

// Run executes the test case once.  Cancelling ctx aborts the runner.
func (runner *Runner) Run(ctx context.Context, tc *testcase.TestCase) TestRun {
	stop := context.AfterFunc(ctx, runner.Abort)
	defer stop()

	tc.AddRun()

	exec := &execution{
		runner:   runner,
		testCase: tc,
		logger:   runner.logger.With("testcase", tc.ID),
		start:    runner.Clock.Now(),
		result: TestRun{
			Result: StillRunning,
		},
	}

	exec.run()
	return exec.result
}

type State int

const (
	StateInitial = State(iota)
	StateStartTarget
	StateMonitorTarget
	StateStopTarget
	StateTerminateTarget
	StateCleanup
	StateHandleFailure
	StateStopped
)

func (state State) String() string {
	switch state {
	case StateInitial:
		return "Initial"
	case StateStartTarget:
		return "StartTarget"
	case StateMonitorTarget:
		return "MonitorTarget"
	case StateStopTarget:
		return "StopTarget"
	case StateTerminateTarget:
		return "TerminateTarget"
	case StateCleanup:
		return "Cleanup"
	case StateHandleFailure:
		return "HandleFailure"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(state))
	}
}

// execution is the state of a single Run call.
type execution struct {
	runner   *Runner
	testCase *testcase.TestCase
	logger   *slog.Logger

	state State

	session  *debug.Session
	monitors []monitor.ProcessMonitor

	start    time.Time
	deadline time.Time // zero if no deadline

	// Set on StopTarget entry.
	closeRequested bool
	stopDeadline   time.Time

	exceptionCaught bool
	actionsRan      bool
	failing         bool

	// Written by monitor goroutines.
	killMutex    sync.Mutex
	killRequests int
	killReason   string

	result TestRun
}

func (exec *execution) run() {
	exec.state = StateInitial
	for exec.state != StateStopped {
		next, err := exec.guardedTransition(exec.state)
		if err != nil {
			if exec.failing {
				// A failure while handling a failure.  Give up on the run.
				exec.logger.Error(
					"failed while handling failure. abandoning test run",
					"state", exec.state,
					"error", err)
				exec.result.Result = Failed
				exec.result.Err = errors.Join(exec.result.Err, err)
				break
			}

			exec.logger.Error("test run failed", "state", exec.state, "error", err)
			exec.result.Err = err
			next = StateHandleFailure
		}

		if next != exec.state {
			exec.logger.Debug("state transition", "from", exec.state, "to", next)
		}
		exec.state = next
	}

	exec.result.Duration = exec.runner.Clock.Since(exec.start)
	exec.logger.Debug(
		"test run finished",
		"result", exec.result.Result,
		"duration", exec.result.Duration)
}

func (exec *execution) guardedTransition(state State) (next State, err error) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			err = fmt.Errorf("panic in state %s: %v", state, recovered)
		}
	}()

	return exec.transition(state)
}

func (exec *execution) transition(state State) (State, error) {
	switch state {
	case StateInitial:
		return exec.initial()
	case StateStartTarget:
		return exec.startTarget()
	case StateMonitorTarget:
		return exec.monitorTarget()
	case StateStopTarget:
		return exec.stopTarget()
	case StateTerminateTarget:
		return exec.terminateTarget()
	case StateCleanup:
		return exec.cleanup()
	case StateHandleFailure:
		return exec.handleFailure()
	case StateStopped:
		return StateStopped, nil
	default:
		panic("should never happen")
	}
}

func (exec *execution) requestKill(reason string) {
	exec.killMutex.Lock()
	defer exec.killMutex.Unlock()

	exec.killRequests++
	if exec.killRequests == 1 {
		exec.killReason = reason
	}
}

func (exec *execution) kills() (int, string) {
	exec.killMutex.Lock()
	defer exec.killMutex.Unlock()

	return exec.killRequests, exec.killReason
}

func (exec *execution) pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && !exec.runner.Clock.Now().Before(deadline)
}
