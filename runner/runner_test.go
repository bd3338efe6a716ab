package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/fuzzman/action"
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/debugtest"
	"github.com/pattyshack/fuzzman/debug/loader"
	"github.com/pattyshack/fuzzman/monitor"
	"github.com/pattyshack/fuzzman/testcase"
)

const (
	targetPid = 1000
)

type fakeMonitor struct {
	factory *fakeMonitorFactory
	kill    monitor.KillFunc

	mutex    sync.Mutex
	started  int
	attached []int
	detached int
	stopped  int
}

func (mon *fakeMonitor) Start() {
	mon.mutex.Lock()
	defer mon.mutex.Unlock()

	mon.started++
}

func (mon *fakeMonitor) Attach(pid int) {
	mon.mutex.Lock()
	mon.attached = append(mon.attached, pid)
	mon.mutex.Unlock()

	for range mon.factory.killsOnAttach {
		mon.kill(mon.factory.killReason)
	}

	if mon.factory.onAttach != nil {
		mon.factory.onAttach()
	}
}

func (mon *fakeMonitor) Detach() {
	if mon.factory.panicOnDetach {
		panic("detach failed")
	}

	mon.mutex.Lock()
	defer mon.mutex.Unlock()

	mon.detached++
}

func (mon *fakeMonitor) Stop() {
	mon.mutex.Lock()
	defer mon.mutex.Unlock()

	mon.stopped++
}

type fakeMonitorFactory struct {
	killsOnAttach int
	killReason    string
	onAttach      func()
	panicOnDetach bool
	panicOnCreate bool
	createErr     error

	monitors []*fakeMonitor
}

func (factory *fakeMonitorFactory) Create(
	kill monitor.KillFunc,
) (
	[]monitor.ProcessMonitor,
	error,
) {
	if factory.panicOnCreate {
		panic("create failed")
	}

	if factory.createErr != nil {
		return nil, factory.createErr
	}

	mon := &fakeMonitor{
		factory: factory,
		kill:    kill,
	}
	factory.monitors = append(factory.monitors, mon)
	return []monitor.ProcessMonitor{mon}, nil
}

type countingAction struct {
	runs int
}

func (action *countingAction) Run(*slog.Logger) {
	action.runs++
}

func (action *countingAction) String() string {
	return "count"
}

type harness struct {
	runner   *Runner
	backend  *debugtest.Backend
	monitors *fakeMonitorFactory
	action   *countingAction
	testCase *testcase.TestCase
}

func newHarness(
	t *testing.T,
	config Config,
	setup func(*debugtest.Backend),
) *harness {
	h := &harness{
		backend:  debugtest.NewBackend(loader.LinuxAmd64),
		monitors: &fakeMonitorFactory{killReason: "idle"},
		action:   &countingAction{},
	}
	h.backend.SpawnPid = targetPid

	if setup != nil {
		setup(h.backend)
	}

	if config.WaitInterval == 0 {
		config.WaitInterval = 5 * time.Millisecond
	}
	config.Actions = append(config.Actions, h.action)

	logger := slog.New(slog.DiscardHandler)
	h.runner = New(
		config,
		func(*slog.Logger) debug.Backend {
			return h.backend
		},
		h.monitors,
		logger)

	h.testCase = testcase.New(
		1,
		t.TempDir(),
		"/seeds/sample.bin",
		[]string{"/bin/target", "{TARGET}"},
		logger)

	return h
}

func (h *harness) run() TestRun {
	return h.runner.Run(context.Background(), h.testCase)
}

func (h *harness) monitor(t *testing.T) *fakeMonitor {
	expect.Equal(t, 1, len(h.monitors.monitors))
	return h.monitors.monitors[0]
}

func (h *harness) expectTornDown(t *testing.T) {
	expect.Equal(t, 1, h.backend.Closed())
	expect.Equal(t, 1, h.action.runs)

	mon := h.monitor(t)
	expect.Equal(t, 1, mon.started)
	expect.Equal(t, 1, mon.stopped)
}

type RunnerSuite struct{}

func TestRunner(t *testing.T) {
	suite.RunTests(t, &RunnerSuite{})
}

func (RunnerSuite) TestCleanExit(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ThreadCreated(targetPid, targetPid+1),
				debugtest.ThreadExited(targetPid, targetPid+1),
				debugtest.ProcessExited(targetPid, 0))
		})

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Nil(t, result.Fault)
	expect.Nil(t, result.Err)
	expect.Equal(t, targetPid, result.Pid)
	expect.Equal(t, 0, len(h.testCase.Faults()))
	expect.Equal(t, 1, h.testCase.Runs())

	expect.Equal(
		t,
		[][]string{{"/bin/target", h.testCase.SamplePath}},
		h.backend.Spawned())
	expect.Equal(t, 0, len(h.backend.Terminated()))
	expect.Equal(t, 0, len(h.backend.CloseRequests()))

	h.expectTornDown(t)
	mon := h.monitor(t)
	expect.Equal(t, []int{targetPid}, mon.attached)
}

func (RunnerSuite) TestAccessViolation(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.SetContext(
				targetPid,
				debug.RegisterSet{
					Registers: []debug.Register{
						{Name: "rbx", Value: 0x10},
						{Name: "rip", Value: 0x400234},
					},
					InstructionPointer: 0x400234,
				})
			backend.SetMemory(targetPid, 0x400234, []byte{0x89, 0x03})

			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ModuleLoaded(targetPid, "/bin/target", 0x400000, 0x1000),
				debugtest.AccessViolationRaised(
					targetPid,
					targetPid,
					0x400234,
					debug.WriteAccess,
					0x10))
		})

	result := h.run()
	expect.Equal(t, ThrewException, result.Result)
	expect.Nil(t, result.Err)
	expect.NotNil(t, result.Fault)

	faults := h.testCase.Faults()
	expect.Equal(t, 1, len(faults))
	expect.True(t, faults[0] == result.Fault)

	report := result.Fault
	expect.Equal(t, debug.AccessViolation, report.Code)
	expect.Equal(t, debug.VirtualAddress(0x400234), report.Address)
	expect.Equal(
		t,
		debug.Location{Module: "target", Offset: 0x234},
		report.Location)
	expect.Equal(t, debug.WriteAccess, report.AccessViolation.Access)
	expect.Equal(t, debug.VirtualAddress(0x10), report.AccessViolation.Target)
	expect.True(t, strings.Contains(report.Instruction, "mov"))

	rbx, ok := report.Registers.Get("rbx")
	expect.True(t, ok)
	expect.Equal(t, uint64(0x10), rbx)

	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	h.expectTornDown(t)
	expect.Equal(t, 1, h.monitor(t).detached)
}

func (RunnerSuite) TestIgnoredException(t *testing.T) {
	h := newHarness(
		t,
		Config{
			Ignore: debug.NewExceptionCodeSet(debug.Breakpoint),
		},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ExceptionRaised(
					targetPid,
					targetPid,
					debug.Breakpoint,
					0x401000,
					false),
				debugtest.ProcessExited(targetPid, 0))
		})

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Equal(t, 0, len(h.testCase.Faults()))
	expect.Equal(t, 0, len(h.backend.Terminated()))

	for _, call := range h.backend.Continues() {
		expect.False(t, call.Handled)
	}
}

func (RunnerSuite) TestPassFirstChance(t *testing.T) {
	h := newHarness(
		t,
		Config{
			PassFirstChance: debug.NewExceptionCodeSet(debug.AccessViolation),
		},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ExceptionRaised(
					targetPid,
					targetPid,
					debug.AccessViolation,
					0x401000,
					true,
					uint64(debug.ReadAccess),
					0),
				debugtest.AccessViolationRaised(
					targetPid,
					targetPid,
					0x401000,
					debug.ReadAccess,
					0))
		})

	result := h.run()
	expect.Equal(t, ThrewException, result.Result)
	expect.Equal(t, 1, len(h.testCase.Faults()))
	expect.False(t, result.Fault.FirstChance)

	// No module information; the location is unknown.
	expect.False(t, result.Fault.Location.Known())
}

func (RunnerSuite) TestFirstChanceNotInPassListIsCaptured(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ExceptionRaised(
					targetPid,
					targetPid,
					debug.IntDivideByZero,
					0x401000,
					true))
		})

	result := h.run()
	expect.Equal(t, ThrewException, result.Result)
	expect.Equal(t, debug.IntDivideByZero, result.Fault.Code)
	expect.True(t, result.Fault.FirstChance)
}

func (RunnerSuite) TestBogusException(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.AccessViolationRaised(
					targetPid,
					targetPid,
					0x401000,
					debug.ReadAccess,
					0),
				debugtest.ProcessCreated(targetPid, "/bin/target"),
				debugtest.ProcessExited(targetPid, 0))
		})

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Equal(t, 0, len(h.testCase.Faults()))
}

func (RunnerSuite) TestProcessNameFilter(t *testing.T) {
	h := newHarness(
		t,
		Config{
			ProcessName: "target",
		},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/sh"),
				debugtest.ProcessCreated(targetPid+1, "/usr/bin/target"),
				debugtest.AccessViolationRaised(
					targetPid+1,
					targetPid+1,
					0x401000,
					debug.ReadAccess,
					0))
		})

	result := h.run()
	expect.Equal(t, ThrewException, result.Result)
	expect.Equal(t, targetPid+1, result.Pid)
	expect.Equal(t, []int{targetPid + 1}, h.monitor(t).attached)
	expect.Equal(
		t,
		[][]int{{targetPid, targetPid + 1}},
		h.backend.Terminated())
}

func (RunnerSuite) TestTargetGoneBeforeResolution(t *testing.T) {
	h := newHarness(
		t,
		Config{
			ProcessName: "target",
		},
		func(backend *debugtest.Backend) {
			backend.Push(
				debugtest.ProcessCreated(targetPid, "/bin/sh"),
				debugtest.ProcessExited(targetPid, 1))
		})

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Equal(t, 0, result.Pid)
	expect.Equal(t, 0, len(h.monitor(t).attached))
	h.expectTornDown(t)
}

func (RunnerSuite) TestRunDeadline(t *testing.T) {
	h := newHarness(
		t,
		Config{
			Timeout: 50 * time.Millisecond,
		},
		func(backend *debugtest.Backend) {
			backend.ExitOnRequestClose = true
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})

	result := h.run()
	expect.Equal(t, TimedOut, result.Result)
	expect.True(t, result.Duration >= 50*time.Millisecond)
	expect.Equal(t, []int{targetPid}, h.backend.CloseRequests())

	// The target exited on the close request.
	expect.Equal(t, 0, len(h.backend.Terminated()))
	h.expectTornDown(t)
}

func (RunnerSuite) TestConsoleTargetIsTerminated(t *testing.T) {
	h := newHarness(
		t,
		Config{
			Console: true,
			Timeout: 20 * time.Millisecond,
		},
		func(backend *debugtest.Backend) {
			backend.ExitOnRequestClose = true
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})

	result := h.run()
	expect.Equal(t, TimedOut, result.Result)
	expect.Equal(t, 0, len(h.backend.CloseRequests()))
	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	h.expectTornDown(t)
}

func (RunnerSuite) TestGracePeriodExpires(t *testing.T) {
	h := newHarness(
		t,
		Config{
			Timeout:     20 * time.Millisecond,
			GracePeriod: 30 * time.Millisecond,
		},
		func(backend *debugtest.Backend) {
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})

	result := h.run()
	expect.Equal(t, TimedOut, result.Result)
	expect.Equal(t, []int{targetPid}, h.backend.CloseRequests())
	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	h.expectTornDown(t)
}

func (RunnerSuite) TestKillRequest(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.ExitOnRequestClose = true
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})
	h.monitors.killsOnAttach = 1

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Equal(t, []int{targetPid}, h.backend.CloseRequests())
	expect.Equal(t, 1, h.monitor(t).detached)
	h.expectTornDown(t)
}

func (RunnerSuite) TestTimeoutMonitorKill(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.ExitOnRequestClose = true
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})
	h.monitors.killsOnAttach = 1
	h.monitors.killReason = string(monitor.TimeoutKind)

	result := h.run()
	expect.Equal(t, TimedOut, result.Result)
}

func (RunnerSuite) TestSecondKillRequestEscalates(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.ExitOnRequestClose = true
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})
	h.monitors.killsOnAttach = 2

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.Equal(t, 0, len(h.backend.CloseRequests()))
	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	h.expectTornDown(t)
}

func (RunnerSuite) TestAbortBeforeRun(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.runner.Abort()

	result := h.run()
	expect.Equal(t, NothingHappened, result.Result)
	expect.True(t, errors.Is(result.Err, ErrAborted))
	expect.Equal(t, 0, len(h.backend.Spawned()))
	expect.Equal(t, 0, len(h.monitors.monitors))
	expect.Equal(t, 1, h.action.runs)
}

func (RunnerSuite) TestContextCancellationAborts(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.monitors.onAttach = cancel

	result := h.runner.Run(ctx, h.testCase)
	expect.Equal(t, NothingHappened, result.Result)
	expect.True(t, errors.Is(result.Err, ErrAborted))
	expect.True(t, h.runner.Aborted())
	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	h.expectTornDown(t)
}

func (RunnerSuite) TestCreationFailure(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.SpawnErr = fmt.Errorf(
				"failed to start process: %w",
				syscall.ENOENT)
		})

	result := h.run()
	expect.Equal(t, Failed, result.Result)

	var creationErr *debug.CreationError
	expect.True(t, errors.As(result.Err, &creationErr))
	expect.Equal(t, syscall.ENOENT, creationErr.Errno)

	expect.Equal(t, 0, len(h.backend.Terminated()))
	h.expectTornDown(t)
}

func (RunnerSuite) TestContinueFailure(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.ContinueErr = errors.New("no such process")
			backend.Push(debugtest.ProcessCreated(targetPid, "/bin/target"))
		})

	result := h.run()
	expect.Equal(t, Failed, result.Result)
	expect.Error(t, result.Err, "failed to continue debug event")
	expect.Equal(t, [][]int{{targetPid}}, h.backend.Terminated())
	expect.Equal(t, 1, h.backend.Closed())
	expect.Equal(t, 1, h.action.runs)
}

func (RunnerSuite) TestMonitorCreationFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.monitors.createErr = errors.New("bad monitor config")

	result := h.run()
	expect.Equal(t, Failed, result.Result)
	expect.Error(t, result.Err, "failed to create process monitors")
	expect.Equal(t, 0, len(h.backend.Spawned()))
	expect.Equal(t, 1, h.action.runs)
}

func (RunnerSuite) TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.monitors.panicOnCreate = true

	result := h.run()
	expect.Equal(t, Failed, result.Result)
	expect.Error(t, result.Err, "panic in state StartTarget: create failed")
	expect.Equal(t, 1, h.action.runs)
}

func (RunnerSuite) TestSecondFailureAbandonsRun(t *testing.T) {
	h := newHarness(
		t,
		Config{},
		func(backend *debugtest.Backend) {
			backend.SpawnErr = syscall.EACCES
		})
	h.monitors.panicOnDetach = true

	result := h.run()
	expect.Equal(t, Failed, result.Result)
	expect.Error(t, result.Err, "panic in state TerminateTarget: detach failed")

	var creationErr *debug.CreationError
	expect.True(t, errors.As(result.Err, &creationErr))

	// No further cleanup attempts.
	expect.Equal(t, 0, h.action.runs)
	expect.Equal(t, 0, h.backend.Closed())
}

func (RunnerSuite) TestStateString(t *testing.T) {
	expect.Equal(t, "MonitorTarget", StateMonitorTarget.String())
	expect.Equal(t, "HandleFailure", StateHandleFailure.String())
	expect.Equal(t, "State(42)", State(42).String())
}

var _ action.Action = &countingAction{}
