// Package native implements debug.Backend on top of linux ptrace.
package native

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/loader"
	"github.com/pattyshack/fuzzman/procfs"
	"github.com/pattyshack/fuzzman/ptrace"
)

const (
	spawnOptions = ptrace.O_TRACECLONE |
		ptrace.O_TRACEFORK |
		ptrace.O_TRACEVFORK |
		ptrace.O_TRACEEXEC |
		ptrace.O_EXITKILL

	// Attached targets must survive the debugger.
	attachOptions = ptrace.O_TRACECLONE |
		ptrace.O_TRACEFORK |
		ptrace.O_TRACEVFORK |
		ptrace.O_TRACEEXEC

	minPollBackoff = 100 * time.Microsecond
	maxPollBackoff = 10 * time.Millisecond

	closeDrainTimeout = time.Second
)

type task struct {
	tid int
	pid int

	tracer *ptrace.Tracer

	stopped bool

	// Signal delivered on the next resume, unless the event was handled.
	pendingSignal int
}

func (t *task) resume(signal int) error {
	err := t.tracer.Resume(signal)
	if err != nil {
		return err
	}

	t.stopped = false
	t.pendingSignal = 0
	return nil
}

type process struct {
	pid       int
	imagePath string

	breakPoints *breakPointSites

	// One shot break point at the program's entry point.  Zero once hit.
	entry uint64

	// r_debug address and its r_brk break point.  Zero until located.
	anchor          uint64
	rendezvousBreak uint64
}

// Backend is a linux ptrace debugging backend.  All ptrace requests are
// served by a single trace server thread (see ptrace.Tracer).
type Backend struct {
	logger *slog.Logger

	tracer *ptrace.Tracer

	tasks     map[int]*task
	processes map[int]*process

	// New tasks announced by fork / vfork / clone events whose initial stop
	// has not yet been observed.
	awaitingStop map[int]pendingTask

	// Stops reported by tasks before their parent's fork / clone event.
	earlyStops map[int]syscall.WaitStatus

	queue []debug.RawEvent

	closed bool
}

func NewBackend(logger *slog.Logger) *Backend {
	return &Backend{
		logger:       logger,
		tasks:        map[int]*task{},
		processes:    map[int]*process{},
		awaitingStop: map[int]pendingTask{},
		earlyStops:   map[int]syscall.WaitStatus{},
	}
}

func (backend *Backend) Layout() *loader.Layout {
	return loader.LinuxAmd64
}

func (backend *Backend) Spawn(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command line")
	}

	if backend.tracer != nil {
		return 0, debug.ErrTargetExists
	}

	cmd := exec.Command(argv[0], argv[1:]...)

	tracer, err := ptrace.StartAndAttachToProcess(cmd)
	if err != nil {
		return 0, err
	}

	// The traced child stops with SIGTRAP once the exec succeeds.
	status, err := tracer.Wait()
	if err != nil {
		_ = tracer.Close()
		return 0, err
	}

	if !status.Stopped() || status.StopSignal() != syscall.SIGTRAP {
		_ = tracer.Close()
		return 0, fmt.Errorf(
			"unexpected initial wait status for process %d (%v)",
			tracer.Pid,
			status)
	}

	err = tracer.SetOptions(spawnOptions)
	if err != nil {
		_ = syscall.Kill(tracer.Pid, syscall.SIGKILL)
		_ = tracer.Close()
		return 0, err
	}

	backend.tracer = tracer

	pid := tracer.Pid
	t := backend.addTask(pid, pid, tracer)
	t.stopped = true
	backend.processes[pid] = newProcess(pid)

	backend.execed(t)
	return pid, nil
}

func (backend *Backend) Attach(pid int) error {
	if backend.tracer != nil {
		return debug.ErrTargetExists
	}

	tracer, err := ptrace.AttachToProcess(pid)
	if err != nil {
		return err
	}

	backend.tracer = tracer

	tids, err := procfs.ListTasks(pid)
	if err != nil {
		_ = tracer.Close()
		backend.tracer = nil
		return err
	}

	proc := newProcess(pid)
	backend.processes[pid] = proc

	for _, tid := range tids {
		taskTracer := tracer
		if tid != pid {
			taskTracer, err = tracer.AttachTask(tid)
			if err != nil {
				// The thread may have exited in the meantime.
				backend.logger.Debug(
					"failed to attach to thread",
					"pid", pid,
					"tid", tid,
					"error", err)
				continue
			}
		}

		_, err = taskTracer.Wait()
		if err != nil {
			backend.logger.Debug(
				"failed to wait for attached thread",
				"pid", pid,
				"tid", tid,
				"error", err)
			continue
		}

		err = taskTracer.SetOptions(attachOptions)
		if err != nil {
			backend.logger.Debug(
				"failed to set trace options",
				"pid", pid,
				"tid", tid,
				"error", err)
			continue
		}

		t := backend.addTask(tid, pid, taskTracer)
		t.stopped = true
	}

	main, ok := backend.tasks[pid]
	if !ok {
		_ = tracer.Close()
		backend.tracer = nil
		return fmt.Errorf("failed to attach to process %d main thread", pid)
	}

	proc.imagePath, err = procfs.GetExecutablePath(pid)
	if err != nil {
		backend.logger.Warn("failed to read image path", "pid", pid, "error", err)
	}

	// The dynamic linker has long finished; the module list is ready.
	backend.locateRendezvous(proc, main)

	backend.queue = append(
		backend.queue,
		debug.RawEvent{
			Kind:      debug.CreateProcess,
			Pid:       pid,
			Tid:       pid,
			TLSBase:   backend.tlsBase(main),
			ImagePath: proc.imagePath,
			Module:    backend.mainModule(proc),
		})

	for _, tid := range backend.sortedTids(pid) {
		if tid == pid {
			continue
		}

		backend.queue = append(
			backend.queue,
			debug.RawEvent{
				Kind:    debug.CreateThread,
				Pid:     pid,
				Tid:     tid,
				TLSBase: backend.tlsBase(backend.tasks[tid]),
			})
	}

	return nil
}

func newProcess(pid int) *process {
	return &process{
		pid:         pid,
		breakPoints: newBreakPointSites(),
	}
}

func (backend *Backend) addTask(tid int, pid int, tracer *ptrace.Tracer) *task {
	t := &task{
		tid:    tid,
		pid:    pid,
		tracer: tracer,
	}
	backend.tasks[tid] = t
	return t
}

func (backend *Backend) sortedTids(pid int) []int {
	tids := []int{}
	for tid, t := range backend.tasks {
		if t.pid == pid {
			tids = append(tids, tid)
		}
	}

	sort.Ints(tids)
	return tids
}

func (backend *Backend) tlsBase(t *task) debug.VirtualAddress {
	regs, err := t.tracer.GetGeneralRegisters()
	if err != nil {
		backend.logger.Debug(
			"failed to read thread local storage base",
			"tid", t.tid,
			"error", err)
		return 0
	}

	return debug.VirtualAddress(regs.Fs_base)
}

// mainModule describes the process' program image.  Once the r_debug anchor
// is known, the session walks the full module list instead.
func (backend *Backend) mainModule(proc *process) debug.RawModule {
	if proc.anchor != 0 {
		return debug.RawModule{
			Anchor: debug.VirtualAddress(proc.anchor),
		}
	}

	module := debug.RawModule{
		Path: proc.imagePath,
	}

	regions, err := backend.MemoryRegions(proc.pid)
	if err != nil {
		backend.logger.Warn(
			"failed to read memory regions",
			"pid", proc.pid,
			"error", err)
		return module
	}

	low, high, ok := loader.Extent(regions, proc.imagePath)
	if ok {
		module.Base = debug.VirtualAddress(low)
		module.Size = high - low
	}

	return module
}

func (backend *Backend) Terminate(pids []int) error {
	var errs []error
	for _, pid := range pids {
		err := syscall.Kill(pid, syscall.SIGKILL)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(
				errs,
				fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

func (backend *Backend) RequestClose(pid int) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	return nil
}

// ReadMemory reads the target's memory, with break point instructions
// replaced by the original data.
func (backend *Backend) ReadMemory(
	pid int,
	addr debug.VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	if backend.tracer == nil {
		return 0, debug.ErrNoTarget
	}

	count, err := backend.tracer.Trace(pid).ReadFromVirtualMemory(
		uintptr(addr),
		out)
	if err != nil {
		return count, err
	}

	proc, ok := backend.processes[pid]
	if ok {
		proc.breakPoints.ReplaceStopPointBytes(uint64(addr), out[:count])
	}

	return count, nil
}

func (backend *Backend) ThreadContext(tid int) (debug.RegisterSet, error) {
	t, ok := backend.tasks[tid]
	if !ok {
		return debug.RegisterSet{}, fmt.Errorf(
			"%w (%d)",
			debug.ErrUnknownThread,
			tid)
	}

	regs, err := t.tracer.GetGeneralRegisters()
	if err != nil {
		return debug.RegisterSet{}, err
	}

	return registerDump(regs), nil
}

func (backend *Backend) ThreadSelectorEntry(
	tid int,
	selector uint32,
) (
	debug.SelectorEntry,
	error,
) {
	t, ok := backend.tasks[tid]
	if !ok {
		return debug.SelectorEntry{}, fmt.Errorf(
			"%w (%d)",
			debug.ErrUnknownThread,
			tid)
	}

	// Selector bits: index (15..3), table indicator (2), privilege (1..0)
	desc, err := t.tracer.GetThreadArea(selector >> 3)
	if err != nil {
		return debug.SelectorEntry{}, err
	}

	return debug.SelectorEntry{
		Base:  debug.VirtualAddress(desc.BaseAddr),
		Limit: desc.Limit,
		Flags: desc.Flags,
	}, nil
}

func (backend *Backend) MemoryRegions(pid int) ([]debug.MemoryRegion, error) {
	mapped, err := procfs.GetMappedMemoryRegions(pid)
	if err != nil {
		return nil, err
	}

	regions := make([]debug.MemoryRegion, 0, len(mapped))
	for _, region := range mapped {
		regions = append(
			regions,
			debug.MemoryRegion{
				Low:      region.LowAddress,
				High:     region.HighAddress,
				Pathname: region.Pathname,
			})
	}

	return regions, nil
}

// Close kills every remaining tracee, reaps what it can, then shuts down the
// trace server thread.
func (backend *Backend) Close() error {
	if backend.closed {
		return nil
	}
	backend.closed = true

	if backend.tracer == nil {
		return nil
	}

	pids := map[int]struct{}{}
	for _, t := range backend.tasks {
		pids[t.pid] = struct{}{}
	}

	for pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	deadline := time.Now().Add(closeDrainTimeout)
	for len(backend.tasks) > 0 && time.Now().Before(deadline) {
		tid, status, err := backend.tracer.PollAny()
		if err != nil {
			break
		}

		if tid == 0 {
			time.Sleep(maxPollBackoff)
			continue
		}

		if status.Exited() || status.Signaled() {
			delete(backend.tasks, tid)
		}
	}

	backend.tasks = map[int]*task{}
	backend.processes = map[int]*process{}
	backend.queue = nil

	return backend.tracer.Close()
}
