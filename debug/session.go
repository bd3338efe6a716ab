package debug

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pattyshack/fuzzman/debug/loader"
)

const (
	DefaultWaitInterval = 100 * time.Millisecond
)

type processState struct {
	pid       int
	imagePath string

	// Environment block (loader anchor) address.  Zero if unknown.
	anchor VirtualAddress

	modules map[VirtualAddress]ModuleInfo
}

func newProcessState(pid int) *processState {
	return &processState{
		pid:     pid,
		modules: map[VirtualAddress]ModuleInfo{},
	}
}

func (proc *processState) sortedModules() []ModuleInfo {
	modules := make([]ModuleInfo, 0, len(proc.modules))
	for _, module := range proc.modules {
		modules = append(modules, module)
	}

	sort.Slice(
		modules,
		func(i int, j int) bool {
			return modules[i].Base < modules[j].Base
		})

	return modules
}

// Session owns the debugging relationship with one target process tree.
//
// NOTE: a session is driven by a single goroutine (the pump).  Stop is the
// only method that may be called from other goroutines.
type Session struct {
	backend      Backend
	layout       *loader.Layout
	waitInterval time.Duration
	logger       *slog.Logger

	rootPid    int
	running    bool
	sawProcess bool
	terminated bool
	disposed   bool

	stopRequested atomic.Bool

	threads   map[int]ThreadInfo
	processes map[int]*processState

	processCreatedWatchers []func(*ProcessEvent)
	processExitedWatchers  []func(*ProcessEvent)
	threadCreatedWatchers  []func(*ThreadEvent)
	threadExitedWatchers   []func(*ThreadEvent)
	moduleLoadedWatchers   []func(*ModuleEvent)
	moduleUnloadedWatchers []func(*ModuleEvent)
	exceptionWatchers      []func(*ExceptionEvent)
}

func NewSession(
	backend Backend,
	waitInterval time.Duration,
	logger *slog.Logger,
) *Session {
	if waitInterval <= 0 {
		waitInterval = DefaultWaitInterval
	}

	return &Session{
		backend:      backend,
		layout:       backend.Layout(),
		waitInterval: waitInterval,
		logger:       logger,
		threads:      map[int]ThreadInfo{},
		processes:    map[int]*processState{},
	}
}

func (session *Session) OnProcessCreated(notify func(*ProcessEvent)) {
	session.processCreatedWatchers = append(
		session.processCreatedWatchers,
		notify)
}

func (session *Session) OnProcessExited(notify func(*ProcessEvent)) {
	session.processExitedWatchers = append(
		session.processExitedWatchers,
		notify)
}

func (session *Session) OnThreadCreated(notify func(*ThreadEvent)) {
	session.threadCreatedWatchers = append(
		session.threadCreatedWatchers,
		notify)
}

func (session *Session) OnThreadExited(notify func(*ThreadEvent)) {
	session.threadExitedWatchers = append(session.threadExitedWatchers, notify)
}

func (session *Session) OnModuleLoaded(notify func(*ModuleEvent)) {
	session.moduleLoadedWatchers = append(session.moduleLoadedWatchers, notify)
}

func (session *Session) OnModuleUnloaded(notify func(*ModuleEvent)) {
	session.moduleUnloadedWatchers = append(
		session.moduleUnloadedWatchers,
		notify)
}

func (session *Session) OnException(notify func(*ExceptionEvent)) {
	session.exceptionWatchers = append(session.exceptionWatchers, notify)
}

func (session *Session) checkCanStart() error {
	if session.disposed {
		return ErrSessionDisposed
	}

	if session.running {
		return fmt.Errorf("%w (pid=%d)", ErrTargetExists, session.rootPid)
	}

	return nil
}

func (session *Session) CreateTarget(argv []string) error {
	err := session.checkCanStart()
	if err != nil {
		return err
	}

	if len(argv) == 0 {
		return newCreationError("spawn", "", errors.New("empty command line"))
	}

	pid, err := session.backend.Spawn(argv)
	if err != nil {
		return newCreationError("spawn", argv[0], err)
	}

	session.rootPid = pid
	session.running = true

	session.logger.Debug("spawned target", "pid", pid, "argv", argv)
	return nil
}

func (session *Session) AttachToTarget(pid int) error {
	err := session.checkCanStart()
	if err != nil {
		return err
	}

	err = session.backend.Attach(pid)
	if err != nil {
		return newCreationError("attach", fmt.Sprintf("pid %d", pid), err)
	}

	session.rootPid = pid
	session.running = true

	session.logger.Debug("attached to target", "pid", pid)
	return nil
}

func (session *Session) RootPid() int {
	return session.rootPid
}

func (session *Session) Running() bool {
	return session.running
}

// AllProcessesGone is true once every process of the target tree has exited.
func (session *Session) AllProcessesGone() bool {
	return session.running && session.sawProcess && len(session.processes) == 0
}

// Stop makes every subsequent WaitAndDispatchEvent call return immediately.
// Safe to call from any goroutine.
func (session *Session) Stop() {
	session.stopRequested.Store(true)
}

// WaitAndDispatchEvent waits up to the session's wait interval for the next
// debug event, decodes it, notifies watchers (in registration order), then
// continues the target.
func (session *Session) WaitAndDispatchEvent() error {
	if session.disposed {
		return ErrSessionDisposed
	}

	if session.stopRequested.Load() {
		return nil
	}

	if !session.running {
		return ErrNoTarget
	}

	if session.AllProcessesGone() {
		return nil
	}

	event, ok, err := session.backend.WaitForEvent(session.waitInterval)
	if err != nil {
		return fmt.Errorf("failed to wait for debug event: %w", err)
	}

	if !ok {
		return nil
	}

	handled, err := session.dispatch(event)
	if err != nil {
		return err
	}

	err = session.backend.Continue(event.Pid, event.Tid, handled)
	if err != nil {
		return fmt.Errorf(
			"failed to continue debug event (%s, pid=%d, tid=%d): %w",
			event.Kind,
			event.Pid,
			event.Tid,
			err)
	}

	return nil
}

func (session *Session) dispatch(event RawEvent) (bool, error) {
	session.logger.Debug(
		"debug event",
		"kind", event.Kind,
		"pid", event.Pid,
		"tid", event.Tid)

	switch event.Kind {
	case CreateProcess:
		session.processCreated(event)
	case ExitProcess:
		session.processExited(event)
	case CreateThread:
		session.threadCreated(event)
	case ExitThread:
		session.threadExited(event)
	case LoadModule:
		session.moduleLoaded(event)
	case UnloadModule:
		session.moduleUnloaded(event)
	case Exception:
		if event.Exception == nil {
			return false, fmt.Errorf(
				"%w. exception event without exception record (pid=%d tid=%d)",
				ErrUnknownEvent,
				event.Pid,
				event.Tid)
		}
		return session.exceptionRaised(event), nil
	default:
		return false, fmt.Errorf("%w (%s)", ErrUnknownEvent, event.Kind)
	}

	return false, nil
}

func (session *Session) processCreated(event RawEvent) {
	proc, replaced := session.processes[event.Pid]
	if replaced {
		// The program image was replaced (exec).  Only the thread which
		// performed the replacement survives.
		for tid, thread := range session.threads {
			if thread.Pid == event.Pid && tid != event.Tid {
				delete(session.threads, tid)
			}
		}

		proc.modules = map[VirtualAddress]ModuleInfo{}
		proc.anchor = 0
	} else {
		proc = newProcessState(event.Pid)
		session.processes[event.Pid] = proc
		session.sawProcess = true
	}

	proc.imagePath = event.ImagePath

	session.threads[event.Tid] = ThreadInfo{
		Pid:     event.Pid,
		Tid:     event.Tid,
		TLSBase: event.TLSBase,
	}

	if session.layout.Anchor == loader.AnchorThreadLocal &&
		event.TLSBase != 0 {

		anchor, err := session.readPointer(
			event.Pid,
			event.TLSBase+VirtualAddress(session.layout.EnvironmentBlockOffset))
		if err != nil {
			session.logger.Warn(
				"failed to locate environment block",
				"pid", event.Pid,
				"error", err)
		} else {
			proc.anchor = anchor
		}
	}

	if session.terminated {
		// Process created while the target tree is being torn down.
		err := session.backend.Terminate([]int{event.Pid})
		if err != nil {
			session.logger.Warn(
				"failed to terminate late process",
				"pid", event.Pid,
				"error", err)
		}
	}

	processEvent := &ProcessEvent{
		Pid:       event.Pid,
		Tid:       event.Tid,
		ImagePath: event.ImagePath,
		Replaced:  replaced,
	}
	for _, notify := range session.processCreatedWatchers {
		notify(processEvent)
	}

	if event.Module.Base != 0 || event.Module.Anchor != 0 {
		session.moduleLoaded(event)
	}
}

func (session *Session) processExited(event RawEvent) {
	_, ok := session.processes[event.Pid]
	if !ok {
		session.logger.Warn("exit event for unknown process", "pid", event.Pid)
		return
	}

	for tid, thread := range session.threads {
		if thread.Pid == event.Pid {
			delete(session.threads, tid)
		}
	}
	delete(session.processes, event.Pid)

	processEvent := &ProcessEvent{
		Pid:      event.Pid,
		Tid:      event.Tid,
		ExitCode: event.ExitCode,
	}
	for _, notify := range session.processExitedWatchers {
		notify(processEvent)
	}
}

func (session *Session) threadCreated(event RawEvent) {
	_, ok := session.processes[event.Pid]
	if !ok {
		session.logger.Warn(
			"thread created in unknown process",
			"pid", event.Pid,
			"tid", event.Tid)
	}

	thread := ThreadInfo{
		Pid:     event.Pid,
		Tid:     event.Tid,
		TLSBase: event.TLSBase,
	}
	session.threads[event.Tid] = thread

	threadEvent := &ThreadEvent{
		ThreadInfo: thread,
	}
	for _, notify := range session.threadCreatedWatchers {
		notify(threadEvent)
	}
}

func (session *Session) threadExited(event RawEvent) {
	thread, ok := session.threads[event.Tid]
	if !ok {
		session.logger.Warn("exit event for unknown thread", "tid", event.Tid)
		return
	}

	delete(session.threads, event.Tid)

	threadEvent := &ThreadEvent{
		ThreadInfo: thread,
		ExitCode:   event.ExitCode,
	}
	for _, notify := range session.threadExitedWatchers {
		notify(threadEvent)
	}
}

func (session *Session) exceptionRaised(event RawEvent) bool {
	exceptionEvent := &ExceptionEvent{
		Pid:           event.Pid,
		Tid:           event.Tid,
		ExceptionInfo: DecodeException(event.Exception, session.logger),
	}

	session.logger.Debug(
		"exception",
		"pid", event.Pid,
		"tid", event.Tid,
		"exception", exceptionEvent.ExceptionInfo.String(),
		"first_chance", exceptionEvent.FirstChance)

	for _, notify := range session.exceptionWatchers {
		notify(exceptionEvent)
	}

	return exceptionEvent.Handled
}

func (session *Session) GetThreadContext(tid int) (RegisterSet, error) {
	_, ok := session.threads[tid]
	if !ok {
		return RegisterSet{}, fmt.Errorf("%w (%d)", ErrUnknownThread, tid)
	}

	regs, err := session.backend.ThreadContext(tid)
	if err != nil {
		return RegisterSet{}, fmt.Errorf(
			"failed to get thread %d context: %w",
			tid,
			err)
	}

	return regs, nil
}

func (session *Session) GetThreadLdtEntry(
	tid int,
	selector uint32,
) (
	SelectorEntry,
	error,
) {
	_, ok := session.threads[tid]
	if !ok {
		return SelectorEntry{}, fmt.Errorf("%w (%d)", ErrUnknownThread, tid)
	}

	entry, err := session.backend.ThreadSelectorEntry(tid, selector)
	if err != nil {
		return SelectorEntry{}, fmt.Errorf(
			"failed to get thread %d selector entry (0x%x): %w",
			tid,
			selector,
			err)
	}

	return entry, nil
}

func (session *Session) Threads() []ThreadInfo {
	threads := make([]ThreadInfo, 0, len(session.threads))
	for _, thread := range session.threads {
		threads = append(threads, thread)
	}

	sort.Slice(
		threads,
		func(i int, j int) bool {
			return threads[i].Tid < threads[j].Tid
		})

	return threads
}

func (session *Session) livePids() []int {
	pids := make([]int, 0, len(session.processes))
	for pid := range session.processes {
		pids = append(pids, pid)
	}

	sort.Ints(pids)
	return pids
}

// TerminateTarget kills every tracked process.  Calling it more than once is
// a no-op.  The owner should keep pumping events until AllProcessesGone.
func (session *Session) TerminateTarget() error {
	if session.disposed || !session.running || session.terminated {
		return nil
	}

	pids := session.livePids()
	if !session.sawProcess {
		pids = []int{session.rootPid}
	}

	if len(pids) > 0 {
		err := session.backend.Terminate(pids)
		if err != nil {
			return fmt.Errorf("failed to terminate target %v: %w", pids, err)
		}
	}

	session.terminated = true
	session.logger.Debug("terminated target", "pids", pids)
	return nil
}

// RequestClose asks the target to exit gracefully.
func (session *Session) RequestClose() error {
	if session.disposed {
		return ErrSessionDisposed
	}

	if !session.running {
		return ErrNoTarget
	}

	err := session.backend.RequestClose(session.rootPid)
	if err != nil {
		return fmt.Errorf(
			"failed to request target %d to close: %w",
			session.rootPid,
			err)
	}

	return nil
}

// Dispose stops the pump, terminates the target if it is still alive, and
// releases the backend.  Calling it more than once is a no-op.
func (session *Session) Dispose() error {
	if session.disposed {
		return nil
	}

	session.Stop()

	var errs []error
	if session.running && !session.AllProcessesGone() {
		err := session.TerminateTarget()
		if err != nil {
			errs = append(errs, err)
		}
	}

	err := session.backend.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to close debug backend: %w", err))
	}

	session.disposed = true
	session.threads = map[int]ThreadInfo{}
	session.processes = map[int]*processState{}

	return errors.Join(errs...)
}

func (session *Session) Disposed() bool {
	return session.disposed
}
