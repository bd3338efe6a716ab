package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/loader"
	"github.com/pattyshack/fuzzman/procfs"
	"github.com/pattyshack/fuzzman/ptrace"
)

type pendingTask struct {
	parentPid int
	cloned    bool
}

type processMemory struct {
	backend *Backend
	pid     int
}

func (memory processMemory) Read(addr uint64, out []byte) (int, error) {
	return memory.backend.ReadMemory(memory.pid, debug.VirtualAddress(addr), out)
}

func (backend *Backend) WaitForEvent(
	timeout time.Duration,
) (
	debug.RawEvent,
	bool,
	error,
) {
	if backend.tracer == nil {
		return debug.RawEvent{}, false, debug.ErrNoTarget
	}

	deadline := time.Now().Add(timeout)
	backoff := minPollBackoff
	for {
		if len(backend.queue) > 0 {
			event := backend.queue[0]
			backend.queue = backend.queue[1:]
			return event, true, nil
		}

		tid, status, err := backend.tracer.PollAny()
		if err != nil {
			if errors.Is(err, syscall.ECHILD) { // nothing left to trace
				time.Sleep(time.Until(deadline))
				return debug.RawEvent{}, false, nil
			}

			return debug.RawEvent{}, false, err
		}

		if tid == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return debug.RawEvent{}, false, nil
			}

			time.Sleep(min(backoff, remaining))
			backoff = min(2*backoff, maxPollBackoff)
			continue
		}

		backoff = minPollBackoff

		err = backend.handleWaitStatus(tid, status)
		if err != nil {
			return debug.RawEvent{}, false, err
		}
	}
}

// Continue resumes the task once every queued event it reported has been
// dispatched.
func (backend *Backend) Continue(pid int, tid int, handled bool) error {
	t, ok := backend.tasks[tid]
	if !ok || !t.stopped {
		return nil
	}

	for _, event := range backend.queue {
		if event.Tid == tid {
			return nil
		}
	}

	signal := t.pendingSignal
	if handled {
		signal = 0
	}

	err := t.resume(signal)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}

	return nil
}

func (backend *Backend) push(event debug.RawEvent) {
	backend.queue = append(backend.queue, event)
}

func (backend *Backend) resume(t *task, signal int) {
	err := t.resume(signal)
	if err != nil {
		backend.logger.Debug(
			"failed to resume task",
			"tid", t.tid,
			"signal", signal,
			"error", err)
	}
}

func (backend *Backend) handleWaitStatus(
	tid int,
	status syscall.WaitStatus,
) error {
	t, ok := backend.tasks[tid]
	if !ok {
		pending, ok := backend.awaitingStop[tid]
		if ok && status.Stopped() {
			backend.newTaskStopped(tid, pending)
		} else if status.Stopped() {
			// The parent's fork / clone event hasn't been observed yet.
			backend.earlyStops[tid] = status
		} else {
			backend.logger.Debug("untracked task exited", "tid", tid)
		}
		return nil
	}

	switch {
	case status.Exited():
		backend.taskExited(t, status.ExitStatus())
	case status.Signaled():
		backend.taskExited(t, 128+int(status.Signal()))
	case status.Stopped():
		t.stopped = true
		return backend.taskStopped(t, status)
	}

	return nil
}

func (backend *Backend) taskExited(t *task, exitCode int) {
	delete(backend.tasks, t.tid)

	if t.tid != t.pid {
		backend.push(debug.RawEvent{
			Kind:     debug.ExitThread,
			Pid:      t.pid,
			Tid:      t.tid,
			ExitCode: exitCode,
		})
		return
	}

	// The thread group leader is reaped after every other thread.
	for _, tid := range backend.sortedTids(t.pid) {
		delete(backend.tasks, tid)
		backend.push(debug.RawEvent{
			Kind: debug.ExitThread,
			Pid:  t.pid,
			Tid:  tid,
		})
	}

	delete(backend.processes, t.pid)
	backend.push(debug.RawEvent{
		Kind:     debug.ExitProcess,
		Pid:      t.pid,
		Tid:      t.tid,
		ExitCode: exitCode,
	})
}

func (backend *Backend) taskStopped(t *task, status syscall.WaitStatus) error {
	signal := status.StopSignal()

	if signal == syscall.SIGTRAP {
		event := ptrace.EventFromWaitStatus(status)
		if event != ptrace.NoEvent {
			return backend.ptraceEventStop(t, event)
		}

		if backend.breakPointHit(t) {
			return nil
		}
	}

	if isFaultSignal(signal) {
		backend.faultSignal(t, signal)
		return nil
	}

	if isStopSignal(signal) {
		_, err := t.tracer.GetSigInfo()
		if err != nil { // group-stop
			backend.resume(t, 0)
			return nil
		}
	}

	backend.resume(t, int(signal))
	return nil
}

func (backend *Backend) ptraceEventStop(t *task, event ptrace.Event) error {
	switch event {
	case ptrace.EventFork, ptrace.EventVFork, ptrace.EventClone:
		msg, err := t.tracer.GetEventMsg()
		if err != nil {
			backend.logger.Warn(
				"failed to read new task id",
				"tid", t.tid,
				"error", err)
		} else {
			newTid := int(msg)
			pending := pendingTask{
				parentPid: t.pid,
				cloned:    event == ptrace.EventClone,
			}

			_, ok := backend.earlyStops[newTid]
			if ok {
				delete(backend.earlyStops, newTid)
				backend.newTaskStopped(newTid, pending)
			} else {
				backend.awaitingStop[newTid] = pending
			}
		}

		backend.resume(t, 0)
	case ptrace.EventExec:
		backend.execStop(t)
	case ptrace.EventVForkDone,
		ptrace.EventExit,
		ptrace.EventStop,
		ptrace.EventSeccomp:

		backend.resume(t, 0)
	default:
		return fmt.Errorf(
			"%w (ptrace event %d, tid=%d)",
			debug.ErrUnknownEvent,
			event,
			t.tid)
	}

	return nil
}

// newTaskStopped reports a forked / cloned task once its initial stop is
// observed.
func (backend *Backend) newTaskStopped(tid int, pending pendingTask) {
	delete(backend.awaitingStop, tid)

	pid := tid
	if pending.cloned {
		pid = pending.parentPid
	}

	status, err := procfs.GetTaskStatus(tid)
	if err != nil {
		backend.logger.Debug("failed to read task status", "tid", tid, "error", err)
	} else {
		pid = status.Tgid
	}

	t := backend.addTask(tid, pid, backend.tracer.Trace(tid))
	t.stopped = true

	if pid != tid {
		backend.push(debug.RawEvent{
			Kind:    debug.CreateThread,
			Pid:     pid,
			Tid:     tid,
			TLSBase: backend.tlsBase(t),
		})
		return
	}

	proc := newProcess(pid)
	parent, ok := backend.processes[pending.parentPid]
	if ok {
		proc.imagePath = parent.imagePath
		proc.breakPoints = parent.breakPoints.Clone()
		proc.entry = parent.entry
		proc.anchor = parent.anchor
		proc.rendezvousBreak = parent.rendezvousBreak
	}
	backend.processes[pid] = proc

	backend.push(debug.RawEvent{
		Kind:      debug.CreateProcess,
		Pid:       pid,
		Tid:       tid,
		TLSBase:   backend.tlsBase(t),
		ImagePath: proc.imagePath,
		Module:    backend.mainModule(proc),
	})
}

func (backend *Backend) execStop(t *task) {
	former, err := t.tracer.GetEventMsg()
	if err == nil && int(former) != t.tid {
		backend.logger.Debug(
			"program image replaced by non-leader thread",
			"pid", t.pid,
			"former_tid", former)
	}

	// Every other thread is destroyed by exec.
	for _, tid := range backend.sortedTids(t.pid) {
		if tid != t.tid {
			delete(backend.tasks, tid)
		}
	}

	backend.execed(t)
}

// execed resets the process' image state and reports the new program image.
// The task remains stopped until the event is continued.
func (backend *Backend) execed(t *task) {
	proc, ok := backend.processes[t.pid]
	if !ok {
		proc = newProcess(t.pid)
		backend.processes[t.pid] = proc
	}

	proc.breakPoints = newBreakPointSites()
	proc.entry = 0
	proc.anchor = 0
	proc.rendezvousBreak = 0

	imagePath, err := procfs.GetExecutablePath(t.pid)
	if err != nil {
		backend.logger.Warn("failed to read image path", "pid", t.pid, "error", err)
	}
	proc.imagePath = imagePath

	auxv, err := procfs.GetAuxiliaryVector(t.pid)
	if err != nil {
		backend.logger.Warn(
			"failed to read auxiliary vector",
			"pid", t.pid,
			"error", err)
	} else {
		entry := auxv[procfs.AT_Entry]
		err = proc.breakPoints.Enable(t.tracer, entry)
		if err != nil {
			backend.logger.Warn(
				"failed to plant entry break point",
				"pid", t.pid,
				"error", err)
		} else {
			proc.entry = entry
		}
	}

	backend.push(debug.RawEvent{
		Kind:      debug.CreateProcess,
		Pid:       t.pid,
		Tid:       t.tid,
		TLSBase:   backend.tlsBase(t),
		ImagePath: proc.imagePath,
		Module:    backend.mainModule(proc),
	})
}

// locateRendezvous finds the dynamic linker's r_debug and plants a break
// point on its notification function (r_brk).  Statically linked programs
// have no rendezvous.
func (backend *Backend) locateRendezvous(proc *process, t *task) {
	auxv, err := procfs.GetAuxiliaryVector(proc.pid)
	if err != nil {
		backend.logger.Warn(
			"failed to read auxiliary vector",
			"pid", proc.pid,
			"error", err)
		return
	}

	memory := processMemory{
		backend: backend,
		pid:     proc.pid,
	}

	anchor, err := loader.LocateDebugRendezvous(
		memory,
		auxv[procfs.AT_ProgramHeader],
		int(auxv[procfs.AT_NumProgramHeaderEntries]))
	if err != nil {
		backend.logger.Warn(
			"failed to locate debug rendezvous",
			"pid", proc.pid,
			"error", err)
		return
	}

	if anchor == 0 {
		return
	}

	rendezvous, err := loader.ReadDebugRendezvous(memory, anchor)
	if err != nil {
		backend.logger.Warn(
			"failed to read debug rendezvous",
			"pid", proc.pid,
			"error", err)
		return
	}

	proc.anchor = anchor

	err = proc.breakPoints.Enable(t.tracer, rendezvous.NotifyFunction)
	if err != nil {
		backend.logger.Warn(
			"failed to plant module notification break point",
			"pid", proc.pid,
			"error", err)
		return
	}

	proc.rendezvousBreak = rendezvous.NotifyFunction
}

// breakPointHit handles stops at the break points planted by this backend.
// Returns false if the trap wasn't caused by one.
func (backend *Backend) breakPointHit(t *task) bool {
	proc, ok := backend.processes[t.pid]
	if !ok {
		return false
	}

	regs, err := t.tracer.GetGeneralRegisters()
	if err != nil {
		return false
	}

	// int3 reports the address after the instruction.
	addr := regs.Rip - 1
	if !proc.breakPoints.Has(addr) {
		return false
	}

	switch addr {
	case proc.entry:
		proc.entry = 0

		err = proc.breakPoints.Disable(t.tracer, addr)
		if err != nil {
			backend.logger.Warn(
				"failed to remove entry break point",
				"pid", t.pid,
				"error", err)
		}

		regs.Rip = addr
		backend.setRegisters(t, regs)

		backend.locateRendezvous(proc, t)
		if proc.anchor != 0 {
			backend.pushModuleListChanged(t, proc)
			return true
		}
	case proc.rendezvousBreak:
		// r_brk is an empty function.  Return to the caller.
		ret := make([]byte, 8)
		memory := processMemory{
			backend: backend,
			pid:     t.pid,
		}

		err = loader.ReadFull(memory, regs.Rsp, ret)
		if err != nil {
			backend.logger.Warn(
				"failed to read return address",
				"pid", t.pid,
				"error", err)
			regs.Rip = addr
			_ = proc.breakPoints.Disable(t.tracer, addr)
			proc.rendezvousBreak = 0
		} else {
			regs.Rip = binary.LittleEndian.Uint64(ret)
			regs.Rsp += 8
		}
		backend.setRegisters(t, regs)

		rendezvous, err := loader.ReadDebugRendezvous(memory, proc.anchor)
		if err == nil && rendezvous.Consistent() {
			backend.pushModuleListChanged(t, proc)
			return true
		}
	default:
		// Site inherited from a parent process.
		regs.Rip = addr
		backend.setRegisters(t, regs)
		_ = proc.breakPoints.Disable(t.tracer, addr)
	}

	backend.resume(t, 0)
	return true
}

func (backend *Backend) setRegisters(t *task, regs *ptrace.UserRegs) {
	err := t.tracer.SetGeneralRegisters(regs)
	if err != nil {
		backend.logger.Warn(
			"failed to set registers",
			"tid", t.tid,
			"error", err)
	}
}

func (backend *Backend) pushModuleListChanged(t *task, proc *process) {
	backend.push(debug.RawEvent{
		Kind: debug.LoadModule,
		Pid:  t.pid,
		Tid:  t.tid,
		Module: debug.RawModule{
			Anchor: debug.VirtualAddress(proc.anchor),
		},
	})
}

func (backend *Backend) faultSignal(t *task, signal syscall.Signal) {
	t.pendingSignal = int(signal)

	info, err := t.tracer.GetSigInfo()
	if err != nil {
		backend.logger.Warn(
			"failed to read signal information",
			"tid", t.tid,
			"signal", signal,
			"error", err)
		backend.resume(t, int(signal))
		return
	}

	regs, err := t.tracer.GetGeneralRegisters()
	if err != nil {
		backend.logger.Warn(
			"failed to read registers",
			"tid", t.tid,
			"error", err)
		backend.resume(t, int(signal))
		return
	}

	firstChance := false
	status, err := procfs.GetTaskStatus(t.tid)
	if err != nil {
		backend.logger.Debug("failed to read task status", "tid", t.tid, "error", err)
	} else {
		firstChance = status.CaughtSignals.Has(int(signal))
	}

	exception := newRawException(info, regs.Rip, firstChance)
	if exception.Code.IsAccessViolation() && !info.IsUserSent() {
		exception.Parameters = accessViolationParameters(
			info,
			regs.Rip,
			func() (debug.Instruction, error) {
				return backend.decodeInstruction(t.pid, regs.Rip)
			})
	}

	backend.push(debug.RawEvent{
		Kind:      debug.Exception,
		Pid:       t.pid,
		Tid:       t.tid,
		Exception: exception,
	})
}

func (backend *Backend) decodeInstruction(
	pid int,
	addr uint64,
) (
	debug.Instruction,
	error,
) {
	data := make([]byte, debug.MaxX64InstructionLength)
	n, err := backend.ReadMemory(pid, debug.VirtualAddress(addr), data)
	if err != nil {
		return debug.Instruction{}, err
	}

	return debug.DecodeInstruction(debug.VirtualAddress(addr), data[:n])
}
