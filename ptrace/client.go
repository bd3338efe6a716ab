package ptrace

import (
	"fmt"
	"os/exec"
	"syscall"
)

// NOTE: ptrace is implemented as a single os-threaded server serving Tracer
// clients in arbitrary goroutines since all ptrace calls to a process (and
// its threads), including PTRACE_TRACEME in os.StartProcess / exec.Cmd.Start,
// must originate from the same os thread.  wait4 is also served by that
// thread since only the tracer thread is guaranteed to see its tracees.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
type Tracer struct {
	Pid int

	server *traceServer

	parent *Tracer // set for tracers that share another tracer's server
}

func StartAndAttachToProcess(cmd *exec.Cmd) (*Tracer, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Child process invokes PTRACE_TRACEME on start.
	cmd.SysProcAttr.Ptrace = true

	// Set pgid to a different group to ensure signals sent to the tracer
	// process won't be forwarded to the child command process.
	cmd.SysProcAttr.Setpgid = true

	server := newTraceServer()

	tracer := &Tracer{
		server: server,
	}

	_, err := tracer.send(request{
		opType: startOp,
		cmd:    cmd,
	})
	if err != nil {
		_ = tracer.shutdown()
		return nil, err
	}

	tracer.Pid = cmd.Process.Pid
	return tracer, nil
}

func AttachToProcess(pid int) (*Tracer, error) {
	server := newTraceServer()

	tracer := &Tracer{
		Pid:    pid,
		server: server,
	}

	_, err := tracer.send(request{
		opType: attachOp,
	})
	if err != nil {
		_ = tracer.shutdown()
		return nil, err
	}

	return tracer, nil
}

// Returns a tracer for another task (thread or child process) traced by the
// same server.
func (tracer *Tracer) Trace(tid int) *Tracer {
	root := tracer
	if tracer.parent != nil {
		root = tracer.parent
	}

	return &Tracer{
		Pid:    tid,
		server: tracer.server,
		parent: root,
	}
}

// Attaches to another task using this tracer's server.  Threads created prior
// to attaching to the main thread are independent tasks, and must be
// attached explicitly.
func (tracer *Tracer) AttachTask(tid int) (*Tracer, error) {
	task := tracer.Trace(tid)
	_, err := task.send(request{
		opType: attachOp,
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// Stops the trace server.  Any remaining tracee is detached by the kernel
// once the server thread exits (and killed when O_EXITKILL is set).
func (tracer *Tracer) Close() error {
	if tracer.parent != nil {
		return nil
	}

	select {
	case <-tracer.server.ctx.Done():
		return nil
	default:
		return tracer.shutdown()
	}
}

func (tracer *Tracer) shutdown() error {
	_, err := tracer.send(request{
		opType: shutdownOp,
	})

	<-tracer.server.ctx.Done()
	return err
}

func (tracer *Tracer) send(req request) (response, error) {
	respChan := make(chan response, 1)
	req.pid = tracer.Pid
	req.responseChan = respChan

	select {
	case <-tracer.server.ctx.Done():
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			tracer.Pid)
	case tracer.server.requestChan <- req:
		resp := <-respChan
		return resp, resp.err
	}
}

func (tracer *Tracer) Detach() error {
	_, err := tracer.send(request{
		opType: detachOp,
	})
	return err
}

func (tracer *Tracer) Resume(signal int) error {
	_, err := tracer.send(request{
		opType: resumeOp,
		signal: signal,
	})
	return err
}

func (tracer *Tracer) SetOptions(options Options) error {
	_, err := tracer.send(request{
		opType:  setOptionsOp,
		options: options,
	})
	return err
}

func (tracer *Tracer) GetGeneralRegisters() (*UserRegs, error) {
	out := &UserRegs{}
	_, err := tracer.send(request{
		opType: getRegsOp,
		regs:   out,
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (tracer *Tracer) SetGeneralRegisters(in *UserRegs) error {
	_, err := tracer.send(request{
		opType: setRegsOp,
		regs:   in,
	})
	return err
}

func (tracer *Tracer) PokeData(addr uintptr, data []byte) (int, error) {
	resp, err := tracer.send(request{
		opType: pokeDataOp,
		addr:   addr,
		data:   data,
	})

	return resp.count, err
}

// NOTE: There's no corresponding WriteToVirtualMemory since process_vm_writev
// does not support writing to protected memory areas.  Use PokeData instead.
func (tracer *Tracer) ReadFromVirtualMemory(
	addr uintptr,
	data []byte,
) (
	int,
	error,
) {
	resp, err := tracer.send(request{
		opType: readMemoryOp,
		addr:   addr,
		data:   data,
	})

	return resp.count, err
}

func (tracer *Tracer) GetSigInfo() (*SigInfo, error) {
	resp, err := tracer.send(request{
		opType: getSigInfoOp,
	})
	return resp.sigInfo, err
}

// For fork / vfork / clone events, the message is the new task's id.  For
// exec events, the message is the former thread id.
func (tracer *Tracer) GetEventMsg() (uint, error) {
	resp, err := tracer.send(request{
		opType: getEventMsgOp,
	})
	return resp.eventMsg, err
}

func (tracer *Tracer) GetThreadArea(entryNumber uint32) (*UserDesc, error) {
	resp, err := tracer.send(request{
		opType:      getThreadAreaOp,
		entryNumber: entryNumber,
	})
	return resp.threadArea, err
}

// Blocks until this tracer's task changes state.
func (tracer *Tracer) Wait() (syscall.WaitStatus, error) {
	resp, err := tracer.send(request{
		opType: waitOp,
	})
	return resp.waitStatus, err
}

// Polls for a state change from any task traced by the server.  Returns a
// zero pid when nothing is pending.
func (tracer *Tracer) PollAny() (int, syscall.WaitStatus, error) {
	resp, err := tracer.send(request{
		opType:    waitOp,
		waitAny:   true,
		waitFlags: syscall.WNOHANG,
	})
	return resp.waitPid, resp.waitStatus, err
}
