package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
)

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	// NOTE: the os thread is never unlocked.  The runtime
	// terminates a locked thread when its goroutine exits, which in turn
	// releases (or kills, with O_EXITKILL) the remaining tracees.
	runtime.LockOSThread()
	defer server.cancel()

	for req := range server.requestChan {
		switch req.opType {
		case startOp:
			req.responseChan <- server.start(req)
		case attachOp:
			req.responseChan <- server.attach(req)
		case detachOp:
			req.responseChan <- server.detach(req)
		case resumeOp:
			req.responseChan <- server.resume(req)
		case setOptionsOp:
			req.responseChan <- server.setOptions(req)
		case getRegsOp:
			req.responseChan <- server.getRegs(req)
		case setRegsOp:
			req.responseChan <- server.setRegs(req)
		case pokeDataOp:
			req.responseChan <- server.pokeData(req)
		case readMemoryOp:
			req.responseChan <- server.readMemory(req)
		case getSigInfoOp:
			req.responseChan <- server.getSigInfo(req)
		case getEventMsgOp:
			req.responseChan <- server.getEventMsg(req)
		case getThreadAreaOp:
			req.responseChan <- server.getThreadArea(req)
		case waitOp:
			req.responseChan <- server.wait(req)
		case shutdownOp:
			req.responseChan <- response{}
			return
		}
	}
}

func (server *traceServer) start(req request) response {
	err := req.cmd.Start()
	if err != nil {
		err = fmt.Errorf("failed to start process: %w", err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) attach(req request) response {
	err := syscall.PtraceAttach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to attach to process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) resume(req request) response {
	err := syscall.PtraceCont(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to resume process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setOptions(req request) response {
	err := syscall.PtraceSetOptions(req.pid, int(req.options))
	if err != nil {
		err = fmt.Errorf("failed to set options for process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegs(req request) response {
	err := syscall.PtraceGetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get general register values from process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setRegs(req request) response {
	err := syscall.PtraceSetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to set general register values for process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) pokeData(req request) response {
	count, err := syscall.PtracePokeData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke data (%d ; %d) for process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

// This uses process_vm_readv instead of PTRACE_PEEK_DATA for reading
// efficiency.  This is included as part of the tracer since the read
// permission is governed by ptrace.
func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at %d (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) getSigInfo(req request) response {
	out := &SigInfo{}
	err := getSigInfo(req.pid, out)
	if err != nil {
		out = nil
		err = fmt.Errorf(
			"failed to get signal information from process %d: %w",
			req.pid,
			err)
	}

	return response{
		sigInfo: out,
		err:     err,
	}
}

func (server *traceServer) getEventMsg(req request) response {
	msg, err := syscall.PtraceGetEventMsg(req.pid)
	if err != nil {
		err = fmt.Errorf(
			"failed to get event message from process %d: %w",
			req.pid,
			err)
	}

	return response{
		eventMsg: msg,
		err:      err,
	}
}

func (server *traceServer) getThreadArea(req request) response {
	out := &UserDesc{
		EntryNumber: req.entryNumber,
	}
	err := getThreadArea(req.pid, out)
	if err != nil {
		out = nil
		err = fmt.Errorf(
			"failed to get thread area entry %d from thread %d: %w",
			req.entryNumber,
			req.pid,
			err)
	}

	return response{
		threadArea: out,
		err:        err,
	}
}

func (server *traceServer) wait(req request) response {
	pid := req.pid
	if req.waitAny {
		pid = -1
	}

	waited, status, err := wait(pid, req.waitFlags)
	if err != nil {
		err = fmt.Errorf("failed to wait for process %d: %w", pid, err)
	}

	return response{
		waitPid:    waited,
		waitStatus: status,
		err:        err,
	}
}
