package ptrace

import (
	"os/exec"
	"syscall"
)

type opType string

const (
	startOp         = opType("start")
	attachOp        = opType("attach")
	detachOp        = opType("detach")
	resumeOp        = opType("resume")
	setOptionsOp    = opType("setOptions")
	getRegsOp       = opType("getRegs")
	setRegsOp       = opType("setRegs")
	pokeDataOp      = opType("pokeData")
	readMemoryOp    = opType("readMemory")
	getSigInfoOp    = opType("getSigInfo")
	getEventMsgOp   = opType("getEventMsg")
	getThreadAreaOp = opType("getThreadArea")
	waitOp          = opType("wait")
	shutdownOp      = opType("shutdown")
)

type request struct {
	opType

	cmd *exec.Cmd // only used by start

	pid int // used by all except start and shutdown

	signal int // resume

	options Options // set options

	regs *UserRegs // get/set regs

	addr uintptr // poke data / read memory
	data []byte  // poke data / read memory

	entryNumber uint32 // get thread area

	waitFlags int  // wait
	waitAny   bool // wait

	responseChan chan response
}

type response struct {
	count int // poke data / read memory

	sigInfo *SigInfo // get sig info

	eventMsg uint // get event msg

	threadArea *UserDesc // get thread area

	waitPid    int                // wait
	waitStatus syscall.WaitStatus // wait

	err error
}
