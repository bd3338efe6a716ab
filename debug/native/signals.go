package native

import (
	"syscall"

	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/ptrace"
)

// si_code values.  See sigaction(2).
const (
	siKernel = 0x80

	busAdrAln = 1

	illPrvOpc = 5
	illPrvReg = 6

	fpeIntDiv = 1
	fpeIntOvf = 2
	fpeFltDiv = 3
	fpeFltOvf = 4
	fpeFltUnd = 5
	fpeFltRes = 6
	fpeFltSub = 8

	trapTrace = 2
)

func isFaultSignal(signal syscall.Signal) bool {
	switch signal {
	case syscall.SIGSEGV,
		syscall.SIGBUS,
		syscall.SIGILL,
		syscall.SIGFPE,
		syscall.SIGTRAP,
		syscall.SIGABRT,
		syscall.SIGSYS:
		return true
	}

	return false
}

func isStopSignal(signal syscall.Signal) bool {
	switch signal {
	case syscall.SIGSTOP, syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU:
		return true
	}

	return false
}

func exceptionCode(info *ptrace.SigInfo) debug.ExceptionCode {
	switch syscall.Signal(info.Signo) {
	case syscall.SIGSEGV:
		return debug.AccessViolation
	case syscall.SIGBUS:
		if info.Code == busAdrAln {
			return debug.DatatypeMisalignment
		}
		return debug.InPageError
	case syscall.SIGILL:
		if info.Code == illPrvOpc || info.Code == illPrvReg {
			return debug.PrivilegedInstruction
		}
		return debug.IllegalInstruction
	case syscall.SIGFPE:
		switch info.Code {
		case fpeIntDiv:
			return debug.IntDivideByZero
		case fpeIntOvf:
			return debug.IntOverflow
		case fpeFltDiv:
			return debug.FltDivideByZero
		case fpeFltOvf:
			return debug.FltOverflow
		case fpeFltUnd:
			return debug.FltUnderflow
		case fpeFltRes:
			return debug.FltInexactResult
		case fpeFltSub:
			return debug.ArrayBoundsExceeded
		default: // FPE_FLTINV and unknown codes
			return debug.FltInvalidOperation
		}
	case syscall.SIGTRAP:
		if info.Code == trapTrace {
			return debug.SingleStep
		}
		return debug.Breakpoint
	case syscall.SIGABRT:
		return debug.FatalAppExit
	case syscall.SIGSYS:
		return debug.InvalidSystemService
	}

	return debug.UnmappedSignalBase | debug.ExceptionCode(info.Signo&0xff)
}

// newRawException translates a fault signal into an exception record.
// Access violation parameters are filled in by the caller since they
// require decoding the faulting instruction.
func newRawException(
	info *ptrace.SigInfo,
	instructionPointer uint64,
	firstChance bool,
) *debug.RawException {
	addr := instructionPointer
	if syscall.Signal(info.Signo) == syscall.SIGTRAP && info.Code == siKernel {
		// int3 reports the address after the instruction.
		addr--
	}

	return &debug.RawException{
		Code:        exceptionCode(info),
		Address:     debug.VirtualAddress(addr),
		FirstChance: firstChance,
		Continuable: info.IsUserSent(),
	}
}

// accessViolationParameters returns [access kind, target address].  A fault
// address equal to the instruction pointer is an execute (DEP) violation.
func accessViolationParameters(
	info *ptrace.SigInfo,
	instructionPointer uint64,
	decode func() (debug.Instruction, error),
) []uint64 {
	if info.Addr == instructionPointer {
		return []uint64{uint64(debug.DEPAccess), info.Addr}
	}

	access := debug.ReadAccess
	inst, err := decode()
	if err == nil {
		access = debug.MemoryAccessKind(inst.Inst)
	}

	return []uint64{uint64(access), info.Addr}
}
