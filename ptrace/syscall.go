package ptrace

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	// PTRACE_GET_THREAD_AREA (x86 only)
	ptraceGetThreadArea = 25

	O_TRACESYSGOOD = Options(unix.PTRACE_O_TRACESYSGOOD)
	O_TRACEFORK    = Options(unix.PTRACE_O_TRACEFORK)
	O_TRACEVFORK   = Options(unix.PTRACE_O_TRACEVFORK)
	O_TRACECLONE   = Options(unix.PTRACE_O_TRACECLONE)
	O_TRACEEXEC    = Options(unix.PTRACE_O_TRACEEXEC)
	O_EXITKILL     = Options(unix.PTRACE_O_EXITKILL)
)

type Event int

const (
	NoEvent    = Event(0)
	EventFork  = Event(unix.PTRACE_EVENT_FORK)
	EventVFork = Event(unix.PTRACE_EVENT_VFORK)
	EventClone = Event(unix.PTRACE_EVENT_CLONE)
	EventExec  = Event(unix.PTRACE_EVENT_EXEC)

	// Not requested by this package, but may still show up when the tracee
	// was seized by someone else first.
	EventVForkDone = Event(unix.PTRACE_EVENT_VFORK_DONE)
	EventExit      = Event(unix.PTRACE_EVENT_EXIT)
	EventSeccomp   = Event(unix.PTRACE_EVENT_SECCOMP)
	EventStop      = Event(unix.PTRACE_EVENT_STOP)
)

// The ptrace event bits aren't part of the stop signal.  They are encoded in
// bits 16-23 of the raw wait status.
func EventFromWaitStatus(status syscall.WaitStatus) Event {
	return Event((uint32(status) >> 16) & 0xff)
}

// This matches user_regs_struct (64bit variant) defined in <sys/user.h>
type UserRegs = syscall.PtraceRegs

// This matches siginfo_t (64bit variant) for the fault signals.  The union
// starts at offset 16; for SIGSEGV / SIGBUS / SIGILL / SIGFPE / SIGTRAP the
// first union member is si_addr.  For kill / tkill it holds si_pid + si_uid.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32

	Addr uint64

	_ [104]byte
}

// si_code values <= 0 are sent by user space (kill, tkill, sigqueue, ...)
func (info *SigInfo) IsUserSent() bool {
	return info.Code <= 0
}

// This matches struct user_desc defined in <asm/ldt.h>
type UserDesc struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flags       uint32
}

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

func getSigInfo(pid int, out *SigInfo) error {
	return ptracePtr(syscall.PTRACE_GETSIGINFO, pid, 0, unsafe.Pointer(out))
}

func getThreadArea(pid int, out *UserDesc) error {
	return ptracePtr(
		ptraceGetThreadArea,
		pid,
		uintptr(out.EntryNumber),
		unsafe.Pointer(out))
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned.
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}

// NOTE: __WNOTHREAD restricts the wait to tracees of the calling (trace
// server) thread.  Without it, concurrent sessions in the same process would
// reap each other's tracees.
func wait(pid int, flags int) (int, syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	waited, err := syscall.Wait4(
		pid,
		&status,
		flags|unix.WALL|unix.WNOTHREAD,
		nil)
	return waited, status, err
}
