package debugtest

import (
	"github.com/pattyshack/fuzzman/debug"
)

func ProcessCreated(pid int, imagePath string) debug.RawEvent {
	return debug.RawEvent{
		Kind:      debug.CreateProcess,
		Pid:       pid,
		Tid:       pid,
		ImagePath: imagePath,
	}
}

func ProcessExited(pid int, exitCode int) debug.RawEvent {
	return debug.RawEvent{
		Kind:     debug.ExitProcess,
		Pid:      pid,
		Tid:      pid,
		ExitCode: exitCode,
	}
}

func ThreadCreated(pid int, tid int) debug.RawEvent {
	return debug.RawEvent{
		Kind: debug.CreateThread,
		Pid:  pid,
		Tid:  tid,
	}
}

func ThreadExited(pid int, tid int) debug.RawEvent {
	return debug.RawEvent{
		Kind: debug.ExitThread,
		Pid:  pid,
		Tid:  tid,
	}
}

func ModuleLoaded(
	pid int,
	path string,
	base debug.VirtualAddress,
	size uint64,
) debug.RawEvent {
	return debug.RawEvent{
		Kind: debug.LoadModule,
		Pid:  pid,
		Tid:  pid,
		Module: debug.RawModule{
			Base: base,
			Size: size,
			Path: path,
		},
	}
}

func ModuleUnloaded(pid int, base debug.VirtualAddress) debug.RawEvent {
	return debug.RawEvent{
		Kind: debug.UnloadModule,
		Pid:  pid,
		Tid:  pid,
		Module: debug.RawModule{
			Base: base,
		},
	}
}

func ExceptionRaised(
	pid int,
	tid int,
	code debug.ExceptionCode,
	addr debug.VirtualAddress,
	firstChance bool,
	parameters ...uint64,
) debug.RawEvent {
	return debug.RawEvent{
		Kind: debug.Exception,
		Pid:  pid,
		Tid:  tid,
		Exception: &debug.RawException{
			Code:        code,
			Address:     addr,
			FirstChance: firstChance,
			Parameters:  parameters,
		},
	}
}

// AccessViolationRaised is a second chance access violation.
func AccessViolationRaised(
	pid int,
	tid int,
	addr debug.VirtualAddress,
	access debug.AccessKind,
	target debug.VirtualAddress,
) debug.RawEvent {
	return ExceptionRaised(
		pid,
		tid,
		debug.AccessViolation,
		addr,
		false,
		uint64(access),
		uint64(target))
}
