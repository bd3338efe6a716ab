package debug

import (
	"time"

	"github.com/pattyshack/fuzzman/debug/loader"
)

type EventKind string

const (
	CreateProcess = EventKind("create process")
	ExitProcess   = EventKind("exit process")
	CreateThread  = EventKind("create thread")
	ExitThread    = EventKind("exit thread")
	LoadModule    = EventKind("load module")
	UnloadModule  = EventKind("unload module")
	Exception     = EventKind("exception")
)

// RawModule is the module information carried by a raw event.  Every field is
// optional.
type RawModule struct {
	Base VirtualAddress
	Size uint64

	// Full path, when the backend knows it.
	Path string

	// Pointer to the module's name string in the target's memory (e.g.,
	// LOAD_DLL_DEBUG_INFO.lpImageName).
	NamePointer VirtualAddress
	NameIsWide  bool

	// Environment block address reported by AnchorReported backends.
	Anchor VirtualAddress
}

type RawException struct {
	Code    ExceptionCode
	Address VirtualAddress

	FirstChance bool
	Continuable bool

	// Type specific parameters.  For access violations: [access kind, target].
	Parameters []uint64

	Nested *RawException
}

// RawEvent is one undecoded debug event as reported by a Backend.
type RawEvent struct {
	Kind EventKind

	Pid int
	Tid int

	// Create process / create thread.
	TLSBase   VirtualAddress
	ImagePath string

	// Exit process / exit thread.
	ExitCode int

	// Create process (main image) / load module / unload module.
	Module RawModule

	// Exception.
	Exception *RawException
}

// Backend is the OS debugging primitive contract.  A backend instance serves
// exactly one session, and is not safe for concurrent use (Close excepted).
type Backend interface {
	Layout() *loader.Layout

	// Spawns the target under debug control, returning the new process' pid.
	Spawn(argv []string) (int, error)

	Attach(pid int) error

	// Returns false if no event arrived before the timeout.  The target thread
	// remains suspended until the event is continued.
	WaitForEvent(timeout time.Duration) (RawEvent, bool, error)

	// Resumes the thread which reported the last event.  When handled is
	// false, the exception (if any) is passed to the target.
	Continue(pid int, tid int, handled bool) error

	Terminate(pids []int) error

	// Politely asks the target to exit.
	RequestClose(pid int) error

	ReadMemory(pid int, addr VirtualAddress, out []byte) (int, error)

	ThreadContext(tid int) (RegisterSet, error)

	ThreadSelectorEntry(tid int, selector uint32) (SelectorEntry, error)

	MemoryRegions(pid int) ([]MemoryRegion, error)

	// Releases all debugging resources.  Blocks until the backend's trace
	// thread has exited.
	Close() error
}
