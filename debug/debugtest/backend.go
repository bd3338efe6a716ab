// Package debugtest provides a scripted in-memory debug.Backend.
package debugtest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/loader"
)

var (
	ErrUnmapped = errors.New("unmapped address")
)

type ContinueCall struct {
	Pid     int
	Tid     int
	Handled bool
}

type memorySegment struct {
	addr uint64
	data []byte
}

// Backend replays pushed events in order.  Terminate (and optionally
// RequestClose) drops the target's pending events and queues process exit
// events, mimicking the OS.
type Backend struct {
	mutex sync.Mutex

	layout *loader.Layout

	// Pid returned by Spawn.
	SpawnPid int
	SpawnErr error

	// Invoked (without holding the backend's lock) by a successful Spawn.
	// Typically used to push the spawned target's events.
	OnSpawn func(backend *Backend, argv []string)

	AttachErr   error
	ContinueErr error

	// When true, RequestClose behaves like Terminate.
	ExitOnRequestClose bool

	// How long WaitForEvent blocks (capped by its timeout) when no event is
	// queued.
	IdleDelay time.Duration

	events []debug.RawEvent
	known  map[int]struct{}

	memory    map[int][]memorySegment
	regions   map[int][]debug.MemoryRegion
	contexts  map[int]debug.RegisterSet
	selectors map[int]map[uint32]debug.SelectorEntry

	spawned       [][]string
	attached      []int
	continues     []ContinueCall
	terminated    [][]int
	closeRequests []int
	closed        int
}

func NewBackend(layout *loader.Layout) *Backend {
	return &Backend{
		layout:    layout,
		SpawnPid:  1000,
		IdleDelay: time.Millisecond,
		known:     map[int]struct{}{},
		memory:    map[int][]memorySegment{},
		regions:   map[int][]debug.MemoryRegion{},
		contexts:  map[int]debug.RegisterSet{},
		selectors: map[int]map[uint32]debug.SelectorEntry{},
	}
}

func (backend *Backend) Layout() *loader.Layout {
	return backend.layout
}

func (backend *Backend) Push(events ...debug.RawEvent) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.push(events...)
}

func (backend *Backend) push(events ...debug.RawEvent) {
	for _, event := range events {
		switch event.Kind {
		case debug.CreateProcess:
			backend.known[event.Pid] = struct{}{}
		case debug.ExitProcess:
			delete(backend.known, event.Pid)
		}

		backend.events = append(backend.events, event)
	}
}

func (backend *Backend) Pending() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return len(backend.events)
}

// SetMemory maps data at addr, replacing any segment previously mapped at the
// same address.
func (backend *Backend) SetMemory(pid int, addr uint64, data []byte) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	segments := backend.memory[pid]
	for idx, segment := range segments {
		if segment.addr == addr {
			segments[idx].data = data
			return
		}
	}

	backend.memory[pid] = append(
		segments,
		memorySegment{
			addr: addr,
			data: data,
		})
}

func (backend *Backend) SetRegions(pid int, regions []debug.MemoryRegion) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.regions[pid] = regions
}

func (backend *Backend) SetContext(tid int, regs debug.RegisterSet) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.contexts[tid] = regs
}

func (backend *Backend) SetSelector(
	tid int,
	selector uint32,
	entry debug.SelectorEntry,
) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	entries, ok := backend.selectors[tid]
	if !ok {
		entries = map[uint32]debug.SelectorEntry{}
		backend.selectors[tid] = entries
	}
	entries[selector] = entry
}

func (backend *Backend) Spawned() [][]string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return append([][]string{}, backend.spawned...)
}

func (backend *Backend) Attached() []int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return append([]int{}, backend.attached...)
}

func (backend *Backend) Continues() []ContinueCall {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return append([]ContinueCall{}, backend.continues...)
}

func (backend *Backend) Terminated() [][]int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return append([][]int{}, backend.terminated...)
}

func (backend *Backend) CloseRequests() []int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return append([]int{}, backend.closeRequests...)
}

func (backend *Backend) Closed() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return backend.closed
}

func (backend *Backend) Spawn(argv []string) (int, error) {
	backend.mutex.Lock()
	if backend.SpawnErr != nil {
		backend.mutex.Unlock()
		return 0, backend.SpawnErr
	}

	backend.spawned = append(backend.spawned, argv)
	pid := backend.SpawnPid
	onSpawn := backend.OnSpawn
	backend.mutex.Unlock()

	if onSpawn != nil {
		onSpawn(backend, argv)
	}

	return pid, nil
}

func (backend *Backend) Attach(pid int) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	if backend.AttachErr != nil {
		return backend.AttachErr
	}

	backend.attached = append(backend.attached, pid)
	return nil
}

func (backend *Backend) WaitForEvent(
	timeout time.Duration,
) (
	debug.RawEvent,
	bool,
	error,
) {
	backend.mutex.Lock()
	if len(backend.events) > 0 {
		event := backend.events[0]
		backend.events = backend.events[1:]
		backend.mutex.Unlock()
		return event, true, nil
	}
	delay := backend.IdleDelay
	backend.mutex.Unlock()

	if delay > timeout {
		delay = timeout
	}
	time.Sleep(delay)

	return debug.RawEvent{}, false, nil
}

func (backend *Backend) Continue(pid int, tid int, handled bool) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	if backend.ContinueErr != nil {
		return backend.ContinueErr
	}

	backend.continues = append(
		backend.continues,
		ContinueCall{
			Pid:     pid,
			Tid:     tid,
			Handled: handled,
		})
	return nil
}

func (backend *Backend) Terminate(pids []int) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.terminated = append(backend.terminated, pids)
	backend.kill(pids)
	return nil
}

func (backend *Backend) kill(pids []int) {
	killed := map[int]struct{}{}
	for _, pid := range pids {
		killed[pid] = struct{}{}
	}

	remaining := []debug.RawEvent{}
	for _, event := range backend.events {
		_, ok := killed[event.Pid]
		if ok && event.Kind != debug.CreateProcess {
			continue
		}
		remaining = append(remaining, event)
	}
	backend.events = remaining

	for _, pid := range pids {
		_, ok := backend.known[pid]
		if ok {
			backend.push(ProcessExited(pid, 137))
		}
	}
}

func (backend *Backend) RequestClose(pid int) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.closeRequests = append(backend.closeRequests, pid)
	if backend.ExitOnRequestClose {
		backend.kill([]int{pid})
	}
	return nil
}

func (backend *Backend) ReadMemory(
	pid int,
	addr debug.VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	start := uint64(addr)
	for _, segment := range backend.memory[pid] {
		end := segment.addr + uint64(len(segment.data))
		if segment.addr <= start && start < end {
			return copy(out, segment.data[start-segment.addr:]), nil
		}
	}

	return 0, fmt.Errorf("%w (pid=%d addr=%s)", ErrUnmapped, pid, addr)
}

func (backend *Backend) ThreadContext(tid int) (debug.RegisterSet, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	regs, ok := backend.contexts[tid]
	if !ok {
		return debug.RegisterSet{}, fmt.Errorf("no context for thread %d", tid)
	}

	return regs, nil
}

func (backend *Backend) ThreadSelectorEntry(
	tid int,
	selector uint32,
) (
	debug.SelectorEntry,
	error,
) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	entry, ok := backend.selectors[tid][selector]
	if !ok {
		return debug.SelectorEntry{}, fmt.Errorf(
			"no selector 0x%x for thread %d",
			selector,
			tid)
	}

	return entry, nil
}

func (backend *Backend) MemoryRegions(pid int) ([]debug.MemoryRegion, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	return backend.regions[pid], nil
}

func (backend *Backend) Close() error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.closed++
	return nil
}
