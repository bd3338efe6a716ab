package native

import (
	"fmt"

	"github.com/pattyshack/fuzzman/ptrace"
)

const (
	int3Instruction = byte(0xcc)
)

// breakPointSites tracks the int3 instructions planted in one process'
// memory.  Forked children inherit their parent's planted bytes, and hence a
// copy of its sites.
type breakPointSites struct {
	originalData map[uint64]byte
}

func newBreakPointSites() *breakPointSites {
	return &breakPointSites{
		originalData: map[uint64]byte{},
	}
}

func (sites *breakPointSites) Has(addr uint64) bool {
	_, ok := sites.originalData[addr]
	return ok
}

func (sites *breakPointSites) Clone() *breakPointSites {
	clone := newBreakPointSites()
	for addr, data := range sites.originalData {
		clone.originalData[addr] = data
	}
	return clone
}

func (sites *breakPointSites) Enable(tracer *ptrace.Tracer, addr uint64) error {
	if sites.Has(addr) {
		return nil
	}

	originalData, err := swapData(tracer, addr, int3Instruction)
	if err != nil {
		return fmt.Errorf(
			"failed to enable software break point site at 0x%x: %w",
			addr,
			err)
	}

	sites.originalData[addr] = originalData
	return nil
}

func (sites *breakPointSites) Disable(tracer *ptrace.Tracer, addr uint64) error {
	originalData, ok := sites.originalData[addr]
	if !ok {
		return nil
	}

	_, err := swapData(tracer, addr, originalData)
	if err != nil {
		return fmt.Errorf(
			"failed to disable software break point site at 0x%x: %w",
			addr,
			err)
	}

	delete(sites.originalData, addr)
	return nil
}

func (sites *breakPointSites) ReplaceStopPointBytes(
	startAddr uint64,
	memorySlice []byte,
) {
	endAddr := startAddr + uint64(len(memorySlice))
	for addr, data := range sites.originalData {
		if startAddr <= addr && addr < endAddr {
			memorySlice[int(addr-startAddr)] = data
		}
	}
}

func swapData(tracer *ptrace.Tracer, addr uint64, newData byte) (byte, error) {
	buffer := make([]byte, 1)

	count, err := tracer.ReadFromVirtualMemory(uintptr(addr), buffer)
	if err != nil {
		return 0, err
	} else if count != 1 {
		return 0, fmt.Errorf(
			"failed to read from memory at 0x%x. "+
				"incorrect number of bytes read (%d != 1)",
			addr,
			count)
	}

	originalData := buffer[0]
	buffer[0] = newData

	// NOTE: process_vm_writev can't write to read-only text pages.
	count, err = tracer.PokeData(uintptr(addr), buffer)
	if err != nil {
		return 0, err
	} else if count != 1 {
		return 0, fmt.Errorf(
			"failed to write to memory at 0x%x. "+
				"incorrect number of bytes written (%d != 1)",
			addr,
			count)
	}

	return originalData, nil
}
