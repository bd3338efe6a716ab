package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	programHeaderSize = 56
	dynamicEntrySize  = 16

	maxProgramHeaders   = 256
	maxDynamicEntries   = 1024
	debugRendezvousSize = 40
)

// r_debug in link.h
type DebugRendezvous struct {
	// r_version - 2 for dlmopen, 1 for dlopen / in general
	Version int32

	_ int32 // word alignment padding

	// r_map - link list of link_map entries
	LinkMap uint64

	// r_brk - address of a no-op notify function, called before and after
	// each change to the link map.
	NotifyFunction uint64

	// r_state:
	// - RT_CONSISTENT (0) - dynamic linker is in consistent state
	// - RT_ADD (1) - dynamic linker is adding a library
	// - RT_DELETE (2) - dynamic linker is deleting a library
	State int32

	_ int32 // word alignment padding

	// r_ldbase - dynamic linker location
	LinkerLocation uint64
}

func (rendezvous *DebugRendezvous) Consistent() bool {
	return rendezvous.State == 0
}

func ReadDebugRendezvous(
	memory RemoteMemory,
	addr uint64,
) (
	*DebugRendezvous,
	error,
) {
	data := make([]byte, debugRendezvousSize)
	err := ReadFull(memory, addr, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read debug rendezvous: %w", err)
	}

	rendezvous := &DebugRendezvous{}
	_, err = binary.Decode(data, binary.LittleEndian, rendezvous)
	if err != nil {
		return nil, fmt.Errorf("failed to decode debug rendezvous: %w", err)
	}

	if rendezvous.Version < 1 || 2 < rendezvous.Version {
		return nil, fmt.Errorf(
			"invalid debug rendezvous version (%d)",
			rendezvous.Version)
	}

	if rendezvous.State < 0 || 2 < rendezvous.State {
		return nil, fmt.Errorf(
			"invalid debug rendezvous state (%d)",
			rendezvous.State)
	}

	return rendezvous, nil
}

// LocateDebugRendezvous finds the r_debug address through the running
// program's DT_DEBUG dynamic entry.  programHeaders is the in-memory address of
// the program header table (AT_PHDR).  Returns zero if the program is
// statically linked, or if the dynamic linker has not yet filled in DT_DEBUG.
func LocateDebugRendezvous(
	memory RemoteMemory,
	programHeaders uint64,
	numProgramHeaders int,
) (
	uint64,
	error,
) {
	if numProgramHeaders <= 0 || numProgramHeaders > maxProgramHeaders {
		return 0, fmt.Errorf(
			"invalid number of program headers (%d)",
			numProgramHeaders)
	}

	data := make([]byte, numProgramHeaders*programHeaderSize)
	err := ReadFull(memory, programHeaders, data)
	if err != nil {
		return 0, fmt.Errorf("failed to read program headers: %w", err)
	}

	headers := make([]elf.Prog64, numProgramHeaders)
	_, err = binary.Decode(data, binary.LittleEndian, headers)
	if err != nil {
		return 0, fmt.Errorf("failed to decode program headers: %w", err)
	}

	loadBias := uint64(0)
	var dynamic *elf.Prog64
	for idx, header := range headers {
		switch elf.ProgType(header.Type) {
		case elf.PT_PHDR:
			loadBias = programHeaders - header.Vaddr
		case elf.PT_DYNAMIC:
			dynamic = &headers[idx]
		}
	}

	if dynamic == nil {
		return 0, nil
	}

	numEntries := int(dynamic.Memsz / dynamicEntrySize)
	if numEntries > maxDynamicEntries {
		numEntries = maxDynamicEntries
	}

	data = make([]byte, numEntries*dynamicEntrySize)
	err = ReadFull(memory, loadBias+dynamic.Vaddr, data)
	if err != nil {
		return 0, fmt.Errorf("failed to read dynamic section: %w", err)
	}

	entries := make([]elf.Dyn64, numEntries)
	_, err = binary.Decode(data, binary.LittleEndian, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to decode dynamic section: %w", err)
	}

	for _, entry := range entries {
		switch elf.DynTag(entry.Tag) {
		case elf.DT_NULL:
			return 0, nil
		case elf.DT_DEBUG:
			return entry.Val, nil
		}
	}

	return 0, nil
}
