package debug

import (
	"fmt"

	"github.com/pattyshack/fuzzman/debug/loader"
)

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

type ThreadInfo struct {
	Pid int
	Tid int

	// Thread local storage base (fs base on linux/amd64, TEB on windows).
	TLSBase VirtualAddress
}

type ModuleInfo struct {
	Name string
	Path string
	Base VirtualAddress
	Size uint64
}

func (module ModuleInfo) Contains(addr VirtualAddress) bool {
	return module.Base <= addr && uint64(addr-module.Base) < module.Size
}

func (module ModuleInfo) String() string {
	return fmt.Sprintf(
		"%s [%s, 0x%016x)",
		module.Path,
		module.Base,
		uint64(module.Base)+module.Size)
}

const (
	UnknownModule = loader.UnknownName
)

// Location is a symbolic module + offset address.  Symbol is an optional
// enrichment, and is not part of the location's identity.
type Location struct {
	Module string
	Offset uint64

	Symbol string
}

func (loc Location) Known() bool {
	return loc.Module != ""
}

func (loc Location) Equal(other Location) bool {
	return loc.Module == other.Module && loc.Offset == other.Offset
}

func (loc Location) String() string {
	if !loc.Known() {
		return UnknownModule
	}

	return fmt.Sprintf("%s+0x%x", loc.Module, loc.Offset)
}

type Register struct {
	Name  string
	Value uint64
}

// RegisterSet is an ordered register dump of one thread.
type RegisterSet struct {
	Registers []Register

	InstructionPointer VirtualAddress
	StackPointer       VirtualAddress
}

func (set RegisterSet) Get(name string) (uint64, bool) {
	for _, reg := range set.Registers {
		if reg.Name == name {
			return reg.Value, true
		}
	}

	return 0, false
}

// SelectorEntry is a decoded segment descriptor.
type SelectorEntry struct {
	Base  VirtualAddress
	Limit uint32
	Flags uint32
}

type MemoryRegion = loader.Region
