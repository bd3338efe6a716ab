package loader

import (
	"fmt"
	"sort"
)

// Anchor describes how the debugger locates a process' environment block
// (the structure that references the loaded module list).
type Anchor string

const (
	// The environment block pointer is stored in the thread's local storage
	// block, at EnvironmentBlockOffset from the thread local storage base.
	AnchorThreadLocal = Anchor("thread local")

	// The debugging backend reports the environment block's address on
	// module load events (e.g., linux's r_debug address).
	AnchorReported = Anchor("reported")
)

type NameEncoding string

const (
	// The field holds a pointer to a zero terminated byte string.
	CString = NameEncoding("c string")

	// The field holds a counted utf16 string (UNICODE_STRING).
	UnicodeString = NameEncoding("unicode string")
)

const (
	NoField = -1
)

// Layout describes the in-memory shape of a platform's loaded module list.
// All offsets are in bytes.
type Layout struct {
	Name string

	PointerSize int

	Anchor Anchor

	// Offset from the thread local storage base to the environment block
	// pointer.  Only applicable to AnchorThreadLocal.
	EnvironmentBlockOffset uint64

	// Offset from the environment block to the loader data pointer.  When the
	// list is NOT circular, the loader data pointer is the list's first node.
	LoaderDataOffset uint64

	// Offset from the loader data to the list head sentinel.  Only applicable
	// to circular lists.
	ListHeadOffset uint64

	// When true, the list is circular and the head is a sentinel node.
	// Otherwise, the list is null terminated.
	Circular bool

	// Node field offsets.
	ForwardLinkOffset int
	BaseOffset        int
	SizeOffset        int // NoField if the node does not record image size
	PathOffset        int
	NameOffset        int // NoField if the name is derived from the path

	NameEncoding NameEncoding

	// When true, module extents are resolved from the process' memory map
	// rather than from the node's base / size fields.
	SizeFromRegions bool
}

func (layout *Layout) nodeSize() int {
	size := 0
	for _, offset := range []int{
		layout.ForwardLinkOffset,
		layout.BaseOffset,
		layout.SizeOffset,
		layout.PathOffset,
		layout.NameOffset,
	} {
		if offset == NoField {
			continue
		}

		end := offset + layout.fieldSize(offset)
		if end > size {
			size = end
		}
	}

	return size
}

func (layout *Layout) fieldSize(offset int) int {
	if layout.NameEncoding == UnicodeString &&
		(offset == layout.PathOffset || offset == layout.NameOffset) {

		// USHORT Length, USHORT MaximumLength, (padding), PWSTR Buffer
		return 2 * layout.PointerSize
	}

	return layout.PointerSize
}

var (
	// https://learn.microsoft.com/en-us/windows/win32/api/winternl/ns-winternl-peb
	// (offsets from the 32-bit TEB / PEB / PEB_LDR_DATA / LDR_DATA_TABLE_ENTRY)
	Windows386 = &Layout{
		Name:                   "windows/386",
		PointerSize:            4,
		Anchor:                 AnchorThreadLocal,
		EnvironmentBlockOffset: 0x30,
		LoaderDataOffset:       0x0C,
		ListHeadOffset:         0x0C, // InLoadOrderModuleList
		Circular:               true,
		ForwardLinkOffset:      0x00, // InLoadOrderLinks.Flink
		BaseOffset:             0x18, // DllBase
		SizeOffset:             0x20, // SizeOfImage
		PathOffset:             0x24, // FullDllName
		NameOffset:             0x2C, // BaseDllName
		NameEncoding:           UnicodeString,
	}

	WindowsAmd64 = &Layout{
		Name:                   "windows/amd64",
		PointerSize:            8,
		Anchor:                 AnchorThreadLocal,
		EnvironmentBlockOffset: 0x60,
		LoaderDataOffset:       0x18,
		ListHeadOffset:         0x10,
		Circular:               true,
		ForwardLinkOffset:      0x00,
		BaseOffset:             0x30,
		SizeOffset:             0x40,
		PathOffset:             0x48,
		NameOffset:             0x58,
		NameEncoding:           UnicodeString,
	}

	// r_debug / link_map in link.h.  The environment block is r_debug, whose
	// r_map (offset 8) points to the first link_map entry.
	LinuxAmd64 = &Layout{
		Name:              "linux/amd64",
		PointerSize:       8,
		Anchor:            AnchorReported,
		LoaderDataOffset:  8,
		Circular:          false,
		ForwardLinkOffset: 24, // l_next
		BaseOffset:        0,  // l_addr (load bias)
		SizeOffset:        NoField,
		PathOffset:        8, // l_name
		NameOffset:        NoField,
		NameEncoding:      CString,
		SizeFromRegions:   true,
	}

	layouts = map[string]*Layout{
		Windows386.Name:   Windows386,
		WindowsAmd64.Name: WindowsAmd64,
		LinuxAmd64.Name:   LinuxAmd64,
	}
)

func LookupLayout(name string) (*Layout, error) {
	layout, ok := layouts[name]
	if !ok {
		return nil, fmt.Errorf("unsupported loader layout (%s)", name)
	}

	return layout, nil
}

func LayoutNames() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
