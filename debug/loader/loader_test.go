package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"
	"unicode/utf16"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type fakeMemory struct {
	segments map[uint64][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		segments: map[uint64][]byte{},
	}
}

func (mem *fakeMemory) write(addr uint64, data []byte) {
	mem.segments[addr] = data
}

func (mem *fakeMemory) writePointer(layout *Layout, addr uint64, value uint64) {
	mem.write(addr, encodePointer(layout, value))
}

func (mem *fakeMemory) Read(addr uint64, out []byte) (int, error) {
	for base, segment := range mem.segments {
		if base <= addr && addr < base+uint64(len(segment)) {
			return copy(out, segment[addr-base:]), nil
		}
	}

	return 0, fmt.Errorf("unmapped address 0x%x", addr)
}

func encodePointer(layout *Layout, value uint64) []byte {
	data := make([]byte, layout.PointerSize)
	if layout.PointerSize == 4 {
		binary.LittleEndian.PutUint32(data, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(data, value)
	}
	return data
}

func encodeWide(value string) []byte {
	units := utf16.Encode([]rune(value))
	data := make([]byte, 2*len(units))
	for idx, unit := range units {
		binary.LittleEndian.PutUint16(data[2*idx:], unit)
	}
	return data
}

const (
	environmentBlockAddress = uint64(0x1000)
	loaderDataAddress       = uint64(0x2000)
	nodeBaseAddress         = uint64(0x100000)
	nodeStride              = uint64(0x100)
	stringBaseAddress       = uint64(0x800000)
	stringStride            = uint64(0x200)
)

type listNode struct {
	path string
	name string
	base uint64
	size uint32
}

func nodeAddress(idx int) uint64 {
	return nodeBaseAddress + uint64(idx)*nodeStride
}

// Lays out the list in fake memory using the layout's offsets.  next maps a
// node index to its forward link target (defaults to the following node, then
// the terminator).
func buildList(
	layout *Layout,
	mem *fakeMemory,
	nodes []listNode,
	next map[int]uint64,
) {
	head := uint64(0)
	if layout.Circular {
		head = loaderDataAddress + layout.ListHeadOffset
		mem.writePointer(
			layout,
			environmentBlockAddress+layout.LoaderDataOffset,
			loaderDataAddress)

		first := head
		if len(nodes) > 0 {
			first = nodeAddress(0)
		}
		mem.writePointer(layout, head, first)
	} else {
		first := uint64(0)
		if len(nodes) > 0 {
			first = nodeAddress(0)
		}
		mem.writePointer(
			layout,
			environmentBlockAddress+layout.LoaderDataOffset,
			first)
	}

	for idx, node := range nodes {
		data := make([]byte, layout.nodeSize())

		link := head
		if idx+1 < len(nodes) {
			link = nodeAddress(idx + 1)
		}
		override, ok := next[idx]
		if ok {
			link = override
		}
		copy(data[layout.ForwardLinkOffset:], encodePointer(layout, link))
		copy(data[layout.BaseOffset:], encodePointer(layout, node.base))

		if layout.SizeOffset != NoField {
			binary.LittleEndian.PutUint32(data[layout.SizeOffset:], node.size)
		}

		pathAddr := stringBaseAddress + uint64(2*idx)*stringStride
		nameAddr := pathAddr + stringStride

		writeString := func(offset int, addr uint64, value string) {
			if layout.NameEncoding == UnicodeString {
				encoded := encodeWide(value)
				binary.LittleEndian.PutUint16(data[offset:], uint16(len(encoded)))
				binary.LittleEndian.PutUint16(data[offset+2:], uint16(len(encoded)))
				copy(
					data[offset+layout.PointerSize:],
					encodePointer(layout, addr))
				mem.write(addr, encoded)
			} else {
				copy(data[offset:], encodePointer(layout, addr))
				mem.write(addr, append([]byte(value), 0))
			}
		}

		writeString(layout.PathOffset, pathAddr, node.path)
		if layout.NameOffset != NoField {
			writeString(layout.NameOffset, nameAddr, node.name)
		}

		mem.write(nodeAddress(idx), data)
	}
}

func windowsNodes(count int) []listNode {
	nodes := []listNode{}
	for idx := 0; idx < count; idx++ {
		name := fmt.Sprintf("mod%d.dll", idx)
		nodes = append(
			nodes,
			listNode{
				path: `C:\Windows\System32\` + name,
				name: name,
				base: 0x10000000 + uint64(idx)*0x100000,
				size: 0x8000,
			})
	}
	return nodes
}

type LoaderSuite struct{}

func TestLoader(t *testing.T) {
	suite.RunTests(t, &LoaderSuite{})
}

func (LoaderSuite) TestLookupLayout(t *testing.T) {
	layout, err := LookupLayout("windows/amd64")
	expect.Nil(t, err)
	expect.Equal(t, WindowsAmd64, layout)

	_, err = LookupLayout("plan9/mips")
	expect.Error(t, err, "unsupported loader layout (plan9/mips)")

	expect.Equal(
		t,
		[]string{"linux/amd64", "windows/386", "windows/amd64"},
		LayoutNames())
}

func (LoaderSuite) TestWindowsAmd64CircularList(t *testing.T) {
	mem := newFakeMemory()
	nodes := windowsNodes(3)
	buildList(WindowsAmd64, mem, nodes, nil)

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtSentinel, result.Stop)
	expect.False(t, result.Malformed())
	expect.Equal(t, 3, len(result.Modules))

	for idx, node := range nodes {
		module := result.Modules[idx]
		expect.Equal(t, node.name, module.Name)
		expect.Equal(t, node.path, module.Path)
		expect.Equal(t, node.base, module.Base)
		expect.Equal(t, uint64(node.size), module.Size)
	}
}

func (LoaderSuite) TestWindows386CircularList(t *testing.T) {
	mem := newFakeMemory()
	nodes := windowsNodes(2)
	buildList(Windows386, mem, nodes, nil)

	result, err := Walk(Windows386, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtSentinel, result.Stop)
	expect.Equal(t, 2, len(result.Modules))
	expect.Equal(t, "mod1.dll", result.Modules[1].Name)
	expect.Equal(t, uint64(0x10100000), result.Modules[1].Base)
}

func (LoaderSuite) TestEmptyCircularList(t *testing.T) {
	mem := newFakeMemory()
	buildList(WindowsAmd64, mem, nil, nil)

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtSentinel, result.Stop)
	expect.Equal(t, 0, len(result.Modules))
}

func (LoaderSuite) TestUninitializedLoaderData(t *testing.T) {
	mem := newFakeMemory()
	mem.writePointer(
		WindowsAmd64,
		environmentBlockAddress+WindowsAmd64.LoaderDataOffset,
		0)

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtNull, result.Stop)
	expect.Equal(t, 0, len(result.Modules))

	result, err = Walk(WindowsAmd64, mem, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0, len(result.Modules))
}

func (LoaderSuite) TestCorruptedForwardLink(t *testing.T) {
	mem := newFakeMemory()
	nodes := windowsNodes(4)

	// The last node points back into the middle of the list instead of the
	// head sentinel.
	buildList(WindowsAmd64, mem, nodes, map[int]uint64{3: nodeAddress(1)})

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtRepeatedNode, result.Stop)
	expect.True(t, result.Malformed())
	expect.Equal(t, 4, len(result.Modules))
}

func (LoaderSuite) TestIterationCap(t *testing.T) {
	mem := newFakeMemory()
	buildList(WindowsAmd64, mem, windowsNodes(MaxModules+10), nil)

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtCap, result.Stop)
	expect.Equal(t, MaxModules, len(result.Modules))
}

func (LoaderSuite) TestUnreadableNode(t *testing.T) {
	mem := newFakeMemory()
	buildList(
		WindowsAmd64,
		mem,
		windowsNodes(3),
		map[int]uint64{0: 0xdead0000})

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Error(t, err, "failed to read module list node at 0xdead0000")
	expect.Equal(t, StopAtReadFailure, result.Stop)
	expect.Equal(t, 1, len(result.Modules))
	expect.Equal(t, "mod0.dll", result.Modules[0].Name)
}

func (LoaderSuite) TestBadNameLength(t *testing.T) {
	mem := newFakeMemory()
	buildList(WindowsAmd64, mem, windowsNodes(1), nil)

	node := mem.segments[nodeAddress(0)]
	binary.LittleEndian.PutUint16(
		node[WindowsAmd64.NameOffset:],
		MaxNameLength+2)

	result, err := Walk(WindowsAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, 1, len(result.Modules))
	expect.Equal(t, UnknownName, result.Modules[0].Name)
	expect.Equal(t, `C:\Windows\System32\mod0.dll`, result.Modules[0].Path)
}

func (LoaderSuite) TestLinuxNullTerminatedList(t *testing.T) {
	mem := newFakeMemory()
	nodes := []listNode{
		{path: "", base: 0},
		{path: "linux-vdso.so.1", base: 0x7ffff7fc1000},
		{path: "/usr/lib/libc.so.6", base: 0x7ffff7d80000},
	}
	buildList(LinuxAmd64, mem, nodes, map[int]uint64{2: 0})

	result, err := Walk(LinuxAmd64, mem, environmentBlockAddress)
	expect.Nil(t, err)
	expect.Equal(t, StopAtNull, result.Stop)
	expect.Equal(t, 3, len(result.Modules))
	expect.Equal(t, "", result.Modules[0].Path)
	expect.Equal(t, "libc.so.6", result.Modules[2].Name)
	expect.Equal(t, uint64(0), result.Modules[2].Size)

	regions := []Region{
		{Low: 0x400000, High: 0x401000, Pathname: "/usr/bin/target"},
		{Low: 0x401000, High: 0x405000, Pathname: "/usr/bin/target"},
		{Low: 0x7ffff7d80000, High: 0x7ffff7da0000, Pathname: "/usr/lib/libc.so.6"},
		{Low: 0x7ffff7da0000, High: 0x7ffff7f00000, Pathname: "/usr/lib/libc.so.6"},
		{Low: 0x7ffff7f00000, High: 0x7ffff7f10000, Pathname: ""},
		{Low: 0x7ffff7fc1000, High: 0x7ffff7fc3000, Pathname: "[vdso]"},
	}

	modules := ResolveFromRegions(result.Modules, regions, "/usr/bin/target")
	expect.Equal(
		t,
		[]Module{
			{
				Name: "target",
				Path: "/usr/bin/target",
				Base: 0x400000,
				Size: 0x5000,
			},
			{
				Name: VDSOPathname,
				Path: VDSOPathname,
				Base: 0x7ffff7fc1000,
				Size: 0x2000,
			},
			{
				Name: "libc.so.6",
				Path: "/usr/lib/libc.so.6",
				Base: 0x7ffff7d80000,
				Size: 0x180000,
			},
		},
		modules)
}

func (LoaderSuite) TestResolveUnmappedModule(t *testing.T) {
	modules := ResolveFromRegions(
		[]Module{{Name: "gone.so", Path: "/lib/gone.so", Base: 0x1234}},
		nil,
		"/usr/bin/target")

	expect.Equal(t, 1, len(modules))
	expect.Equal(t, uint64(0x1234), modules[0].Base)
	expect.Equal(t, uint64(0), modules[0].Size)
}

func (LoaderSuite) TestBaseName(t *testing.T) {
	expect.Equal(t, "kernel32.dll", BaseName(`C:\Windows\kernel32.dll`))
	expect.Equal(t, "libc.so.6", BaseName("/usr/lib/libc.so.6"))
	expect.Equal(t, "target", BaseName("target"))
	expect.Equal(t, "", BaseName(""))
}

func encodeProgramHeaders(t *testing.T, headers []elf.Prog64) []byte {
	buffer := &bytes.Buffer{}
	err := binary.Write(buffer, binary.LittleEndian, headers)
	expect.Nil(t, err)
	return buffer.Bytes()
}

func encodeDynamic(t *testing.T, entries []elf.Dyn64) []byte {
	buffer := &bytes.Buffer{}
	err := binary.Write(buffer, binary.LittleEndian, entries)
	expect.Nil(t, err)
	return buffer.Bytes()
}

func (LoaderSuite) TestLocateDebugRendezvous(t *testing.T) {
	const (
		loadBias       = uint64(0x555555554000)
		programHeaders = loadBias + 0x40
	)

	mem := newFakeMemory()
	mem.write(
		programHeaders,
		encodeProgramHeaders(
			t,
			[]elf.Prog64{
				{Type: uint32(elf.PT_PHDR), Vaddr: 0x40, Memsz: 3 * 56},
				{Type: uint32(elf.PT_LOAD), Vaddr: 0, Memsz: 0x2000},
				{Type: uint32(elf.PT_DYNAMIC), Vaddr: 0x3000, Memsz: 3 * 16},
			}))
	mem.write(
		loadBias+0x3000,
		encodeDynamic(
			t,
			[]elf.Dyn64{
				{Tag: int64(elf.DT_NEEDED), Val: 1},
				{Tag: int64(elf.DT_DEBUG), Val: 0x7ffff7ffe118},
				{Tag: int64(elf.DT_NULL)},
			}))

	addr, err := LocateDebugRendezvous(mem, programHeaders, 3)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x7ffff7ffe118), addr)
}

func (LoaderSuite) TestLocateDebugRendezvousStatic(t *testing.T) {
	mem := newFakeMemory()
	mem.write(
		0x400040,
		encodeProgramHeaders(
			t,
			[]elf.Prog64{
				{Type: uint32(elf.PT_LOAD), Vaddr: 0x400000, Memsz: 0x2000},
			}))

	addr, err := LocateDebugRendezvous(mem, 0x400040, 1)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0), addr)

	_, err = LocateDebugRendezvous(mem, 0x400040, 0)
	expect.Error(t, err, "invalid number of program headers (0)")
}

func (LoaderSuite) TestReadDebugRendezvous(t *testing.T) {
	data := make([]byte, debugRendezvousSize)
	binary.LittleEndian.PutUint32(data[0:], 1)
	binary.LittleEndian.PutUint64(data[8:], 0x7ffff7ffe190)
	binary.LittleEndian.PutUint64(data[16:], 0x7ffff7fd0100)
	binary.LittleEndian.PutUint32(data[24:], 1)

	mem := newFakeMemory()
	mem.write(0x1000, data)

	rendezvous, err := ReadDebugRendezvous(mem, 0x1000)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x7ffff7ffe190), rendezvous.LinkMap)
	expect.Equal(t, uint64(0x7ffff7fd0100), rendezvous.NotifyFunction)
	expect.False(t, rendezvous.Consistent())

	binary.LittleEndian.PutUint32(data[0:], 7)
	_, err = ReadDebugRendezvous(mem, 0x1000)
	expect.Error(t, err, "invalid debug rendezvous version (7)")
}
