package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	MaxModules = 1024

	MaxNameLength = 4096

	UnknownName = "<unknown>"
)

var (
	ErrShortRead   = errors.New("short remote memory read")
	ErrInvalidName = errors.New("invalid module name")
)

// RemoteMemory reads raw bytes from another process' address space.  The
// number of bytes read could be less than len(out).
type RemoteMemory interface {
	Read(addr uint64, out []byte) (int, error)
}

type Module struct {
	Name string
	Path string
	Base uint64
	Size uint64
}

type StopReason string

const (
	StopAtSentinel     = StopReason("sentinel")
	StopAtNull         = StopReason("null link")
	StopAtRepeatedNode = StopReason("repeated node")
	StopAtCap          = StopReason("iteration cap")
	StopAtReadFailure  = StopReason("read failure")
)

type WalkResult struct {
	Modules []Module
	Stop    StopReason
}

// Malformed reports whether the walk ended on anything other than the list's
// natural terminator.
func (result WalkResult) Malformed() bool {
	return result.Stop != StopAtSentinel && result.Stop != StopAtNull
}

type walker struct {
	*Layout
	memory RemoteMemory
}

// Walk follows the loaded module list reachable from the environment block.
// Remote data is never trusted: every read is size checked, and the walk is
// capped at MaxModules nodes.  On a node read failure, the modules collected
// so far are returned along with the error.
func Walk(
	layout *Layout,
	memory RemoteMemory,
	environmentBlock uint64,
) (
	WalkResult,
	error,
) {
	w := walker{
		Layout: layout,
		memory: memory,
	}

	result := WalkResult{}

	if environmentBlock == 0 {
		result.Stop = StopAtNull
		return result, nil
	}

	loaderData, err := w.readPointer(environmentBlock + layout.LoaderDataOffset)
	if err != nil {
		result.Stop = StopAtReadFailure
		return result, fmt.Errorf("failed to read loader data pointer: %w", err)
	}

	head := uint64(0)
	node := loaderData
	if layout.Circular {
		if loaderData == 0 { // loader not initialized yet
			result.Stop = StopAtNull
			return result, nil
		}

		head = loaderData + layout.ListHeadOffset
		node, err = w.readPointer(head + uint64(layout.ForwardLinkOffset))
		if err != nil {
			result.Stop = StopAtReadFailure
			return result, fmt.Errorf("failed to read list head: %w", err)
		}
	}

	visited := map[uint64]struct{}{}
	nodeBytes := make([]byte, layout.nodeSize())

	for {
		if node == 0 {
			result.Stop = StopAtNull
			return result, nil
		}

		if layout.Circular && node == head {
			result.Stop = StopAtSentinel
			return result, nil
		}

		_, ok := visited[node]
		if ok {
			result.Stop = StopAtRepeatedNode
			return result, nil
		}

		if len(result.Modules) >= MaxModules {
			result.Stop = StopAtCap
			return result, nil
		}

		visited[node] = struct{}{}

		err := w.readFull(node, nodeBytes)
		if err != nil {
			result.Stop = StopAtReadFailure
			return result, fmt.Errorf(
				"failed to read module list node at 0x%x: %w",
				node,
				err)
		}

		result.Modules = append(result.Modules, w.decodeModule(nodeBytes))

		node = w.pointerAt(nodeBytes, layout.ForwardLinkOffset)
	}
}

func (w walker) decodeModule(nodeBytes []byte) Module {
	module := Module{
		Base: w.pointerAt(nodeBytes, w.BaseOffset),
	}

	if w.SizeOffset != NoField {
		// SizeOfImage is a ULONG on both 32-bit and 64-bit windows.
		module.Size = uint64(
			binary.LittleEndian.Uint32(nodeBytes[w.SizeOffset:]))
	}

	var err error
	module.Path, err = w.readName(nodeBytes, w.PathOffset)
	if err != nil {
		module.Path = UnknownName
	}

	if w.NameOffset != NoField {
		module.Name, err = w.readName(nodeBytes, w.NameOffset)
		if err != nil {
			module.Name = UnknownName
		}
	} else if module.Path != UnknownName {
		module.Name = BaseName(module.Path)
	} else {
		module.Name = UnknownName
	}

	return module
}

func (w walker) readName(nodeBytes []byte, offset int) (string, error) {
	switch w.NameEncoding {
	case UnicodeString:
		length := int(binary.LittleEndian.Uint16(nodeBytes[offset:]))
		buffer := w.pointerAt(nodeBytes, offset+w.PointerSize)
		return ReadWideString(w.memory, buffer, length)
	default:
		addr := w.pointerAt(nodeBytes, offset)
		return ReadCString(w.memory, addr)
	}
}

func (w walker) pointerAt(data []byte, offset int) uint64 {
	if w.PointerSize == 4 {
		return uint64(binary.LittleEndian.Uint32(data[offset:]))
	}
	return binary.LittleEndian.Uint64(data[offset:])
}

func (w walker) readPointer(addr uint64) (uint64, error) {
	data := make([]byte, w.PointerSize)
	err := w.readFull(addr, data)
	if err != nil {
		return 0, err
	}

	return w.pointerAt(data, 0), nil
}

func (w walker) readFull(addr uint64, out []byte) error {
	return ReadFull(w.memory, addr, out)
}

func ReadFull(memory RemoteMemory, addr uint64, out []byte) error {
	n, err := memory.Read(addr, out)
	if err != nil {
		return err
	}

	if n != len(out) {
		return fmt.Errorf("%w at 0x%x (%d < %d)", ErrShortRead, addr, n, len(out))
	}

	return nil
}

// ReadCString reads a zero terminated string of at most MaxNameLength bytes.
func ReadCString(memory RemoteMemory, addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w. null string pointer", ErrInvalidName)
	}

	// NOTE: number of bytes read could be less than the full buffer size
	data := make([]byte, MaxNameLength)
	n, err := memory.Read(addr, data)
	if err != nil {
		return "", err
	}

	end := bytes.IndexByte(data[:n], 0)
	if end == -1 {
		return "", fmt.Errorf("%w. string not zero terminated", ErrInvalidName)
	}

	return string(data[:end]), nil
}

// ReadWideString reads a utf16 (little endian) string of the given byte
// length.
func ReadWideString(
	memory RemoteMemory,
	addr uint64,
	length int,
) (
	string,
	error,
) {
	if length == 0 {
		return "", nil
	}

	if addr == 0 {
		return "", fmt.Errorf("%w. null string pointer", ErrInvalidName)
	}

	if length < 0 || length > MaxNameLength || length%2 != 0 {
		return "", fmt.Errorf("%w. bad string length (%d)", ErrInvalidName, length)
	}

	data := make([]byte, length)
	err := ReadFull(memory, addr, data)
	if err != nil {
		return "", err
	}

	return decodeWide(data), nil
}

func decodeWide(data []byte) string {
	units := make([]uint16, len(data)/2)
	for idx := range units {
		units[idx] = binary.LittleEndian.Uint16(data[2*idx:])
	}

	return string(utf16.Decode(units))
}

// BaseName handles both '/' and '\' separated paths.
func BaseName(fullPath string) string {
	idx := strings.LastIndexAny(fullPath, `/\`)
	if idx != -1 {
		return fullPath[idx+1:]
	}

	return fullPath
}

// ReadWideCString reads a zero terminated utf16 (little endian) string of at
// most MaxNameLength bytes.
func ReadWideCString(memory RemoteMemory, addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w. null string pointer", ErrInvalidName)
	}

	data := make([]byte, MaxNameLength)
	n, err := memory.Read(addr, data)
	if err != nil {
		return "", err
	}

	for end := 0; end+1 < n; end += 2 {
		if data[end] == 0 && data[end+1] == 0 {
			return decodeWide(data[:end]), nil
		}
	}

	return "", fmt.Errorf("%w. string not zero terminated", ErrInvalidName)
}
