package procfs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// See elf.h for the full list of auxiliary vector entry types, system v abi
// amd64 supplement section 3.4.3 for description.
type AuxiliaryVectorEntryType uint64

const (
	// AT_NULL. last entry of the vector
	AT_EndOfVector = AuxiliaryVectorEntryType(0)

	// AT_IGNORE. entry with no meaning
	AT_Ignore = AuxiliaryVectorEntryType(1)

	// NOTE: The system only sets one of ExecFd or ProgramHeader, but not both.
	AT_ExecFd        = AuxiliaryVectorEntryType(2) // AT_EXECFD
	AT_ProgramHeader = AuxiliaryVectorEntryType(3) // AT_PHDR

	// AT_PHENT. size of one program header entry in bytes
	AT_ProgramHeaderEntrySize = AuxiliaryVectorEntryType(4)

	// AT_PHNUM
	AT_NumProgramHeaderEntries = AuxiliaryVectorEntryType(5)

	// AT_PAGESZ. system page size in bytes
	AT_PageSize = AuxiliaryVectorEntryType(6)

	// AT_BASE. base address at which the interpreter program was loaded into
	// memory.
	AT_BaseAddress = AuxiliaryVectorEntryType(7)

	// AT_FLAGS
	AT_Flags = AuxiliaryVectorEntryType(8)

	// AT_ENTRY. entry point of the application program
	AT_Entry = AuxiliaryVectorEntryType(9)

	// AT_NOTELF. non-zero if the program is not in elf format
	AT_NotElf = AuxiliaryVectorEntryType(10)

	// AT_UID. process' real user id
	AT_UID = AuxiliaryVectorEntryType(11)

	// AT_EUID. process' effective user id
	AT_EUID = AuxiliaryVectorEntryType(12)

	// AT_GID. process' real group id
	AT_GID = AuxiliaryVectorEntryType(13)

	// AT_GID. process' effective group id
	AT_EGID = AuxiliaryVectorEntryType(14)
)

// NOTE: access to this is governed by ptrace
func GetAuxiliaryVector(pid int) (map[AuxiliaryVectorEntryType]uint64, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read process %d's auxiliary vector: %w",
			pid,
			err)
	}

	result := map[AuxiliaryVectorEntryType]uint64{}
	for {
		var avet AuxiliaryVectorEntryType
		n, err := binary.Decode(content, binary.LittleEndian, &avet)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to decode process %d's auxiliary vector: %w",
				pid,
				err)
		}
		if n != 8 {
			panic("should never happen")
		}
		content = content[8:]

		if avet == AT_EndOfVector {
			break
		}

		var value uint64
		n, err = binary.Decode(content, binary.LittleEndian, &value)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to decode process %d's auxiliary vector: %w",
				pid,
				err)
		}
		if n != 8 {
			panic("should never happen")
		}
		content = content[8:]

		if avet == AT_Ignore {
			continue
		}

		result[avet] = value
	}

	return result, nil
}

type MappedMemoryRegion struct {
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	DeviceMajor uint
	DeviceMinor uint
	Inode       uint

	Pathname string
}

func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			break
		}

		entry := MappedMemoryRegion{}
		chunks := strings.SplitN(line, " ", 6)

		addresses := strings.SplitN(chunks[0], "-", 2)

		lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse low address: %w", err)
		}
		entry.LowAddress = lowAddr

		highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse high address: %w", err)
		}
		entry.HighAddress = highAddr

		for idx, b := range []byte(chunks[1]) {
			switch idx {
			case 0:
				entry.Read = b == 'r'
			case 1:
				entry.Write = b == 'w'
			case 2:
				entry.Execute = b == 'x'
			case 3:
				entry.Private = b == 'p'
			}
		}

		offset, err := strconv.ParseUint(chunks[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: %w", err)
		}
		entry.Offset = offset

		device := strings.SplitN(chunks[3], ":", 2)

		major, err := strconv.ParseUint(device[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device major: %w", err)
		}
		entry.DeviceMajor = uint(major)

		minor, err := strconv.ParseUint(device[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device minor: %w", err)
		}
		entry.DeviceMinor = uint(minor)

		inode, err := strconv.ParseUint(chunks[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse inode: %w", err)
		}
		entry.Inode = uint(inode)

		if len(chunks) == 6 {
			entry.Pathname = strings.TrimSpace(chunks[5])
		}

		result = append(result, entry)
	}

	return result, nil
}

func GetExecutableSymlinkPath(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}

// Returns the resolved executable path.  Note that the path may no longer
// exist (e.g., deleted after exec).
func GetExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(GetExecutableSymlinkPath(pid))
	if err != nil {
		return "", fmt.Errorf(
			"failed to read process %d's executable path: %w",
			pid,
			err)
	}

	return strings.TrimSuffix(path, " (deleted)"), nil
}

// Lists thread ids in ascending order.  The main thread id is the same as
// the process id.
func ListTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to list process %d's tasks: %w", pid, err)
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}

	sort.Ints(tids)
	return tids, nil
}

// Signal masks are bit sets where bit (n-1) corresponds to signal n.
type SignalMask uint64

func (mask SignalMask) Has(signal int) bool {
	if signal < 1 || signal > 64 {
		return false
	}
	return mask&(1<<(signal-1)) != 0
}

type TaskStatus struct {
	Name string
	Tid  int
	Tgid int
	Ppid int

	BlockedSignals SignalMask // SigBlk
	IgnoredSignals SignalMask // SigIgn
	CaughtSignals  SignalMask // SigCgt (signals with an installed handler)

	// NOTE: See proc_pid_status(5) for the full list of fields.
}

func GetTaskStatus(tid int) (TaskStatus, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return TaskStatus{}, fmt.Errorf(
			"failed to read task %d status: %w",
			tid,
			err)
	}

	return parseTaskStatus(content)
}

func parseTaskStatus(content []byte) (TaskStatus, error) {
	status := TaskStatus{}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "Name":
			status.Name = value
		case "Pid":
			status.Tid, err = strconv.Atoi(value)
		case "Tgid":
			status.Tgid, err = strconv.Atoi(value)
		case "PPid":
			status.Ppid, err = strconv.Atoi(value)
		case "SigBlk":
			status.BlockedSignals, err = parseSignalMask(value)
		case "SigIgn":
			status.IgnoredSignals, err = parseSignalMask(value)
		case "SigCgt":
			status.CaughtSignals, err = parseSignalMask(value)
		}

		if err != nil {
			return TaskStatus{}, fmt.Errorf(
				"failed to parse task status field (%s): %w",
				key,
				err)
		}
	}

	return status, nil
}

func parseSignalMask(value string) (SignalMask, error) {
	mask, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, err
	}
	return SignalMask(mask), nil
}
