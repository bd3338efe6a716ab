package debug

import (
	"encoding/binary"
	"fmt"

	"github.com/pattyshack/fuzzman/debug/loader"
)

type processMemory struct {
	backend Backend
	pid     int
}

func (mem processMemory) Read(addr uint64, out []byte) (int, error) {
	return mem.backend.ReadMemory(mem.pid, VirtualAddress(addr), out)
}

func (session *Session) memory(pid int) loader.RemoteMemory {
	return processMemory{
		backend: session.backend,
		pid:     pid,
	}
}

func (session *Session) ReadMemory(
	pid int,
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	if session.disposed {
		return 0, ErrSessionDisposed
	}

	count, err := session.backend.ReadMemory(pid, addr, out)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to read memory at %s (%d) from process %d: %w",
			addr,
			len(out),
			pid,
			err)
	}

	return count, nil
}

func (session *Session) readPointer(
	pid int,
	addr VirtualAddress,
) (
	VirtualAddress,
	error,
) {
	data := make([]byte, session.layout.PointerSize)
	err := loader.ReadFull(session.memory(pid), uint64(addr), data)
	if err != nil {
		return 0, err
	}

	if len(data) == 4 {
		return VirtualAddress(binary.LittleEndian.Uint32(data)), nil
	}
	return VirtualAddress(binary.LittleEndian.Uint64(data)), nil
}

func (session *Session) ProcessImage(pid int) string {
	proc, ok := session.processes[pid]
	if !ok {
		return ""
	}
	return proc.imagePath
}

// Modules returns the process' loaded modules, ordered by base address.
func (session *Session) Modules(pid int) []ModuleInfo {
	proc, ok := session.processes[pid]
	if !ok {
		return nil
	}

	return proc.sortedModules()
}

// LocateModuleOffset linearly scans the process' modules (in base address
// order) and returns the first module containing addr.  An unknown location
// is returned if no module matches.
func (session *Session) LocateModuleOffset(
	pid int,
	addr VirtualAddress,
) Location {
	proc, ok := session.processes[pid]
	if !ok {
		return Location{}
	}

	for _, module := range proc.sortedModules() {
		if module.Contains(addr) {
			return Location{
				Module: module.Name,
				Offset: uint64(addr - module.Base),
			}
		}
	}

	return Location{}
}

// ModuleContaining is LocateModuleOffset's full module record counterpart.
func (session *Session) ModuleContaining(
	pid int,
	addr VirtualAddress,
) (
	ModuleInfo,
	bool,
) {
	proc, ok := session.processes[pid]
	if !ok {
		return ModuleInfo{}, false
	}

	for _, module := range proc.sortedModules() {
		if module.Contains(addr) {
			return module, true
		}
	}

	return ModuleInfo{}, false
}

func (session *Session) moduleLoaded(event RawEvent) {
	proc, ok := session.processes[event.Pid]
	if !ok {
		session.logger.Warn("module loaded in unknown process", "pid", event.Pid)
		return
	}

	if event.Module.Anchor != 0 {
		proc.anchor = event.Module.Anchor
	}

	if proc.anchor != 0 {
		err := session.refreshModules(proc)
		if err == nil {
			return
		}

		session.logger.Warn(
			"failed to walk loaded module list",
			"pid", proc.pid,
			"error", err)
	}

	if event.Module.Base == 0 {
		return
	}

	path := session.resolveModulePath(event.Pid, event.Module)
	module := ModuleInfo{
		Name: loader.BaseName(path),
		Path: path,
		Base: event.Module.Base,
		Size: event.Module.Size,
	}

	if module.Size == 0 && session.layout.SizeFromRegions {
		regions, err := session.backend.MemoryRegions(event.Pid)
		if err != nil {
			session.logger.Warn(
				"failed to read memory regions",
				"pid", event.Pid,
				"error", err)
		} else {
			low, high, ok := loader.Extent(regions, path)
			if ok {
				module.Base = VirtualAddress(low)
				module.Size = high - low
			}
		}
	}

	session.addModule(proc, module)
}

func (session *Session) moduleUnloaded(event RawEvent) {
	proc, ok := session.processes[event.Pid]
	if !ok {
		session.logger.Warn(
			"module unloaded in unknown process",
			"pid", event.Pid)
		return
	}

	module, ok := proc.modules[event.Module.Base]
	if !ok {
		session.logger.Warn(
			"unload event for unknown module",
			"pid", event.Pid,
			"base", event.Module.Base)
		return
	}

	session.removeModule(proc, module)
}

// Best effort module path resolution.  Returns UnknownModule on failure.
func (session *Session) resolveModulePath(pid int, raw RawModule) string {
	if raw.Path != "" {
		return raw.Path
	}

	if raw.NamePointer == 0 {
		return UnknownModule
	}

	// The name pointer references a pointer to the actual string.
	strAddr, err := session.readPointer(pid, raw.NamePointer)
	if err != nil || strAddr == 0 {
		return UnknownModule
	}

	var name string
	if raw.NameIsWide {
		name, err = loader.ReadWideCString(session.memory(pid), uint64(strAddr))
	} else {
		name, err = loader.ReadCString(session.memory(pid), uint64(strAddr))
	}

	if err != nil || name == "" {
		session.logger.Debug(
			"failed to resolve module name",
			"pid", pid,
			"base", raw.Base,
			"error", err)
		return UnknownModule
	}

	return name
}

// Rewalks the loader list and diffs it against the registry.
func (session *Session) refreshModules(proc *processState) error {
	result, err := loader.Walk(
		session.layout,
		session.memory(proc.pid),
		uint64(proc.anchor))
	if err != nil {
		return err
	}

	if result.Malformed() {
		session.logger.Warn(
			"malformed loaded module list",
			"pid", proc.pid,
			"stop", result.Stop,
			"modules", len(result.Modules))
	}

	modules := result.Modules
	if session.layout.SizeFromRegions {
		regions, err := session.backend.MemoryRegions(proc.pid)
		if err != nil {
			return fmt.Errorf("failed to read memory regions: %w", err)
		}

		modules = loader.ResolveFromRegions(modules, regions, proc.imagePath)
	}

	current := map[VirtualAddress]ModuleInfo{}
	ordered := []ModuleInfo{}
	for _, module := range modules {
		if module.Base == 0 || module.Size == 0 {
			continue
		}

		info := ModuleInfo{
			Name: module.Name,
			Path: module.Path,
			Base: VirtualAddress(module.Base),
			Size: module.Size,
		}

		_, ok := current[info.Base]
		if ok {
			continue
		}

		current[info.Base] = info
		ordered = append(ordered, info)
	}

	for _, old := range proc.sortedModules() {
		info, ok := current[old.Base]
		if !ok || info.Path != old.Path || info.Size != old.Size {
			session.removeModule(proc, old)
		}
	}

	for _, info := range ordered {
		_, ok := proc.modules[info.Base]
		if !ok {
			session.addModule(proc, info)
		}
	}

	return nil
}

func (session *Session) addModule(proc *processState, module ModuleInfo) {
	old, ok := proc.modules[module.Base]
	if ok {
		if old == module {
			return
		}
		session.removeModule(proc, old)
	}

	proc.modules[module.Base] = module

	session.logger.Debug(
		"module loaded",
		"pid", proc.pid,
		"module", module.String())

	moduleEvent := &ModuleEvent{
		Pid:        proc.pid,
		ModuleInfo: module,
	}
	for _, notify := range session.moduleLoadedWatchers {
		notify(moduleEvent)
	}
}

func (session *Session) removeModule(proc *processState, module ModuleInfo) {
	delete(proc.modules, module.Base)

	session.logger.Debug(
		"module unloaded",
		"pid", proc.pid,
		"module", module.String())

	moduleEvent := &ModuleEvent{
		Pid:        proc.pid,
		ModuleInfo: module,
	}
	for _, notify := range session.moduleUnloadedWatchers {
		notify(moduleEvent)
	}
}
