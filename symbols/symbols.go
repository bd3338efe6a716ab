// Package symbols resolves module relative offsets into (demangled) ELF
// symbol names.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

const (
	pageSize = 0x1000
)

type Symbol struct {
	Name          string
	DemangledName string // human readable c++ / rust name

	Value uint64 // file (link time) address
	Size  uint64
}

func (symbol Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol Symbol) spans(address uint64) bool {
	if symbol.Size == 0 {
		return symbol.Value == address
	}

	return symbol.Value <= address && address < symbol.Value+symbol.Size
}

// Table is the function / object symbols of one ELF image, sorted by address.
type Table struct {
	Path string

	// Page aligned link time address of the lowest loadable segment.  A module
	// mapped at base maps file address imageBase + offset to base + offset.
	imageBase uint64

	symbols []Symbol
}

func Load(path string) (*Table, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf file (%s): %w", path, err)
	}
	defer file.Close()

	table := &Table{
		Path: path,
	}

	found := false
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if !found || prog.Vaddr < table.imageBase {
			table.imageBase = prog.Vaddr
		}
		found = true
	}
	table.imageBase &^= pageSize - 1

	symbols, err := file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbol table (%s): %w", path, err)
	}

	// Stripped binaries usually still carry dynamic symbols.
	dynamic, err := file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf(
			"failed to read dynamic symbol table (%s): %w",
			path,
			err)
	}

	seen := map[uint64]struct{}{}
	for _, entry := range append(symbols, dynamic...) {
		if entry.Value == 0 || entry.Name == "" {
			continue
		}

		switch elf.ST_TYPE(entry.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
		default:
			continue
		}

		if entry.Section == elf.SHN_UNDEF {
			continue
		}

		_, ok := seen[entry.Value]
		if ok {
			continue
		}
		seen[entry.Value] = struct{}{}

		symbol := Symbol{
			Name:  entry.Name,
			Value: entry.Value,
			Size:  entry.Size,
		}

		val, err := demangle.ToString(entry.Name)
		if err == nil {
			symbol.DemangledName = val
		}

		table.symbols = append(table.symbols, symbol)
	}

	sort.Slice(
		table.symbols,
		func(i int, j int) bool {
			return table.symbols[i].Value < table.symbols[j].Value
		})

	return table, nil
}

func (table *Table) Len() int {
	return len(table.symbols)
}

// SymbolSpans returns the symbol containing the module relative offset, or
// nil if no symbol covers it.
func (table *Table) SymbolSpans(offset uint64) *Symbol {
	address := table.imageBase + offset

	idx := sort.Search(
		len(table.symbols),
		func(i int) bool {
			return table.symbols[i].Value > address
		})
	if idx == 0 {
		return nil
	}

	symbol := table.symbols[idx-1]
	if !symbol.spans(address) {
		return nil
	}

	return &symbol
}

// Describe returns "name+0xdelta" (or "name" when the offset is the symbol's
// start), or "" if no symbol covers the offset.
func (table *Table) Describe(offset uint64) string {
	symbol := table.SymbolSpans(offset)
	if symbol == nil {
		return ""
	}

	delta := table.imageBase + offset - symbol.Value
	if delta == 0 {
		return symbol.PrettyName()
	}

	return fmt.Sprintf("%s+0x%x", symbol.PrettyName(), delta)
}

// Resolver caches loaded symbol tables by path.  Safe for concurrent use.
type Resolver struct {
	mutex  sync.Mutex
	tables map[string]*Table
	failed map[string]error
}

func NewResolver() *Resolver {
	return &Resolver{
		tables: map[string]*Table{},
		failed: map[string]error{},
	}
}

func (resolver *Resolver) Table(path string) (*Table, error) {
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()

	table, ok := resolver.tables[path]
	if ok {
		return table, nil
	}

	err, ok := resolver.failed[path]
	if ok {
		return nil, err
	}

	table, err = Load(path)
	if err != nil {
		resolver.failed[path] = err
		return nil, err
	}

	resolver.tables[path] = table
	return table, nil
}

// Symbolize is best effort, returning "" on any failure.
func (resolver *Resolver) Symbolize(path string, offset uint64) string {
	if path == "" {
		return ""
	}

	table, err := resolver.Table(path)
	if err != nil {
		return ""
	}

	return table.Describe(offset)
}
