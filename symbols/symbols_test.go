package symbols

import (
	"os"
	"testing"

	"github.com/ianlancetaylor/demangle"
	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type SymbolsSuite struct{}

func TestSymbols(t *testing.T) {
	suite.RunTests(t, &SymbolsSuite{})
}

func (SymbolsSuite) loadSelf(t *testing.T) *Table {
	path, err := os.Executable()
	expect.Nil(t, err)

	table, err := Load(path)
	expect.Nil(t, err)
	expect.True(t, table.Len() > 0)
	return table
}

func (SymbolsSuite) find(table *Table, name string) *Symbol {
	for _, symbol := range table.symbols {
		if symbol.Name == name {
			return &symbol
		}
	}
	return nil
}

func (s SymbolsSuite) TestDescribe(t *testing.T) {
	table := s.loadSelf(t)

	symbol := s.find(table, "runtime.main")
	expect.NotNil(t, symbol)
	expect.True(t, symbol.Size > 1)

	offset := symbol.Value - table.imageBase
	expect.Equal(t, "runtime.main", table.Describe(offset))
	expect.Equal(t, "runtime.main+0x1", table.Describe(offset+1))

	spans := table.SymbolSpans(offset + symbol.Size - 1)
	expect.NotNil(t, spans)
	expect.Equal(t, "runtime.main", spans.Name)
}

func (s SymbolsSuite) TestOffsetOutsideSymbols(t *testing.T) {
	table := s.loadSelf(t)

	expect.Equal(t, "", table.Describe(1<<40))
	expect.Nil(t, table.SymbolSpans(1<<40))
}

func (SymbolsSuite) TestPrettyName(t *testing.T) {
	mangled := "_ZN3foo3barEv"
	demangled, err := demangle.ToString(mangled)
	expect.Nil(t, err)

	symbol := Symbol{
		Name:          mangled,
		DemangledName: demangled,
	}
	expect.Equal(t, "foo::bar()", symbol.PrettyName())

	expect.Equal(t, "main", Symbol{Name: "main"}.PrettyName())
}

func (SymbolsSuite) TestSizelessSymbolOnlySpansItsAddress(t *testing.T) {
	table := &Table{
		imageBase: 0x400000,
		symbols: []Symbol{
			{Name: "start", Value: 0x401000},
			{Name: "body", Value: 0x401010, Size: 0x10},
		},
	}

	expect.Equal(t, "start", table.Describe(0x1000))
	expect.Equal(t, "", table.Describe(0x1001))
	expect.Equal(t, "body+0xf", table.Describe(0x101f))
	expect.Equal(t, "", table.Describe(0x1020))
	expect.Equal(t, "", table.Describe(0))
}

func (s SymbolsSuite) TestResolver(t *testing.T) {
	path, err := os.Executable()
	expect.Nil(t, err)

	resolver := NewResolver()

	table, err := resolver.Table(path)
	expect.Nil(t, err)

	again, err := resolver.Table(path)
	expect.Nil(t, err)
	expect.True(t, table == again)

	symbol := s.find(table, "runtime.main")
	expect.NotNil(t, symbol)
	expect.Equal(
		t,
		"runtime.main+0x2",
		resolver.Symbolize(path, symbol.Value-table.imageBase+2))

	expect.Equal(t, "", resolver.Symbolize("", 0))
	expect.Equal(t, "", resolver.Symbolize("/no/such/file", 0))

	_, err = resolver.Table("/no/such/file")
	expect.Error(t, err, "failed to open elf file (/no/such/file)")
}
