package native

import (
	"reflect"
	"strings"

	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/ptrace"
)

type registerInfo struct {
	name  string
	field int // index into ptrace.UserRegs
}

var (
	// Dump order.
	registerTable = newRegisterTable(
		"rax rbx rcx rdx rsi rdi rbp rsp " +
			"r8 r9 r10 r11 r12 r13 r14 r15 " +
			"rip eflags cs ss ds es fs gs fs_base gs_base orig_rax")
)

func newRegisterTable(names string) []registerInfo {
	regsType := reflect.TypeOf(ptrace.UserRegs{})

	table := []registerInfo{}
	for _, name := range strings.Split(names, " ") {
		fieldName := strings.ToUpper(name[0:1]) + name[1:]

		field, ok := regsType.FieldByName(fieldName)
		if !ok {
			panic("unknown user register field: " + fieldName)
		}

		table = append(
			table,
			registerInfo{
				name:  name,
				field: field.Index[0],
			})
	}

	return table
}

func registerDump(regs *ptrace.UserRegs) debug.RegisterSet {
	data := reflect.ValueOf(*regs)

	set := debug.RegisterSet{
		Registers:          make([]debug.Register, 0, len(registerTable)),
		InstructionPointer: debug.VirtualAddress(regs.Rip),
		StackPointer:       debug.VirtualAddress(regs.Rsp),
	}

	for _, reg := range registerTable {
		set.Registers = append(
			set.Registers,
			debug.Register{
				Name:  reg.name,
				Value: data.Field(reg.field).Uint(),
			})
	}

	return set
}
