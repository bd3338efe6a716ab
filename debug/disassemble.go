package debug

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	MaxX64InstructionLength = 15
)

type Instruction struct {
	Address VirtualAddress
	x86asm.Inst
}

func (inst Instruction) String() string {
	return fmt.Sprintf(
		"%s: %s",
		inst.Address,
		x86asm.GNUSyntax(inst.Inst, uint64(inst.Address), nil))
}

func DecodeInstruction(addr VirtualAddress, data []byte) (Instruction, error) {
	inst, err := x86asm.Decode(data, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf(
			"failed to decode instruction at %s: %w",
			addr,
			err)
	}

	return Instruction{
		Address: addr,
		Inst:    inst,
	}, nil
}

// Disassemble decodes the single x86-64 instruction at addr.
func (session *Session) Disassemble(
	pid int,
	addr VirtualAddress,
) (
	Instruction,
	error,
) {
	// NOTE: number of bytes read could be less than the full buffer size
	data := make([]byte, MaxX64InstructionLength)
	n, err := session.ReadMemory(pid, addr, data)
	if err != nil {
		return Instruction{}, err
	}

	return DecodeInstruction(addr, data[:n])
}

// MemoryAccessKind guesses whether the instruction reads or writes its memory
// operand.  Instructions which store to the stack are writes.
func MemoryAccessKind(inst x86asm.Inst) AccessKind {
	switch inst.Op {
	case x86asm.PUSH, x86asm.CALL:
		return WriteAccess
	case x86asm.CMP, x86asm.TEST:
		return ReadAccess
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return WriteAccess
	}

	_, ok := inst.Args[0].(x86asm.Mem)
	if ok {
		return WriteAccess
	}

	return ReadAccess
}
