// Package fault holds captured fault reports, and deduplicates / summarizes
// the reports accumulated by repeated runs of one test case.
package fault

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pattyshack/fuzzman/debug"
)

type Kind string

const (
	ExceptionFault       = Kind("exception")
	AccessViolationFault = Kind("access violation")
)

// Report is one observed fault.  AccessViolation is only set when Kind is
// AccessViolationFault.
type Report struct {
	Kind Kind

	Code    debug.ExceptionCode
	Address debug.VirtualAddress

	Registers debug.RegisterSet
	Location  debug.Location

	// Disassembled faulting instruction.  Empty if the instruction could not
	// be read.
	Instruction string

	FirstChance bool

	Occurrences int

	AccessViolation *debug.AccessViolationInfo
}

func NewReport(
	info debug.ExceptionInfo,
	registers debug.RegisterSet,
	location debug.Location,
	instruction string,
) *Report {
	report := &Report{
		Kind:        ExceptionFault,
		Code:        info.Code,
		Address:     info.Address,
		Registers:   registers,
		Location:    location,
		Instruction: instruction,
		FirstChance: info.FirstChance,
		Occurrences: 1,
	}

	if info.Kind == debug.AccessViolationException &&
		info.AccessViolation != nil {

		report.Kind = AccessViolationFault
		violation := *info.AccessViolation
		report.AccessViolation = &violation
	}

	return report
}

// IsExecution is true for access violations caused by executing the target
// address itself (e.g., a smashed return address).
func (report *Report) IsExecution() bool {
	return report.Kind == AccessViolationFault &&
		report.AccessViolation.Target == report.Address
}

// LocationTag is the module+offset location, or the offending address when
// the location is unknown.
func (report *Report) LocationTag() string {
	if report.Location.Known() {
		return report.Location.String()
	}

	return fmt.Sprintf("%08X", uint64(report.Address))
}

type reportKey struct {
	kind     Kind
	code     debug.ExceptionCode
	location string

	access debug.AccessKind
	target debug.VirtualAddress
}

// NOTE: register state, instruction text and symbol names are not part of a
// report's identity.
func (report *Report) key() reportKey {
	key := reportKey{
		kind:     report.Kind,
		code:     report.Code,
		location: report.LocationTag(),
	}

	if report.Kind == AccessViolationFault {
		key.access = report.AccessViolation.Access
		key.target = report.AccessViolation.Target
	}

	return key
}

// Equal returns true if both reports describe the same fault.
func (report *Report) Equal(other *Report) bool {
	return report.key() == other.key()
}

func (report *Report) occurrences() int {
	return max(report.Occurrences, 1)
}

func (report *Report) writeFault(builder *strings.Builder) {
	fmt.Fprintf(builder, "Fault type: %s\n", report.Kind)
	fmt.Fprintf(builder, "Exception code: %s\n", report.Code)

	chance := "second chance"
	if report.FirstChance {
		chance = "first chance"
	}
	fmt.Fprintf(builder, "Fault address: %s (%s)\n", report.Address, chance)

	location := report.Location.String()
	if report.Location.Symbol != "" {
		location += " (" + report.Location.Symbol + ")"
	}
	fmt.Fprintf(builder, "Location: %s\n", location)

	if report.Instruction != "" {
		fmt.Fprintf(builder, "Instruction: %s\n", report.Instruction)
	}

	if report.Kind == AccessViolationFault {
		fmt.Fprintf(builder, "Access type: %s\n", report.AccessViolation.Access)
		fmt.Fprintf(
			builder,
			"Target address: %s\n",
			report.AccessViolation.Target)
	}
}

func (report *Report) writeRegisters(builder *strings.Builder) {
	builder.WriteString("Registers:\n")
	if len(report.Registers.Registers) == 0 {
		builder.WriteString("  (unavailable)\n")
		return
	}

	for _, reg := range report.Registers.Registers {
		fmt.Fprintf(builder, "  %-8s 0x%016x\n", reg.Name, reg.Value)
	}
}

// String returns the report in the flat text report file format.
func (report *Report) String() string {
	builder := &strings.Builder{}
	builder.WriteString("==== Fault report ====\n")
	report.writeRegisters(builder)
	report.writeFault(builder)
	return builder.String()
}

func WriteReport(writer io.Writer, report *Report) error {
	_, err := io.WriteString(writer, report.String()+"\n")
	if err != nil {
		return fmt.Errorf("failed to write fault report: %w", err)
	}

	return nil
}

// AppendReport appends the report to the report file at path, creating the
// file if needed.
func AppendReport(path string, report *Report) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open fault report file (%s): %w", path, err)
	}

	err = WriteReport(file, report)
	closeErr := file.Close()
	if err != nil {
		return err
	}

	if closeErr != nil {
		return fmt.Errorf(
			"failed to close fault report file (%s): %w",
			path,
			closeErr)
	}

	return nil
}
