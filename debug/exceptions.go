package debug

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExceptionCode shares the windows NTSTATUS exception code space.  Native
// backends on other platforms translate their fault notifications into this
// space.
type ExceptionCode uint32

const (
	AccessViolation         = ExceptionCode(0xC0000005)
	ArrayBoundsExceeded     = ExceptionCode(0xC000008C)
	Breakpoint              = ExceptionCode(0x80000003)
	DatatypeMisalignment    = ExceptionCode(0x80000002)
	FltDenormalOperand      = ExceptionCode(0xC000008D)
	FltDivideByZero         = ExceptionCode(0xC000008E)
	FltInexactResult        = ExceptionCode(0xC000008F)
	FltInvalidOperation     = ExceptionCode(0xC0000090)
	FltOverflow             = ExceptionCode(0xC0000091)
	FltStackCheck           = ExceptionCode(0xC0000092)
	FltUnderflow            = ExceptionCode(0xC0000093)
	GuardPage               = ExceptionCode(0x80000001)
	IllegalInstruction      = ExceptionCode(0xC000001D)
	InPageError             = ExceptionCode(0xC0000006)
	IntDivideByZero         = ExceptionCode(0xC0000094)
	IntOverflow             = ExceptionCode(0xC0000095)
	InvalidDisposition      = ExceptionCode(0xC0000026)
	InvalidHandle           = ExceptionCode(0xC0000008)
	NoncontinuableException = ExceptionCode(0xC0000025)
	PrivilegedInstruction   = ExceptionCode(0xC0000096)
	SingleStep              = ExceptionCode(0x80000004)
	StackOverflow           = ExceptionCode(0xC00000FD)
	StackBufferOverrun      = ExceptionCode(0xC0000409)
	HeapCorruption          = ExceptionCode(0xC0000374)
	FatalAppExit            = ExceptionCode(0x40000015)
	InvalidSystemService    = ExceptionCode(0xC000001C)
	CppException            = ExceptionCode(0xE06D7363)
	WX86Breakpoint          = ExceptionCode(0x4000001F)
	WX86SingleStep          = ExceptionCode(0x4000001E)

	// Signals without a dedicated code are reported as
	// UnmappedSignalBase | signal number.
	UnmappedSignalBase = ExceptionCode(0xE0000000)
)

var (
	exceptionNames = map[ExceptionCode]string{
		AccessViolation:         "ACCESS_VIOLATION",
		ArrayBoundsExceeded:     "ARRAY_BOUNDS_EXCEEDED",
		Breakpoint:              "BREAKPOINT",
		DatatypeMisalignment:    "DATATYPE_MISALIGNMENT",
		FltDenormalOperand:      "FLT_DENORMAL_OPERAND",
		FltDivideByZero:         "FLT_DIVIDE_BY_ZERO",
		FltInexactResult:        "FLT_INEXACT_RESULT",
		FltInvalidOperation:     "FLT_INVALID_OPERATION",
		FltOverflow:             "FLT_OVERFLOW",
		FltStackCheck:           "FLT_STACK_CHECK",
		FltUnderflow:            "FLT_UNDERFLOW",
		GuardPage:               "GUARD_PAGE",
		IllegalInstruction:      "ILLEGAL_INSTRUCTION",
		InPageError:             "IN_PAGE_ERROR",
		IntDivideByZero:         "INT_DIVIDE_BY_ZERO",
		IntOverflow:             "INT_OVERFLOW",
		InvalidDisposition:      "INVALID_DISPOSITION",
		InvalidHandle:           "INVALID_HANDLE",
		NoncontinuableException: "NONCONTINUABLE_EXCEPTION",
		PrivilegedInstruction:   "PRIV_INSTRUCTION",
		SingleStep:              "SINGLE_STEP",
		StackOverflow:           "STACK_OVERFLOW",
		StackBufferOverrun:      "STACK_BUFFER_OVERRUN",
		HeapCorruption:          "HEAP_CORRUPTION",
		FatalAppExit:            "FATAL_APP_EXIT",
		InvalidSystemService:    "INVALID_SYSTEM_SERVICE",
		CppException:            "CPP_EH_EXCEPTION",
		WX86Breakpoint:          "WX86_BREAKPOINT",
		WX86SingleStep:          "WX86_SINGLE_STEP",
	}

	exceptionCodes = map[string]ExceptionCode{}
)

func init() {
	for code, name := range exceptionNames {
		exceptionCodes[name] = code
	}
}

func (code ExceptionCode) Name() string {
	name, ok := exceptionNames[code]
	if ok {
		return name
	}

	if code&0xFFFFFF00 == UnmappedSignalBase {
		return fmt.Sprintf("SIGNAL_%d", uint32(code&0xFF))
	}

	return "UNKNOWN_EXCEPTION"
}

func (code ExceptionCode) String() string {
	return fmt.Sprintf("0x%08X (%s)", uint32(code), code.Name())
}

func (code ExceptionCode) IsAccessViolation() bool {
	return code == AccessViolation
}

// ParseExceptionCode accepts either a symbolic name (e.g., ACCESS_VIOLATION,
// with or without the EXCEPTION_ / STATUS_ prefix) or a numeric literal
// (e.g., 0xC0000005).
func ParseExceptionCode(value string) (ExceptionCode, error) {
	name := strings.ToUpper(strings.TrimSpace(value))
	name = strings.TrimPrefix(name, "EXCEPTION_")
	name = strings.TrimPrefix(name, "STATUS_")

	code, ok := exceptionCodes[name]
	if ok {
		return code, nil
	}

	number, err := strconv.ParseUint(strings.TrimSpace(value), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid exception code (%s)", value)
	}

	return ExceptionCode(number), nil
}

func ExceptionNames() []string {
	names := make([]string, 0, len(exceptionNames))
	for _, name := range exceptionNames {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// ExceptionCodeSet is an immutable set of exception codes.
type ExceptionCodeSet map[ExceptionCode]struct{}

func NewExceptionCodeSet(codes ...ExceptionCode) ExceptionCodeSet {
	set := ExceptionCodeSet{}
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

func ParseExceptionCodeSet(values []string) (ExceptionCodeSet, error) {
	set := ExceptionCodeSet{}
	for _, value := range values {
		code, err := ParseExceptionCode(value)
		if err != nil {
			return nil, err
		}

		set[code] = struct{}{}
	}

	return set, nil
}

func (set ExceptionCodeSet) Contains(code ExceptionCode) bool {
	_, ok := set[code]
	return ok
}
