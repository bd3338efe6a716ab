package debug

import (
	"fmt"
	"log/slog"
)

const (
	MaxNestedExceptions = 8
)

type ExceptionKind string

const (
	GenericException         = ExceptionKind("exception")
	AccessViolationException = ExceptionKind("access violation")
)

type AccessKind uint64

const (
	ReadAccess  = AccessKind(0)
	WriteAccess = AccessKind(1)
	DEPAccess   = AccessKind(8)
)

func (kind AccessKind) Valid() bool {
	return kind == ReadAccess || kind == WriteAccess || kind == DEPAccess
}

func (kind AccessKind) String() string {
	switch kind {
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	case DEPAccess:
		return "DEP"
	default:
		return fmt.Sprintf("access(%d)", uint64(kind))
	}
}

// Initial is used in summary tags.
func (kind AccessKind) Initial() string {
	switch kind {
	case ReadAccess:
		return "R"
	case WriteAccess:
		return "W"
	case DEPAccess:
		return "D"
	default:
		return "U"
	}
}

type AccessViolationInfo struct {
	Access AccessKind
	Target VirtualAddress
}

// ExceptionInfo is a decoded exception.  AccessViolation is only set when
// Kind is AccessViolationException.
type ExceptionInfo struct {
	Kind ExceptionKind

	Code    ExceptionCode
	Address VirtualAddress

	FirstChance bool
	Continuable bool

	AccessViolation *AccessViolationInfo

	// Flattened nested exception chain, outermost first.  Truncated is set
	// when the chain was deeper than MaxNestedExceptions.
	Nested    []ExceptionInfo
	Truncated bool
}

func (info ExceptionInfo) String() string {
	switch info.Kind {
	case AccessViolationException:
		return fmt.Sprintf(
			"%s at %s (%s %s)",
			info.Code,
			info.Address,
			info.AccessViolation.Access,
			info.AccessViolation.Target)
	default:
		return fmt.Sprintf("%s at %s", info.Code, info.Address)
	}
}

func DecodeException(raw *RawException, logger *slog.Logger) ExceptionInfo {
	info := decodeExceptionRecord(raw)

	nested := raw.Nested
	for nested != nil {
		if len(info.Nested) >= MaxNestedExceptions {
			info.Truncated = true
			logger.Warn(
				"nested exception chain truncated",
				"code", info.Code,
				"max", MaxNestedExceptions)
			break
		}

		info.Nested = append(info.Nested, decodeExceptionRecord(nested))
		nested = nested.Nested
	}

	return info
}

func decodeExceptionRecord(raw *RawException) ExceptionInfo {
	info := ExceptionInfo{
		Kind:        GenericException,
		Code:        raw.Code,
		Address:     raw.Address,
		FirstChance: raw.FirstChance,
		Continuable: raw.Continuable,
	}

	// Access violations without (valid) parameters degrade to generic
	// exceptions.
	if raw.Code.IsAccessViolation() && len(raw.Parameters) >= 2 {
		access := AccessKind(raw.Parameters[0])
		if access.Valid() {
			info.Kind = AccessViolationException
			info.AccessViolation = &AccessViolationInfo{
				Access: access,
				Target: VirtualAddress(raw.Parameters[1]),
			}
		}
	}

	return info
}
