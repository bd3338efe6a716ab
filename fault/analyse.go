package fault

import (
	"fmt"
	"strings"
)

const (
	UnstableSummary = "UNSTABLE"
)

type Analysis struct {
	// Deduplicated reports, in first observed order.
	Reports []*Report

	AccessViolations []*Report
	Exceptions       []*Report

	// Total number of (undeduplicated) fault occurrences.
	Occurrences int

	// One line tag, suitable for use in a file name.  Empty when there was
	// nothing to analyse.
	Summary string

	Details string
}

// Merge deduplicates reports, summing their occurrence counts.  The input
// reports are not modified.
func Merge(reports []*Report) []*Report {
	merged := []*Report{}
	index := map[reportKey]*Report{}
	for _, report := range reports {
		key := report.key()

		existing, ok := index[key]
		if ok {
			existing.Occurrences += report.occurrences()
			continue
		}

		copied := *report
		copied.Occurrences = report.occurrences()
		if report.AccessViolation != nil {
			violation := *report.AccessViolation
			copied.AccessViolation = &violation
		}

		index[key] = &copied
		merged = append(merged, &copied)
	}

	return merged
}

func Analyse(reports []*Report) Analysis {
	analysis := Analysis{
		Reports: Merge(reports),
	}

	if len(analysis.Reports) == 0 {
		return analysis
	}

	for _, report := range analysis.Reports {
		analysis.Occurrences += report.Occurrences

		switch report.Kind {
		case AccessViolationFault:
			analysis.AccessViolations = append(analysis.AccessViolations, report)
		case ExceptionFault:
			analysis.Exceptions = append(analysis.Exceptions, report)
		default:
			panic("should never happen")
		}
	}

	analysis.Summary = summarize(analysis.Reports)
	analysis.Details = analysis.details()
	return analysis
}

func summarize(reports []*Report) string {
	if len(reports) > 1 {
		return UnstableSummary
	}

	report := reports[0]
	switch report.Kind {
	case AccessViolationFault:
		target := uint64(report.AccessViolation.Target)
		if report.IsExecution() {
			return fmt.Sprintf("AV_X_%08X", target)
		}

		return fmt.Sprintf(
			"AV_%s_%s_%08X",
			report.AccessViolation.Access.Initial(),
			report.LocationTag(),
			target)
	case ExceptionFault:
		return fmt.Sprintf("EX_%08X_%s", uint32(report.Code), report.LocationTag())
	default:
		panic("should never happen")
	}
}

func (analysis Analysis) details() string {
	builder := &strings.Builder{}
	builder.WriteString("==== Fault analysis ====\n")
	fmt.Fprintf(builder, "Summary: %s\n", analysis.Summary)
	fmt.Fprintf(builder, "Occurrences: %d\n", analysis.Occurrences)
	fmt.Fprintf(builder, "Distinct faults: %d\n", len(analysis.Reports))
	fmt.Fprintf(builder, "Access violations: %d\n", len(analysis.AccessViolations))
	fmt.Fprintf(builder, "Exceptions: %d\n", len(analysis.Exceptions))

	for idx, report := range analysis.Reports {
		fmt.Fprintf(
			builder,
			"\n---- Fault %d (occurrences: %d) ----\n",
			idx+1,
			report.Occurrences)
		report.writeFault(builder)
		report.writeRegisters(builder)
	}

	return builder.String()
}
