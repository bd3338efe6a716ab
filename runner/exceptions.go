package runner

import (
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/fault"
)

func (exec *execution) exceptionRaised(event *debug.ExceptionEvent) {
	switch exec.state {
	case StateMonitorTarget, StateStopTarget:
	default:
		exec.logger.Warn(
			"bogus exception",
			"state", exec.state,
			"pid", event.Pid,
			"exception", event.ExceptionInfo.String())
		return
	}

	if exec.exceptionCaught {
		exec.logger.Debug(
			"exception raised while terminating",
			"pid", event.Pid,
			"exception", event.ExceptionInfo.String())
		return
	}

	runner := exec.runner
	if runner.Ignore.Contains(event.Code) {
		exec.logger.Debug("passing ignored exception", "code", event.Code)
		return
	}

	if event.FirstChance && runner.PassFirstChance.Contains(event.Code) {
		exec.logger.Debug("passing first chance exception", "code", event.Code)
		return
	}

	report := exec.captureFault(event)

	exec.logger.Info(
		"target threw exception",
		"pid", event.Pid,
		"tid", event.Tid,
		"exception", event.ExceptionInfo.String(),
		"location", report.Location.String())

	exec.testCase.AddFault(report)
	exec.result.Fault = report
	exec.result.Result = ThrewException
	exec.exceptionCaught = true
}

// captureFault is best effort.  Enrichment failures are logged, and the
// corresponding report fields left empty.
func (exec *execution) captureFault(event *debug.ExceptionEvent) *fault.Report {
	session := exec.session

	registers, err := session.GetThreadContext(event.Tid)
	if err != nil {
		exec.logger.Warn(
			"failed to capture thread context",
			"tid", event.Tid,
			"error", err)
	}

	location := session.LocateModuleOffset(event.Pid, event.Address)
	if location.Known() {
		module, ok := session.ModuleContaining(event.Pid, event.Address)
		if ok {
			location.Symbol = exec.runner.Symbols.Symbolize(
				module.Path,
				location.Offset)
		}
	}

	instruction := ""
	inst, err := session.Disassemble(event.Pid, event.Address)
	if err != nil {
		exec.logger.Debug(
			"failed to disassemble faulting instruction",
			"address", event.Address,
			"error", err)
	} else {
		instruction = inst.String()
	}

	return fault.NewReport(event.ExceptionInfo, registers, location, instruction)
}
