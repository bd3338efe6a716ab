package runner

import (
	"errors"
	"fmt"

	"github.com/pattyshack/fuzzman/action"
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/debug/loader"
	"github.com/pattyshack/fuzzman/monitor"
)

func (exec *execution) initial() (State, error) {
	if exec.runner.Aborted() {
		exec.result.Err = ErrAborted
		return StateCleanup, nil
	}

	return StateStartTarget, nil
}

func (exec *execution) startTarget() (State, error) {
	runner := exec.runner

	monitors, err := runner.monitors.Create(exec.requestKill)
	if err != nil {
		return StateHandleFailure, fmt.Errorf(
			"failed to create process monitors: %w",
			err)
	}

	exec.monitors = monitors
	for _, processMonitor := range monitors {
		processMonitor.Start()
	}

	session := debug.NewSession(
		runner.newBackend(exec.logger),
		runner.WaitInterval,
		exec.logger)
	exec.session = session

	session.OnProcessCreated(exec.processCreated)
	session.OnProcessExited(exec.processExited)
	session.OnException(exec.exceptionRaised)

	argv := exec.testCase.CommandLine()
	err = session.CreateTarget(argv)
	if err != nil {
		return StateHandleFailure, err
	}

	if runner.Timeout > 0 {
		exec.deadline = runner.Clock.Now().Add(runner.Timeout)
	}

	for exec.result.Pid == 0 {
		if session.AllProcessesGone() {
			exec.logger.Debug("target exited before it could be monitored")
			return StateCleanup, nil
		}

		if runner.Aborted() {
			exec.result.Err = ErrAborted
			return StateTerminateTarget, nil
		}

		if exec.pastDeadline(exec.deadline) {
			exec.logger.Info("target did not start before deadline")
			exec.result.Result = TimedOut
			return StateTerminateTarget, nil
		}

		err := session.WaitAndDispatchEvent()
		if err != nil {
			return StateHandleFailure, err
		}
	}

	for _, processMonitor := range exec.monitors {
		processMonitor.Attach(exec.result.Pid)
	}

	exec.logger.Debug("monitoring target", "pid", exec.result.Pid)
	return StateMonitorTarget, nil
}

func (exec *execution) processCreated(event *debug.ProcessEvent) {
	exec.logger.Debug(
		"process created",
		"pid", event.Pid,
		"image", event.ImagePath,
		"replaced", event.Replaced)

	if exec.result.Pid != 0 {
		return
	}

	filter := exec.runner.ProcessName
	if filter != "" && loader.BaseName(event.ImagePath) != filter {
		return
	}

	exec.result.Pid = event.Pid
}

func (exec *execution) processExited(event *debug.ProcessEvent) {
	exec.logger.Debug(
		"process exited",
		"pid", event.Pid,
		"exit_code", event.ExitCode)
}

func (exec *execution) monitorTarget() (State, error) {
	err := exec.session.WaitAndDispatchEvent()
	if err != nil {
		return StateHandleFailure, err
	}

	if exec.exceptionCaught {
		return StateTerminateTarget, nil
	}

	if exec.runner.Aborted() {
		exec.result.Err = ErrAborted
		return StateTerminateTarget, nil
	}

	if exec.session.AllProcessesGone() {
		return StateCleanup, nil
	}

	kills, reason := exec.kills()
	if kills > 1 {
		return StateTerminateTarget, nil
	}

	if kills == 1 {
		exec.logger.Debug("monitor requested kill", "reason", reason)
		if reason == string(monitor.TimeoutKind) {
			exec.result.Result = TimedOut
		}
		return StateStopTarget, nil
	}

	if exec.pastDeadline(exec.deadline) {
		exec.logger.Debug("run deadline exceeded", "timeout", exec.runner.Timeout)
		exec.result.Result = TimedOut
		return StateStopTarget, nil
	}

	return StateMonitorTarget, nil
}

func (exec *execution) stopTarget() (State, error) {
	if exec.runner.Console {
		return StateTerminateTarget, nil
	}

	if !exec.closeRequested {
		exec.closeRequested = true
		exec.stopDeadline = exec.runner.Clock.Now().Add(exec.runner.GracePeriod)

		err := exec.session.RequestClose()
		if err != nil {
			exec.logger.Warn("failed to request target close", "error", err)
			return StateTerminateTarget, nil
		}
	}

	err := exec.session.WaitAndDispatchEvent()
	if err != nil {
		return StateHandleFailure, err
	}

	if exec.exceptionCaught {
		return StateTerminateTarget, nil
	}

	// Post-run actions must still run, hence terminate rather than cleanup.
	if exec.session.AllProcessesGone() {
		return StateTerminateTarget, nil
	}

	kills, _ := exec.kills()
	if kills > 1 || exec.runner.Aborted() {
		return StateTerminateTarget, nil
	}

	if exec.pastDeadline(exec.stopDeadline) {
		exec.logger.Debug("target did not close within grace period")
		return StateTerminateTarget, nil
	}

	return StateStopTarget, nil
}

func (exec *execution) terminateTarget() (State, error) {
	for _, processMonitor := range exec.monitors {
		processMonitor.Detach()
	}

	var errs []error
	session := exec.session
	if session != nil && !session.Disposed() {
		err := session.TerminateTarget()
		if err != nil {
			errs = append(errs, err)
		}

		deadline := exec.runner.Clock.Now().Add(exec.runner.GracePeriod)
		for session.Running() && !session.AllProcessesGone() {
			if exec.pastDeadline(deadline) {
				exec.logger.Warn("target did not exit within grace period")
				break
			}

			err := session.WaitAndDispatchEvent()
			if err != nil {
				exec.logger.Warn(
					"failed to dispatch event while terminating",
					"error", err)
				break
			}
		}

		err = session.Dispose()
		if err != nil {
			errs = append(errs, err)
		}
	}

	exec.runActions()

	if len(errs) > 0 {
		return StateHandleFailure, fmt.Errorf(
			"failed to terminate target: %w",
			errors.Join(errs...))
	}

	return StateCleanup, nil
}

func (exec *execution) runActions() {
	if exec.actionsRan {
		return
	}
	exec.actionsRan = true

	action.RunAll(exec.runner.Actions, exec.logger)
}

func (exec *execution) cleanup() (State, error) {
	for _, processMonitor := range exec.monitors {
		processMonitor.Stop()
	}
	exec.monitors = nil

	if exec.session != nil {
		err := exec.session.Dispose()
		if err != nil {
			exec.logger.Warn("failed to dispose debug session", "error", err)
		}
	}

	exec.runActions()

	if exec.result.Result == StillRunning {
		exec.result.Result = NothingHappened
	}

	return StateStopped, nil
}

func (exec *execution) handleFailure() (State, error) {
	exec.failing = true
	exec.result.Result = Failed
	exec.result.Fault = nil

	exec.logger.Error("handling test run failure", "error", exec.result.Err)
	return StateTerminateTarget, nil
}
