package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimeoutMonitor requests termination once the attached process has run for
// the configured duration.  Detach disarms the timer.
type TimeoutMonitor struct {
	timeout time.Duration

	clock  clock.Clock
	kill   KillFunc
	logger *slog.Logger

	mutex sync.Mutex

	// Incremented on every attach / detach.  An expiry only fires if its
	// generation is still current.
	generation uint64
	timer      *clock.Timer
	stopped    bool
}

func NewTimeoutMonitor(
	timeout time.Duration,
	clk clock.Clock,
	kill KillFunc,
	logger *slog.Logger,
) *TimeoutMonitor {
	return &TimeoutMonitor{
		timeout: timeout,
		clock:   clk,
		kill:    kill,
		logger:  logger.With("monitor", TimeoutKind),
	}
}

func (monitor *TimeoutMonitor) Start() {
}

func (monitor *TimeoutMonitor) Attach(pid int) {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	if monitor.stopped {
		return
	}

	monitor.disarm()

	generation := monitor.generation
	monitor.timer = monitor.clock.AfterFunc(
		monitor.timeout,
		func() {
			monitor.expire(generation, pid)
		})
}

func (monitor *TimeoutMonitor) Detach() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	monitor.disarm()
}

func (monitor *TimeoutMonitor) Stop() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	monitor.disarm()
	monitor.stopped = true
}

func (monitor *TimeoutMonitor) disarm() {
	monitor.generation++
	if monitor.timer != nil {
		monitor.timer.Stop()
		monitor.timer = nil
	}
}

func (monitor *TimeoutMonitor) expire(generation uint64, pid int) {
	monitor.mutex.Lock()
	current := !monitor.stopped && generation == monitor.generation
	if current {
		monitor.timer = nil
	}
	monitor.mutex.Unlock()

	if !current {
		return
	}

	monitor.logger.Info("process timed out", "pid", pid, "timeout", monitor.timeout)
	monitor.kill("timeout")
}
