package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// A process which consumed less cpu time than this between two polls is
	// cpu idle.
	CPUIdleThreshold = 5 * time.Microsecond

	// A process which context switched fewer times than this between two
	// polls is context switch idle.
	ContextSwitchIdleThreshold = 1
)

// IdleMonitor requests termination once the attached process has been idle
// for MaxIdleCount consecutive polls.
type IdleMonitor struct {
	interval     time.Duration
	maxIdleCount int
	watch        []Metric

	clock   clock.Clock
	sampler Sampler
	kill    KillFunc
	logger  *slog.Logger

	mutex     sync.Mutex
	pid       int // zero when detached
	previous  *Sample
	idleCount int
	fired     bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewIdleMonitor(
	config Config,
	clk clock.Clock,
	sampler Sampler,
	kill KillFunc,
	logger *slog.Logger,
) *IdleMonitor {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	maxIdleCount := config.MaxIdleCount
	if maxIdleCount <= 0 {
		maxIdleCount = DefaultMaxIdleCount
	}

	watch := config.Watch
	if len(watch) == 0 {
		watch = []Metric{CPUMetric}
	}

	return &IdleMonitor{
		interval:     interval,
		maxIdleCount: maxIdleCount,
		watch:        watch,
		clock:        clk,
		sampler:      sampler,
		kill:         kill,
		logger:       logger.With("monitor", IdleKind),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (monitor *IdleMonitor) Start() {
	monitor.startOnce.Do(func() {
		ticker := monitor.clock.Ticker(monitor.interval)

		go func() {
			defer close(monitor.done)
			defer ticker.Stop()

			for {
				select {
				case <-monitor.stop:
					return
				case <-ticker.C:
					monitor.poll()
				}
			}
		}()
	})
}

func (monitor *IdleMonitor) Attach(pid int) {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	monitor.pid = pid
	monitor.previous = nil
	monitor.idleCount = 0
	monitor.fired = false
}

func (monitor *IdleMonitor) Detach() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	monitor.pid = 0
	monitor.previous = nil
	monitor.idleCount = 0
}

func (monitor *IdleMonitor) Stop() {
	monitor.Detach()

	monitor.stopOnce.Do(func() {
		close(monitor.stop)
	})

	// Start after Stop is a no-op.
	monitor.startOnce.Do(func() {
		close(monitor.done)
	})

	<-monitor.done
}

func (monitor *IdleMonitor) poll() {
	if monitor.sampleIsIdle() {
		monitor.kill("idle")
	}
}

// sampleIsIdle returns true when the kill request should be raised.
func (monitor *IdleMonitor) sampleIsIdle() bool {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()

	if monitor.pid == 0 || monitor.fired {
		return false
	}

	sample, err := monitor.sampler.Sample(monitor.pid)
	if err != nil {
		// The process may not exist yet, or may have just exited.
		monitor.logger.Debug(
			"failed to sample process",
			"pid", monitor.pid,
			"error", err)
		monitor.previous = nil
		monitor.idleCount = 0
		return false
	}

	previous := monitor.previous
	monitor.previous = &sample
	if previous == nil {
		return false
	}

	idle := true
	for _, metric := range monitor.watch {
		switch metric {
		case CPUMetric:
			if sample.CPUTime-previous.CPUTime >= CPUIdleThreshold {
				idle = false
			}
		case ContextSwitchesMetric:
			if sample.ContextSwitches-previous.ContextSwitches >=
				ContextSwitchIdleThreshold {

				idle = false
			}
		}
	}

	if !idle {
		monitor.idleCount = 0
		return false
	}

	monitor.idleCount++
	if monitor.idleCount < monitor.maxIdleCount {
		return false
	}

	monitor.fired = true
	monitor.logger.Info(
		"process idle",
		"pid", monitor.pid,
		"polls", monitor.idleCount)
	return true
}
