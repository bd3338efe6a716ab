package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

const (
	waitTimeout = 5 * time.Second
)

type fakeSampler struct {
	mutex   sync.Mutex
	samples map[int]Sample
	calls   chan int
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		samples: map[int]Sample{},
		calls:   make(chan int, 100),
	}
}

func (sampler *fakeSampler) set(pid int, sample Sample) {
	sampler.mutex.Lock()
	defer sampler.mutex.Unlock()

	sampler.samples[pid] = sample
}

func (sampler *fakeSampler) remove(pid int) {
	sampler.mutex.Lock()
	defer sampler.mutex.Unlock()

	delete(sampler.samples, pid)
}

func (sampler *fakeSampler) Sample(pid int) (Sample, error) {
	sampler.mutex.Lock()
	sample, ok := sampler.samples[pid]
	sampler.mutex.Unlock()

	sampler.calls <- pid

	if !ok {
		return Sample{}, fmt.Errorf("no such process (%d)", pid)
	}
	return sample, nil
}

type killRecorder struct {
	reasons chan string
}

func newKillRecorder() *killRecorder {
	return &killRecorder{
		reasons: make(chan string, 10),
	}
}

func (recorder *killRecorder) kill(reason string) {
	recorder.reasons <- reason
}

func (recorder *killRecorder) count() int {
	return len(recorder.reasons)
}

func (recorder *killRecorder) waitForKill(t *testing.T) string {
	select {
	case reason := <-recorder.reasons:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("kill request not raised")
		return ""
	}
}

func newIdle(
	config Config,
	sampler Sampler,
	recorder *killRecorder,
) *IdleMonitor {
	config.Kind = IdleKind
	return NewIdleMonitor(
		config,
		clock.NewMock(),
		sampler,
		recorder.kill,
		slog.New(slog.DiscardHandler))
}

type IdleMonitorSuite struct{}

func TestIdleMonitor(t *testing.T) {
	suite.RunTests(t, &IdleMonitorSuite{})
}

func (IdleMonitorSuite) TestFiresAfterMaxIdleCount(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(Config{MaxIdleCount: 3}, sampler, recorder)

	sampler.set(42, Sample{CPUTime: time.Second})
	monitor.Attach(42)

	monitor.poll() // baseline
	monitor.poll()
	monitor.poll()
	expect.Equal(t, 0, recorder.count())

	monitor.poll()
	expect.Equal(t, 1, recorder.count())
	expect.Equal(t, "idle", recorder.waitForKill(t))

	// Fires at most once per attach.
	monitor.poll()
	monitor.poll()
	expect.Equal(t, 0, recorder.count())

	monitor.Attach(42)
	for range 4 {
		monitor.poll()
	}
	expect.Equal(t, 1, recorder.count())
}

func (IdleMonitorSuite) TestActivityResetsCounter(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(Config{MaxIdleCount: 2}, sampler, recorder)

	cpu := time.Second
	sampler.set(42, Sample{CPUTime: cpu})
	monitor.Attach(42)

	monitor.poll() // baseline
	monitor.poll() // idle 1

	cpu += 10 * time.Millisecond
	sampler.set(42, Sample{CPUTime: cpu})
	monitor.poll() // busy

	monitor.poll() // idle 1
	expect.Equal(t, 0, recorder.count())

	monitor.poll() // idle 2
	expect.Equal(t, 1, recorder.count())
}

func (IdleMonitorSuite) TestBelowCPUThresholdIsIdle(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(Config{MaxIdleCount: 1}, sampler, recorder)

	cpu := time.Second
	sampler.set(42, Sample{CPUTime: cpu})
	monitor.Attach(42)
	monitor.poll()

	sampler.set(42, Sample{CPUTime: cpu + CPUIdleThreshold - 1})
	monitor.poll()
	expect.Equal(t, 1, recorder.count())
}

func (IdleMonitorSuite) TestAllWatchedMetricsMustBeIdle(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(
		Config{
			MaxIdleCount: 1,
			Watch:        []Metric{CPUMetric, ContextSwitchesMetric},
		},
		sampler,
		recorder)

	sampler.set(42, Sample{CPUTime: time.Second, ContextSwitches: 10})
	monitor.Attach(42)
	monitor.poll()

	// cpu idle, but still context switching (e.g., blocked on i/o)
	sampler.set(42, Sample{CPUTime: time.Second, ContextSwitches: 11})
	monitor.poll()
	expect.Equal(t, 0, recorder.count())

	monitor.poll()
	expect.Equal(t, 1, recorder.count())
}

func (IdleMonitorSuite) TestMissingProcessResets(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(Config{MaxIdleCount: 2}, sampler, recorder)

	monitor.Attach(42)
	monitor.poll() // no such process
	monitor.poll()
	expect.Equal(t, 0, recorder.count())

	sampler.set(42, Sample{CPUTime: time.Second})
	monitor.poll() // baseline
	monitor.poll() // idle 1

	sampler.remove(42)
	monitor.poll() // reset

	sampler.set(42, Sample{CPUTime: time.Second})
	monitor.poll() // baseline
	monitor.poll() // idle 1
	expect.Equal(t, 0, recorder.count())

	monitor.poll() // idle 2
	expect.Equal(t, 1, recorder.count())
}

func (IdleMonitorSuite) TestDetachedDoesNotSample(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	monitor := newIdle(Config{MaxIdleCount: 1}, sampler, recorder)

	sampler.set(42, Sample{CPUTime: time.Second})
	monitor.Attach(42)
	monitor.poll()
	monitor.Detach()

	monitor.poll()
	monitor.poll()
	expect.Equal(t, 0, recorder.count())
	expect.Equal(t, 1, len(sampler.calls))
}

func (IdleMonitorSuite) TestTickerDrivesPolls(t *testing.T) {
	sampler := newFakeSampler()
	recorder := newKillRecorder()
	mock := clock.NewMock()

	monitor := NewIdleMonitor(
		Config{
			Kind:         IdleKind,
			Interval:     time.Second,
			MaxIdleCount: 2,
		},
		mock,
		sampler,
		recorder.kill,
		slog.New(slog.DiscardHandler))

	sampler.set(42, Sample{CPUTime: time.Second})
	monitor.Attach(42)
	monitor.Start()
	defer monitor.Stop()

	for range 3 {
		mock.Add(time.Second)

		select {
		case pid := <-sampler.calls:
			expect.Equal(t, 42, pid)
		case <-time.After(waitTimeout):
			t.Fatal("poll not triggered")
		}
	}

	expect.Equal(t, "idle", recorder.waitForKill(t))
}

func (IdleMonitorSuite) TestStopWithoutStart(t *testing.T) {
	monitor := newIdle(Config{}, newFakeSampler(), newKillRecorder())
	monitor.Stop()
	monitor.Stop()
}

func (IdleMonitorSuite) TestProcSampler(t *testing.T) {
	sample, err := ProcSampler{}.Sample(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, sample.ContextSwitches > 0)

	_, err = ProcSampler{}.Sample(-1)
	expect.NotNil(t, err)
}

func writeProcFile(t *testing.T, path string, content string) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	expect.Nil(t, err)

	err = os.WriteFile(path, []byte(content), 0644)
	expect.Nil(t, err)
}

func taskStatus(voluntary int, involuntary int) string {
	return fmt.Sprintf(
		"Name:\ttarget\nState:\tS (sleeping)\nTgid:\t42\n"+
			"voluntary_ctxt_switches:\t%d\n"+
			"nonvoluntary_ctxt_switches:\t%d\n",
		voluntary,
		involuntary)
}

func (IdleMonitorSuite) TestProcSamplerSumsThreads(t *testing.T) {
	root := t.TempDir()

	// utime 150 + stime 50 ticks.
	writeProcFile(
		t,
		filepath.Join(root, "42", "stat"),
		"42 (target) S 1 42 42 0 -1 4194560 120 0 0 0 150 50 0 0 20 0 2 0 "+
			"1000 10000000 200 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 "+
			"17 3 0 0 0 0 0 0 0 0 0 0 0 0 0\n")

	// The leader is blocked while the worker thread keeps switching.
	writeProcFile(t, filepath.Join(root, "42", "status"), taskStatus(3, 1))
	writeProcFile(
		t,
		filepath.Join(root, "42", "task", "42", "status"),
		taskStatus(3, 1))
	writeProcFile(
		t,
		filepath.Join(root, "42", "task", "43", "status"),
		taskStatus(500, 20))

	sampler := ProcSampler{Root: root}

	sample, err := sampler.Sample(42)
	expect.Nil(t, err)
	expect.Equal(t, 2*time.Second, sample.CPUTime)
	expect.Equal(t, uint64(524), sample.ContextSwitches)

	writeProcFile(
		t,
		filepath.Join(root, "42", "task", "43", "status"),
		taskStatus(900, 20))

	next, err := sampler.Sample(42)
	expect.Nil(t, err)
	expect.Equal(t, uint64(400), next.ContextSwitches-sample.ContextSwitches)

	_, err = sampler.Sample(7)
	expect.Error(t, err, "failed to open process 7")
}

type TimeoutMonitorSuite struct{}

func TestTimeoutMonitor(t *testing.T) {
	suite.RunTests(t, &TimeoutMonitorSuite{})
}

func newTimeout(recorder *killRecorder) (*TimeoutMonitor, *clock.Mock) {
	mock := clock.NewMock()
	monitor := NewTimeoutMonitor(
		10*time.Second,
		mock,
		recorder.kill,
		slog.New(slog.DiscardHandler))
	monitor.Start()
	return monitor, mock
}

func (TimeoutMonitorSuite) TestFiresOnExpiry(t *testing.T) {
	recorder := newKillRecorder()
	monitor, mock := newTimeout(recorder)
	defer monitor.Stop()

	monitor.Attach(42)

	mock.Add(10*time.Second - time.Nanosecond)
	expect.Equal(t, 0, recorder.count())

	mock.Add(time.Nanosecond)
	expect.Equal(t, "timeout", recorder.waitForKill(t))
}

func (TimeoutMonitorSuite) TestDetachDisarms(t *testing.T) {
	recorder := newKillRecorder()
	monitor, mock := newTimeout(recorder)
	defer monitor.Stop()

	monitor.Attach(42)
	mock.Add(5 * time.Second)
	monitor.Detach()

	mock.Add(time.Minute)

	// Rearming proves the stale expiry never fired.
	monitor.Attach(43)
	mock.Add(10 * time.Second)
	expect.Equal(t, "timeout", recorder.waitForKill(t))
	expect.Equal(t, 0, recorder.count())
}

func (TimeoutMonitorSuite) TestStaleExpiryIgnored(t *testing.T) {
	recorder := newKillRecorder()
	monitor, _ := newTimeout(recorder)
	defer monitor.Stop()

	monitor.Attach(42)
	monitor.mutex.Lock()
	stale := monitor.generation
	monitor.mutex.Unlock()

	monitor.Attach(43)

	monitor.expire(stale, 42)
	expect.Equal(t, 0, recorder.count())
}

func (TimeoutMonitorSuite) TestStop(t *testing.T) {
	recorder := newKillRecorder()
	monitor, mock := newTimeout(recorder)

	monitor.Attach(42)
	monitor.Stop()

	mock.Add(time.Minute)

	monitor.Attach(42)
	mock.Add(time.Minute)

	time.Sleep(10 * time.Millisecond)
	expect.Equal(t, 0, recorder.count())
}

type FactorySuite struct{}

func TestFactory(t *testing.T) {
	suite.RunTests(t, &FactorySuite{})
}

func (FactorySuite) TestCreate(t *testing.T) {
	factory := Factory{
		Configs: []Config{
			{Kind: IdleKind, Watch: []Metric{CPUMetric}},
			{Kind: TimeoutKind, Timeout: time.Second},
		},
		Clock: clock.NewMock(),
	}

	monitors, err := factory.Create(func(string) {})
	expect.Nil(t, err)
	expect.Equal(t, 2, len(monitors))

	_, ok := monitors[0].(*IdleMonitor)
	expect.True(t, ok)

	_, ok = monitors[1].(*TimeoutMonitor)
	expect.True(t, ok)

	for _, monitor := range monitors {
		monitor.Stop()
	}
}

func (FactorySuite) TestValidate(t *testing.T) {
	err := Config{Kind: "bogus"}.Validate()
	expect.Error(t, err, "unsupported monitor kind (bogus)")

	err = Config{Kind: TimeoutKind}.Validate()
	expect.Error(t, err, "invalid monitor timeout")

	err = Config{Kind: IdleKind, Watch: []Metric{"memory"}}.Validate()
	expect.Error(t, err, "unsupported idle monitor metric (memory)")

	_, err = Factory{Configs: []Config{{Kind: TimeoutKind}}}.Create(nil)
	expect.Error(t, err, "invalid monitor timeout")
}
