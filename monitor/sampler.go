package monitor

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is a snapshot of a process' cumulative resource usage.
type Sample struct {
	CPUTime         time.Duration // user + system
	ContextSwitches uint64        // voluntary + involuntary, summed over threads
}

type Sampler interface {
	Sample(pid int) (Sample, error)
}

// ProcSampler reads /proc/<pid>/stat and /proc/<pid>/task/<tid>/status.
type ProcSampler struct {
	// procfs mount point.  Defaults to /proc.
	Root string
}

func (sampler ProcSampler) Sample(pid int) (Sample, error) {
	root := sampler.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(root)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open procfs (%s): %w", root, err)
	}

	proc, err := fs.Proc(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	// CPU time in stat is already process wide.
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read process %d stat: %w", pid, err)
	}

	// NOTE: /proc/<pid>/status only reports the leader's context switches.
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return Sample{}, fmt.Errorf(
			"failed to list process %d threads: %w",
			pid,
			err)
	}

	switches := uint64(0)
	for _, thread := range threads {
		status, err := thread.NewStatus()
		if err != nil {
			// The thread exited after it was listed.
			continue
		}

		switches += status.VoluntaryCtxtSwitches +
			status.NonVoluntaryCtxtSwitches
	}

	return Sample{
		CPUTime:         time.Duration(stat.CPUTime() * float64(time.Second)),
		ContextSwitches: switches,
	}, nil
}
