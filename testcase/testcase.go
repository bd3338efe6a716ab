// Package testcase manages the working directory of one fuzzed sample.
package testcase

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pattyshack/fuzzman/fault"
)

const (
	TargetToken = "{TARGET}"

	TestCaseNumberToken = "{TCN}"
	DateTimeToken       = "{DATETIME}"
	SummaryToken        = "{SUMMARY}"

	DefaultNameTemplate = TestCaseNumberToken + "_" + SummaryToken

	DateTimeFormat = "20060102-150405"

	AnalysisFileName = "analysis.txt"

	DefaultRenameAttempts = 5
	DefaultRenameBackoff  = time.Second

	// Name collisions are resolved by appending .1, .2, ... up to this.
	MaxNameSuffix = 1000
)

// Sequence issues unique test case numbers.  Safe for concurrent use.
type Sequence struct {
	last atomic.Uint64
}

func (seq *Sequence) Next() uint64 {
	return seq.last.Add(1)
}

type TestCase struct {
	ID uint64

	WorkDir string

	// The seed the sample was derived from.
	SourcePath string

	// The sample inside WorkDir.
	SamplePath string

	commandLine []string

	RenameAttempts int
	RenameBackoff  time.Duration
	Clock          clock.Clock

	logger *slog.Logger

	mutex  sync.Mutex
	runs   int
	faults []*fault.Report
}

func New(
	id uint64,
	workRoot string,
	sourcePath string,
	commandLine []string,
	logger *slog.Logger,
) *TestCase {
	workDir := filepath.Join(workRoot, fmt.Sprintf("tc-%08d", id))
	return &TestCase{
		ID:             id,
		WorkDir:        workDir,
		SourcePath:     sourcePath,
		SamplePath:     filepath.Join(workDir, filepath.Base(sourcePath)),
		commandLine:    commandLine,
		RenameAttempts: DefaultRenameAttempts,
		RenameBackoff:  DefaultRenameBackoff,
		Clock:          clock.New(),
		logger:         logger.With("testcase", id),
	}
}

// Setup creates the working directory and writes the sample into it.  The
// source sample is copied when sample is nil.
func (tc *TestCase) Setup(sample []byte) error {
	err := os.MkdirAll(tc.WorkDir, 0755)
	if err != nil {
		return fmt.Errorf(
			"failed to create test case directory (%s): %w",
			tc.WorkDir,
			err)
	}

	if sample == nil {
		sample, err = os.ReadFile(tc.SourcePath)
		if err != nil {
			return fmt.Errorf(
				"failed to read source sample (%s): %w",
				tc.SourcePath,
				err)
		}
	}

	err = os.WriteFile(tc.SamplePath, sample, 0644)
	if err != nil {
		return fmt.Errorf("failed to write sample (%s): %w", tc.SamplePath, err)
	}

	return nil
}

// CommandLine returns the command line template with every {TARGET} token
// replaced by the sample's path.
func (tc *TestCase) CommandLine() []string {
	argv := make([]string, 0, len(tc.commandLine))
	for _, arg := range tc.commandLine {
		argv = append(argv, strings.ReplaceAll(arg, TargetToken, tc.SamplePath))
	}

	return argv
}

func (tc *TestCase) AddRun() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.runs++
}

func (tc *TestCase) Runs() int {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	return tc.runs
}

func (tc *TestCase) AddFault(report *fault.Report) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.faults = append(tc.faults, report)
}

func (tc *TestCase) Faults() []*fault.Report {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	return append([]*fault.Report{}, tc.faults...)
}

func sanitize(value string) string {
	return strings.Map(
		func(char rune) rune {
			switch {
			case 'a' <= char && char <= 'z',
				'A' <= char && char <= 'Z',
				'0' <= char && char <= '9':
				return char
			case char == '_' || char == '-' || char == '+' || char == '.':
				return char
			default:
				return '_'
			}
		},
		value)
}

// SaveName expands the save directory name template.
func (tc *TestCase) SaveName(template string, summary string) string {
	if template == "" {
		template = DefaultNameTemplate
	}

	name := strings.NewReplacer(
		TestCaseNumberToken, fmt.Sprintf("%08d", tc.ID),
		DateTimeToken, tc.Clock.Now().Format(DateTimeFormat),
		SummaryToken, sanitize(summary),
	).Replace(template)

	return sanitize(name)
}

func (tc *TestCase) writeAnalysis(analysis fault.Analysis) error {
	path := filepath.Join(tc.WorkDir, AnalysisFileName)
	err := os.WriteFile(path, []byte(analysis.Details+"\n"), 0644)
	if err != nil {
		return fmt.Errorf("failed to write analysis (%s): %w", path, err)
	}

	for _, report := range tc.Faults() {
		err := fault.AppendReport(path, report)
		if err != nil {
			return err
		}
	}

	return nil
}

// Save writes the analysis file, then moves the working directory into
// saveRoot.  A failed move is retried; once the attempts are exhausted the
// data is left in the working directory and the returned bool is false.
func (tc *TestCase) Save(
	saveRoot string,
	nameTemplate string,
	analysis fault.Analysis,
) (
	string,
	bool,
	error,
) {
	err := tc.writeAnalysis(analysis)
	if err != nil {
		return "", false, err
	}

	err = os.MkdirAll(saveRoot, 0755)
	if err != nil {
		tc.logger.Error(
			"failed to create save directory. test case kept in place",
			"save_root", saveRoot,
			"work_dir", tc.WorkDir,
			"error", err)
		return tc.WorkDir, false, nil
	}

	name := filepath.Join(saveRoot, tc.SaveName(nameTemplate, analysis.Summary))

	dest := name
	attempts := max(tc.RenameAttempts, 1)
	for attempt := 1; ; attempt++ {
		// Earlier campaigns (or other workers) may have used the same name.
		dest = freeDestination(name)

		err = os.Rename(tc.WorkDir, dest)
		if err == nil {
			tc.logger.Info("saved test case", "path", dest)
			return dest, true, nil
		}

		if attempt >= attempts {
			break
		}

		tc.logger.Debug(
			"failed to move test case. retrying",
			"attempt", attempt,
			"error", err)

		if tc.RenameBackoff > 0 {
			tc.Clock.Sleep(tc.RenameBackoff)
		}
	}

	tc.logger.Error(
		"failed to move test case. test case kept in place",
		"work_dir", tc.WorkDir,
		"dest", dest,
		"attempts", attempts,
		"error", err)
	return tc.WorkDir, false, nil
}

// freeDestination returns the first of name, name.1, name.2, ... that does
// not exist.  Paths that cannot be checked are returned as is, and left to
// rename to reject.
func freeDestination(name string) string {
	candidate := name
	for suffix := 1; suffix <= MaxNameSuffix; suffix++ {
		_, err := os.Lstat(candidate)
		if err != nil {
			return candidate
		}

		candidate = fmt.Sprintf("%s.%d", name, suffix)
	}

	return candidate
}

// Cleanup removes the working directory.
func (tc *TestCase) Cleanup() error {
	err := os.RemoveAll(tc.WorkDir)
	if err != nil {
		return fmt.Errorf(
			"failed to remove test case directory (%s): %w",
			tc.WorkDir,
			err)
	}

	return nil
}
