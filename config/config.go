// Package config loads fuzzman's yaml configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/fuzzman/action"
	"github.com/pattyshack/fuzzman/campaign"
	"github.com/pattyshack/fuzzman/debug"
	"github.com/pattyshack/fuzzman/monitor"
	"github.com/pattyshack/fuzzman/runner"
	"github.com/pattyshack/fuzzman/testcase"
)

const (
	DefaultSaveRoot = "crashes"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

type Target struct {
	// argv template.  {TARGET} is replaced by the sample's path.
	Command []string `yaml:"command"`

	ProcessName string        `yaml:"process_name"`
	Console     bool          `yaml:"console"`
	Timeout     time.Duration `yaml:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Repeat      int           `yaml:"repeat"`
}

type Exceptions struct {
	Ignore          []string `yaml:"ignore"`
	PassFirstChance []string `yaml:"pass_first_chance"`
}

type Monitor struct {
	Kind string `yaml:"kind"`

	// idle
	Interval time.Duration `yaml:"interval"`
	MaxIdle  int           `yaml:"max_idle"`
	Watch    []string      `yaml:"watch"`

	// timeout
	Timeout time.Duration `yaml:"timeout"`
}

// Action sets exactly one field.
type Action struct {
	DeleteFile      string `yaml:"delete_file"`
	DeleteDirectory string `yaml:"delete_directory"`
}

type Campaign struct {
	Seed       string `yaml:"seed"`
	WorkRoot   string `yaml:"work_root"`
	SaveRoot   string `yaml:"save_root"`
	SaveName   string `yaml:"save_name"`
	Workers    int    `yaml:"workers"`
	Iterations uint64 `yaml:"iterations"`
	Mutations  int    `yaml:"mutations"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Target     Target     `yaml:"target"`
	Exceptions Exceptions `yaml:"exceptions"`
	Monitors   []Monitor  `yaml:"monitors"`
	Actions    []Action   `yaml:"actions"`
	Campaign   Campaign   `yaml:"campaign"`
	Logging    Logging    `yaml:"logging"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file (%s): %w", path, err)
	}
	defer file.Close()

	config, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("invalid config file (%s): %w", path, err)
	}

	return config, nil
}

func Parse(content []byte) (*Config, error) {
	return Decode(bytes.NewReader(content))
}

// Decode parses, applies defaults to, and validates the configuration.
// Unknown keys are rejected.
func Decode(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	config := &Config{}
	err := decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.setDefaults()

	err = config.Validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (config *Config) setDefaults() {
	if config.Target.Repeat == 0 {
		config.Target.Repeat = 1
	}

	if config.Target.GracePeriod == 0 {
		config.Target.GracePeriod = runner.DefaultGracePeriod
	}

	if config.Campaign.WorkRoot == "" {
		config.Campaign.WorkRoot = filepath.Join(os.TempDir(), "fuzzman")
	}

	if config.Campaign.SaveRoot == "" {
		config.Campaign.SaveRoot = DefaultSaveRoot
	}

	if config.Campaign.SaveName == "" {
		config.Campaign.SaveName = testcase.DefaultNameTemplate
	}

	if config.Campaign.Workers == 0 {
		config.Campaign.Workers = 1
	}

	if config.Campaign.Mutations == 0 {
		config.Campaign.Mutations = campaign.DefaultMutations
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}

	if config.Logging.Format == "" {
		config.Logging.Format = DefaultLogFormat
	}
}

func keyError(key string, format string, args ...any) error {
	return fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...))
}

func (config *Config) Validate() error {
	target := config.Target
	if len(target.Command) == 0 || target.Command[0] == "" {
		return keyError("target.command", "must not be empty")
	}

	if target.Timeout < 0 {
		return keyError("target.timeout", "must not be negative (%s)", target.Timeout)
	}

	if target.GracePeriod < 0 {
		return keyError(
			"target.grace_period",
			"must not be negative (%s)",
			target.GracePeriod)
	}

	if target.Repeat < 0 {
		return keyError("target.repeat", "must not be negative (%d)", target.Repeat)
	}

	_, _, err := config.exceptionSets()
	if err != nil {
		return err
	}

	for idx := range config.Monitors {
		_, err := config.monitorConfig(idx)
		if err != nil {
			return err
		}
	}

	for idx := range config.Actions {
		_, err := config.action(idx)
		if err != nil {
			return err
		}
	}

	if config.Campaign.Seed == "" {
		return keyError("campaign.seed", "must not be empty")
	}

	if config.Campaign.Workers < 0 {
		return keyError(
			"campaign.workers",
			"must not be negative (%d)",
			config.Campaign.Workers)
	}

	if config.Campaign.Mutations < 0 {
		return keyError(
			"campaign.mutations",
			"must not be negative (%d)",
			config.Campaign.Mutations)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return keyError("logging.level", "unsupported (%s)", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return keyError("logging.format", "unsupported (%s)", config.Logging.Format)
	}

	return nil
}

func parseCodes(key string, values []string) (debug.ExceptionCodeSet, error) {
	set := debug.ExceptionCodeSet{}
	for idx, value := range values {
		code, err := debug.ParseExceptionCode(value)
		if err != nil {
			return nil, keyError(fmt.Sprintf("%s[%d]", key, idx), "%s", err)
		}
		set[code] = struct{}{}
	}

	return set, nil
}

func (config *Config) exceptionSets() (
	debug.ExceptionCodeSet,
	debug.ExceptionCodeSet,
	error,
) {
	ignore, err := parseCodes("exceptions.ignore", config.Exceptions.Ignore)
	if err != nil {
		return nil, nil, err
	}

	passFirstChance, err := parseCodes(
		"exceptions.pass_first_chance",
		config.Exceptions.PassFirstChance)
	if err != nil {
		return nil, nil, err
	}

	return ignore, passFirstChance, nil
}

func (config *Config) monitorConfig(idx int) (monitor.Config, error) {
	entry := config.Monitors[idx]
	key := fmt.Sprintf("monitors[%d]", idx)

	watch := make([]monitor.Metric, 0, len(entry.Watch))
	for _, metric := range entry.Watch {
		watch = append(watch, monitor.Metric(strings.TrimSpace(metric)))
	}

	result := monitor.Config{
		Kind:         monitor.Kind(entry.Kind),
		Interval:     entry.Interval,
		MaxIdleCount: entry.MaxIdle,
		Watch:        watch,
		Timeout:      entry.Timeout,
	}

	err := result.Validate()
	if err != nil {
		return monitor.Config{}, keyError(key, "%s", err)
	}

	return result, nil
}

func (config *Config) action(idx int) (action.Action, error) {
	entry := config.Actions[idx]
	key := fmt.Sprintf("actions[%d]", idx)

	switch {
	case entry.DeleteFile != "" && entry.DeleteDirectory != "":
		return nil, keyError(key, "must set exactly one action")
	case entry.DeleteFile != "":
		return action.DeleteFile{Path: entry.DeleteFile}, nil
	case entry.DeleteDirectory != "":
		return action.DeleteDirectory{Path: entry.DeleteDirectory}, nil
	default:
		return nil, keyError(key, "must set exactly one action")
	}
}

// MonitorConfigs assumes the config was validated.
func (config *Config) MonitorConfigs() []monitor.Config {
	configs := make([]monitor.Config, 0, len(config.Monitors))
	for idx := range config.Monitors {
		monitorConfig, err := config.monitorConfig(idx)
		if err != nil {
			panic(err)
		}
		configs = append(configs, monitorConfig)
	}

	return configs
}

// RunnerConfig assumes the config was validated.
func (config *Config) RunnerConfig() runner.Config {
	ignore, passFirstChance, err := config.exceptionSets()
	if err != nil {
		panic(err)
	}

	actions := make([]action.Action, 0, len(config.Actions))
	for idx := range config.Actions {
		entry, err := config.action(idx)
		if err != nil {
			panic(err)
		}
		actions = append(actions, entry)
	}

	return runner.Config{
		ProcessName:     config.Target.ProcessName,
		Console:         config.Target.Console,
		Timeout:         config.Target.Timeout,
		GracePeriod:     config.Target.GracePeriod,
		Ignore:          ignore,
		PassFirstChance: passFirstChance,
		Actions:         actions,
	}
}

func (config *Config) CampaignConfig() campaign.Config {
	return campaign.Config{
		SeedPath:    config.Campaign.Seed,
		WorkRoot:    config.Campaign.WorkRoot,
		SaveRoot:    config.Campaign.SaveRoot,
		SaveName:    config.Campaign.SaveName,
		CommandLine: config.Target.Command,
		Workers:     config.Campaign.Workers,
		Iterations:  config.Campaign.Iterations,
		RepeatCount: config.Target.Repeat,
	}
}
