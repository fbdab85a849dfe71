package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ridekit/testexec/internal/testrun"
)

// selectionFlags are the run description flags shared by run and compose.
type selectionFlags struct {
	plan           string
	source         string
	workDir        string
	tests          []string
	include        []string
	exclude        []string
	pythonPath     []string
	outputDir      string
	logLevel       string
	consoleWidth   int
	pauseOnFailure bool
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.plan, "plan", "", "YAML run plan; flags below override its values")
	flags.StringVarP(&f.source, "source", "s", "", "top-level suite file or directory")
	flags.StringVar(&f.workDir, "workdir", "", "runner working directory (default: the suite's directory)")
	flags.StringArrayVarP(&f.tests, "test", "t", nil, "test to run as 'Suite Longname::Test Name' or 'Suite.Test' (repeatable)")
	flags.StringArrayVarP(&f.include, "include", "i", nil, "include tag (repeatable)")
	flags.StringArrayVarP(&f.exclude, "exclude", "e", nil, "exclude tag (repeatable)")
	flags.StringArrayVarP(&f.pythonPath, "pythonpath", "P", nil, "extra module search path (repeatable)")
	flags.StringVarP(&f.outputDir, "outputdir", "d", "", "directory for runner output files")
	flags.StringVarP(&f.logLevel, "loglevel", "L", "", "runner log level")
	flags.IntVarP(&f.consoleWidth, "consolewidth", "W", 0, "runner console width")
	flags.BoolVar(&f.pauseOnFailure, "pause-on-failure", false, "pause the runner when a keyword fails")
}

// runConfig merges the plan, the flags and trailing runner arguments.
func (f *selectionFlags) runConfig(cmd *cobra.Command, runnerArgs []string) (testrun.RunConfig, error) {
	var cfg testrun.RunConfig
	if strings.TrimSpace(f.plan) != "" {
		loaded, err := testrun.LoadPlan(f.plan)
		if err != nil {
			return testrun.RunConfig{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source = f.source
	}
	if flags.Changed("workdir") {
		cfg.WorkDir = f.workDir
	}
	if flags.Changed("test") {
		cfg.Tests = cfg.Tests[:0]
		for _, value := range f.tests {
			id, err := parseTestID(value)
			if err != nil {
				return testrun.RunConfig{}, err
			}
			cfg.Tests = append(cfg.Tests, id)
		}
	}
	if flags.Changed("include") {
		cfg.Include = f.include
	}
	if flags.Changed("exclude") {
		cfg.Exclude = f.exclude
	}
	if flags.Changed("pythonpath") {
		cfg.PythonPath = f.pythonPath
	}
	if flags.Changed("outputdir") {
		cfg.OutputDir = f.outputDir
	}
	if flags.Changed("loglevel") {
		level, err := testrun.ParseLogLevel(f.logLevel)
		if err != nil {
			return testrun.RunConfig{}, err
		}
		cfg.LogLevel = level
	}
	if flags.Changed("consolewidth") {
		cfg.ConsoleWidth = f.consoleWidth
	}
	if flags.Changed("pause-on-failure") {
		cfg.PauseOnFailure = f.pauseOnFailure
	}
	cfg.Args = append(cfg.Args, runnerArgs...)

	if strings.TrimSpace(cfg.Source) == "" {
		return testrun.RunConfig{}, errors.New("a suite source is required (--source or plan)")
	}
	return cfg, nil
}

// parseTestID accepts "Suite::Name" or, failing that, splits "Suite.Name" at the last dot.
func parseTestID(value string) (testrun.TestID, error) {
	value = strings.TrimSpace(value)
	if suite, name, found := strings.Cut(value, "::"); found {
		return testID(suite, name, value)
	}
	if idx := strings.LastIndex(value, "."); idx > 0 {
		return testID(value[:idx], value[idx+1:], value)
	}
	return testID("", value, value)
}

func testID(suite, name, raw string) (testrun.TestID, error) {
	id := testrun.TestID{Suite: strings.TrimSpace(suite), Name: strings.TrimSpace(name)}
	if err := id.Validate(); err != nil {
		return testrun.TestID{}, fmt.Errorf("invalid --test %q: %w", raw, err)
	}
	return id, nil
}
