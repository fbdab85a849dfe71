package testrun

import (
	"fmt"
	"strings"
	"unicode"
)

// LogLevel is one of the runner's log level names.
type LogLevel string

const (
	LogLevelNone  LogLevel = "NONE"
	LogLevelSkip  LogLevel = "SKIP"
	LogLevelFail  LogLevel = "FAIL"
	LogLevelError LogLevel = "ERROR"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelTrace LogLevel = "TRACE"
)

var knownLogLevels = map[LogLevel]struct{}{
	LogLevelNone:  {},
	LogLevelSkip:  {},
	LogLevelFail:  {},
	LogLevelError: {},
	LogLevelWarn:  {},
	LogLevelInfo:  {},
	LogLevelDebug: {},
	LogLevelTrace: {},
}

// ParseLogLevel normalizes a level name. The empty string means unset.
func ParseLogLevel(value string) (LogLevel, error) {
	normalized := LogLevel(strings.ToUpper(strings.TrimSpace(value)))
	if normalized == "" {
		return "", nil
	}
	if _, ok := knownLogLevels[normalized]; !ok {
		return "", fmt.Errorf("unknown log level %q", value)
	}
	return normalized, nil
}

// TestID identifies one test by its suite longname and test name.
type TestID struct {
	Suite string
	Name  string
}

// String renders the dotted longname of the test.
func (id TestID) String() string {
	if id.Suite == "" {
		return id.Name
	}
	return id.Suite + "." + id.Name
}

// Key is the case-insensitive lookup key for the identifier.
func (id TestID) Key() TestID {
	return TestID{Suite: strings.ToLower(id.Suite), Name: strings.ToLower(id.Name)}
}

// Validate rejects identifiers that cannot travel on a command line.
func (id TestID) Validate() error {
	if strings.TrimSpace(id.Name) == "" {
		return fmt.Errorf("test name is required (suite %q)", id.Suite)
	}
	for _, part := range []string{id.Suite, id.Name} {
		for _, r := range part {
			if unicode.IsControl(r) {
				return fmt.Errorf("test identifier %q contains control character %U", id.String(), r)
			}
		}
	}
	return nil
}

// TestStatus is the lifecycle status of one test within a run.
type TestStatus int

const (
	StatusNotRun TestStatus = iota
	StatusRunning
	StatusPassed
	StatusFailed
	StatusSkipped
)

func (s TestStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusPassed:
		return "PASSED"
	case StatusFailed:
		return "FAILED"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "NOT_RUN"
	}
}

// Terminal reports whether the status ends a test's lifecycle.
func (s TestStatus) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

// RunConfig is the immutable description of one requested run.
type RunConfig struct {
	// Source is the top suite file or directory.
	Source string
	// Tests are the selected tests, in scheduling order.
	Tests        []TestID
	PythonPath   []string
	ConsoleWidth int
	LogLevel     LogLevel
	OutputDir    string
	Include      []string
	Exclude      []string
	// Args are passed to the runner verbatim.
	Args []string

	PauseOnFailure bool
	// RenderANSI is set when the host renders ANSI colour sequences.
	RenderANSI bool
	// WorkDir is the child's working directory. Defaults to the source's directory.
	WorkDir string
}

// Clone returns a deep copy so the run can hold it read-only.
func (c RunConfig) Clone() RunConfig {
	out := c
	out.Tests = append([]TestID(nil), c.Tests...)
	out.PythonPath = append([]string(nil), c.PythonPath...)
	out.Include = append([]string(nil), c.Include...)
	out.Exclude = append([]string(nil), c.Exclude...)
	out.Args = append([]string(nil), c.Args...)
	return out
}
