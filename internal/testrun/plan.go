package testrun

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type planFile struct {
	Source         string     `yaml:"source"`
	WorkDir        string     `yaml:"workdir"`
	Tests          []planTest `yaml:"tests"`
	PythonPath     []string   `yaml:"pythonpath"`
	ConsoleWidth   int        `yaml:"console_width"`
	LogLevel       string     `yaml:"loglevel"`
	OutputDir      string     `yaml:"outputdir"`
	Include        []string   `yaml:"include"`
	Exclude        []string   `yaml:"exclude"`
	Args           []string   `yaml:"args"`
	PauseOnFailure bool       `yaml:"pause_on_failure"`
}

type planTest struct {
	Suite string `yaml:"suite"`
	Name  string `yaml:"name"`
}

// LoadPlan reads a YAML run plan. Relative paths resolve against the plan's directory.
func LoadPlan(path string) (RunConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return RunConfig{}, errors.New("plan path is required")
	}
	// #nosec G304 -- plan path is supplied by the local operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read plan %q: %w", path, err)
	}
	return ParsePlan(data, filepath.Dir(path))
}

// ParsePlan decodes plan YAML. baseDir anchors relative source, workdir and outputdir paths.
func ParsePlan(data []byte, baseDir string) (RunConfig, error) {
	var decoded planFile
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return RunConfig{}, fmt.Errorf("decode plan: %w", err)
	}

	level, err := ParseLogLevel(decoded.LogLevel)
	if err != nil {
		return RunConfig{}, fmt.Errorf("decode plan: %w", err)
	}
	if strings.TrimSpace(decoded.Source) == "" {
		return RunConfig{}, errors.New("decode plan: source is required")
	}

	cfg := RunConfig{
		Source:         anchor(baseDir, decoded.Source),
		WorkDir:        anchor(baseDir, decoded.WorkDir),
		PythonPath:     decoded.PythonPath,
		ConsoleWidth:   decoded.ConsoleWidth,
		LogLevel:       level,
		OutputDir:      anchor(baseDir, decoded.OutputDir),
		Include:        decoded.Include,
		Exclude:        decoded.Exclude,
		Args:           decoded.Args,
		PauseOnFailure: decoded.PauseOnFailure,
	}
	for _, test := range decoded.Tests {
		cfg.Tests = append(cfg.Tests, TestID{Suite: test.Suite, Name: test.Name})
	}
	return cfg, nil
}

func anchor(baseDir, value string) string {
	value = strings.TrimSpace(value)
	if value == "" || filepath.IsAbs(value) || baseDir == "" {
		return value
	}
	return filepath.Join(baseDir, value)
}
