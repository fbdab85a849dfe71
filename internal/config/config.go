// Package config loads supervisor settings from TOML files.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultConnectTimeout     = 30 * time.Second
	defaultStopGracePeriod    = 3 * time.Second
	defaultForcedExitWait     = 5 * time.Second
	defaultControlTimeout     = time.Second
	defaultOutputPollInterval = 100 * time.Millisecond
	defaultDrainWindow        = 500 * time.Millisecond
	defaultLogLevel           = "info"
	defaultUseArgumentFile    = true

	dirName  = ".testexec"
	fileName = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// Runner overrides the host default runner entry point.
	Runner []string
	// AgentPath is the runner-side listener agent handed to --listener.
	AgentPath       string
	UseArgumentFile bool
	// CaptureOutput tees all runner output into a debug capture file.
	CaptureOutput      bool
	ConnectTimeout     time.Duration
	StopGracePeriod    time.Duration
	ForcedExitWait     time.Duration
	ControlTimeout     time.Duration
	OutputPollInterval time.Duration
	DrainWindow        time.Duration
	LogLevel           string
	MetricsAddr        string
	OTelEndpoint       string
}

type fileConfig struct {
	Runner             any     `toml:"runner"`
	AgentPath          *string `toml:"agent_path"`
	UseArgumentFile    *bool   `toml:"use_argument_file"`
	CaptureOutput      *bool   `toml:"capture_output"`
	ConnectTimeout     *string `toml:"connect_timeout"`
	StopGracePeriod    *string `toml:"stop_grace_period"`
	ForcedExitWait     *string `toml:"forced_exit_wait"`
	ControlTimeout     *string `toml:"control_timeout"`
	OutputPollInterval *string `toml:"output_poll_interval"`
	DrainWindow        *string `toml:"drain_window"`
	LogLevel           *string `toml:"log_level"`
	MetricsAddr        *string `toml:"metrics_addr"`
	OTelEndpoint       *string `toml:"otel_endpoint"`
}

// Load reads config from ~/.testexec/config.toml and overlays a project-local .testexec/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, dirName, fileName),
		filepath.Join(workingDir, dirName, fileName),
	)
}

// LoadFiles overlays each existing file, in order, on the defaults.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		UseArgumentFile:    defaultUseArgumentFile,
		ConnectTimeout:     defaultConnectTimeout,
		StopGracePeriod:    defaultStopGracePeriod,
		ForcedExitWait:     defaultForcedExitWait,
		ControlTimeout:     defaultControlTimeout,
		OutputPollInterval: defaultOutputPollInterval,
		DrainWindow:        defaultDrainWindow,
		LogLevel:           defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyRunnerOverride(cfg, decoded.Runner, path); err != nil {
		return err
	}
	applyScalarOverrides(cfg, decoded)
	return applyDurationOverrides(cfg, decoded, path)
}

func applyRunnerOverride(cfg *Config, value any, path string) error {
	switch runner := value.(type) {
	case nil:
		return nil
	case string:
		cfg.Runner = strings.Fields(runner)
		return nil
	case []any:
		parts := make([]string, 0, len(runner))
		for index, part := range runner {
			text, ok := part.(string)
			if !ok {
				return fmt.Errorf("parse runner[%d] in %q: must be string", index, path)
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
		cfg.Runner = parts
		return nil
	default:
		return fmt.Errorf("parse runner in %q: must be string or array of strings", path)
	}
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.AgentPath != nil {
		cfg.AgentPath = strings.TrimSpace(*decoded.AgentPath)
	}
	if decoded.UseArgumentFile != nil {
		cfg.UseArgumentFile = *decoded.UseArgumentFile
	}
	if decoded.CaptureOutput != nil {
		cfg.CaptureOutput = *decoded.CaptureOutput
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	if decoded.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.MetricsAddr)
	}
	if decoded.OTelEndpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTelEndpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{key: "connect_timeout", value: decoded.ConnectTimeout, target: &cfg.ConnectTimeout},
		{key: "stop_grace_period", value: decoded.StopGracePeriod, target: &cfg.StopGracePeriod},
		{key: "forced_exit_wait", value: decoded.ForcedExitWait, target: &cfg.ForcedExitWait},
		{key: "control_timeout", value: decoded.ControlTimeout, target: &cfg.ControlTimeout},
		{key: "output_poll_interval", value: decoded.OutputPollInterval, target: &cfg.OutputPollInterval},
		{key: "drain_window", value: decoded.DrainWindow, target: &cfg.DrainWindow},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}
