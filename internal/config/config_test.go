package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if !reflect.DeepEqual(*cfg, Defaults()) {
		t.Fatalf("config = %#v, want defaults %#v", *cfg, Defaults())
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("connect_timeout = %s, want 30s", cfg.ConnectTimeout)
	}
	if cfg.StopGracePeriod != 3*time.Second {
		t.Fatalf("stop_grace_period = %s, want 3s", cfg.StopGracePeriod)
	}
	if cfg.ControlTimeout != time.Second {
		t.Fatalf("control_timeout = %s, want 1s", cfg.ControlTimeout)
	}
	if !cfg.UseArgumentFile {
		t.Fatal("use_argument_file = false, want true")
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".testexec", "config.toml"), `
runner = "python -m robot"
agent_path = "/opt/ride/TestRunnerAgent.py"
stop_grace_period = "9s"
log_level = "DEBUG"
metrics_addr = "127.0.0.1:9464"
	`)

	writeFile(t, filepath.Join(work, ".testexec", "config.toml"), `
runner = ["pabot", "--processes", "2"]
use_argument_file = false
capture_output = true
connect_timeout = "45s"
drain_window = "250ms"
otel_endpoint = "localhost:4318"
	`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if want := []string{"pabot", "--processes", "2"}; !reflect.DeepEqual(cfg.Runner, want) {
		t.Fatalf("runner = %v, want %v", cfg.Runner, want)
	}
	if cfg.AgentPath != "/opt/ride/TestRunnerAgent.py" {
		t.Fatalf("agent_path = %q", cfg.AgentPath)
	}
	if cfg.UseArgumentFile {
		t.Fatal("use_argument_file = true, want false")
	}
	if !cfg.CaptureOutput {
		t.Fatal("capture_output = false, want true")
	}
	if cfg.StopGracePeriod != 9*time.Second {
		t.Fatalf("stop_grace_period = %s, want 9s", cfg.StopGracePeriod)
	}
	if cfg.ConnectTimeout != 45*time.Second {
		t.Fatalf("connect_timeout = %s, want 45s", cfg.ConnectTimeout)
	}
	if cfg.DrainWindow != 250*time.Millisecond {
		t.Fatalf("drain_window = %s, want 250ms", cfg.DrainWindow)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Fatalf("metrics_addr = %q", cfg.MetricsAddr)
	}
	if cfg.OTelEndpoint != "localhost:4318" {
		t.Fatalf("otel_endpoint = %q", cfg.OTelEndpoint)
	}
}

func TestLoadFilesRunnerStringIsSplit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `runner = "  python3   -m robot "`)

	cfg, err := LoadFiles(context.Background(), path, filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if want := []string{"python3", "-m", "robot"}; !reflect.DeepEqual(cfg.Runner, want) {
		t.Fatalf("runner = %v, want %v", cfg.Runner, want)
	}
}

func TestLoadFilesRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `connect_timeout = "soon"`, want: "parse connect_timeout"},
		{name: "negative duration", content: `stop_grace_period = "-1s"`, want: "must be > 0"},
		{name: "runner number", content: `runner = 7`, want: "parse runner"},
		{name: "runner array of numbers", content: `runner = [1, 2]`, want: "parse runner[0]"},
		{name: "unknown key", content: `wip_limit = 3`, want: "unsupported key"},
		{name: "malformed toml", content: `runner = [`, want: "decode config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tt.content)

			_, err := LoadFiles(context.Background(), path)
			if err == nil {
				t.Fatal("LoadFiles() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), path) {
				t.Fatalf("error = %q, want %q with file path", err, tt.want)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
