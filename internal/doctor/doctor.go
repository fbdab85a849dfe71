// Package doctor checks that a host can launch and supervise the test runner.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ridekit/testexec/internal/command"
	"github.com/ridekit/testexec/internal/config"
)

const minConnectTimeout = time.Second

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// HealthReport is the result of one RunOnce.
type HealthReport struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (r HealthReport) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// Manager runs the pre-flight probes against one configuration.
type Manager struct {
	cfg      config.Config
	tempDir  string
	goos     string
	now      func() time.Time
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	listen   func(network, address string) (net.Listener, error)
}

// NewManager builds a Manager for cfg. An empty tempDir means os.TempDir().
func NewManager(cfg *config.Config, tempDir string) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if strings.TrimSpace(tempDir) == "" {
		tempDir = os.TempDir()
	}
	return &Manager{
		cfg:      *cfg,
		tempDir:  tempDir,
		goos:     runtime.GOOS,
		now:      time.Now,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		listen:   net.Listen,
	}, nil
}

// RunOnce executes every probe and returns the report. Probe failures are
// reported as checks; the error is only for a nil manager or a cancelled ctx.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	probes := []func() Check{
		m.checkRunner,
		m.checkAgent,
		m.checkLoopback,
		m.checkTempDir,
		m.checkTimeouts,
	}
	report := HealthReport{CheckedAt: m.now().UTC()}
	for _, probe := range probes {
		if err := ctx.Err(); err != nil {
			return HealthReport{}, fmt.Errorf("doctor interrupted: %w", err)
		}
		report.Checks = append(report.Checks, probe())
	}
	return report, nil
}

func (m *Manager) checkRunner() Check {
	check := Check{Name: "runner"}
	prefix := command.ResolveRunner(m.cfg.Runner, m.goos, m.lookPath)
	if len(prefix) == 0 {
		check.Status = StatusFail
		check.Detail = "no runner entry point for " + m.goos
		return check
	}
	path, err := m.lookPath(prefix[0])
	if err != nil {
		check.Status = StatusFail
		check.Detail = fmt.Sprintf("%s not found on PATH; set runner in config.toml", prefix[0])
		return check
	}
	check.Status = StatusOK
	check.Detail = strings.Join(append([]string{path}, prefix[1:]...), " ")
	return check
}

func (m *Manager) checkAgent() Check {
	check := Check{Name: "listener agent"}
	agent := strings.TrimSpace(m.cfg.AgentPath)
	if agent == "" {
		check.Status = StatusFail
		check.Detail = "agent_path is not configured"
		return check
	}
	info, err := m.stat(agent)
	switch {
	case err != nil:
		check.Status = StatusFail
		check.Detail = fmt.Sprintf("%s: %v", agent, err)
	case info.IsDir():
		check.Status = StatusFail
		check.Detail = agent + " is a directory"
	default:
		check.Status = StatusOK
		check.Detail = agent
	}
	return check
}

func (m *Manager) checkLoopback() Check {
	check := Check{Name: "loopback listener"}
	ln, err := m.listen("tcp", "127.0.0.1:0")
	if err != nil {
		check.Status = StatusFail
		check.Detail = err.Error()
		return check
	}
	check.Status = StatusOK
	check.Detail = ln.Addr().String()
	_ = ln.Close()
	return check
}

func (m *Manager) checkTempDir() Check {
	check := Check{Name: "temp directory"}
	if !m.cfg.UseArgumentFile && !m.cfg.CaptureOutput {
		check.Status = StatusOK
		check.Detail = "not used"
		return check
	}
	file, err := os.CreateTemp(m.tempDir, "testexec-doctor-*")
	if err != nil {
		check.Status = StatusFail
		check.Detail = err.Error()
		return check
	}
	name := file.Name()
	_ = file.Close()
	_ = os.Remove(name)
	check.Status = StatusOK
	check.Detail = filepath.Dir(name)
	return check
}

func (m *Manager) checkTimeouts() Check {
	check := Check{Name: "timeouts", Status: StatusOK}
	var notes []string
	if m.cfg.ConnectTimeout > 0 && m.cfg.ConnectTimeout < minConnectTimeout {
		notes = append(notes, fmt.Sprintf("connect_timeout %s may kill slow-starting runners", m.cfg.ConnectTimeout))
	}
	if m.cfg.StopGracePeriod > 0 && m.cfg.ForcedExitWait > 0 && m.cfg.ForcedExitWait < m.cfg.StopGracePeriod {
		notes = append(notes, fmt.Sprintf("forced_exit_wait %s is shorter than stop_grace_period %s", m.cfg.ForcedExitWait, m.cfg.StopGracePeriod))
	}
	if len(notes) > 0 {
		check.Status = StatusWarn
		check.Detail = strings.Join(notes, "; ")
		return check
	}
	check.Detail = fmt.Sprintf("connect %s, stop grace %s", m.cfg.ConnectTimeout, m.cfg.StopGracePeriod)
	return check
}
