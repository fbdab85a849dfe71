// Package process starts the runner and owns its OS handle.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ridekit/testexec/internal/testrun"
)

// Options configures a Launcher.
type Options struct {
	Logger *log.Logger
	// Env is appended to the inherited environment.
	Env []string
	// LookPath resolves argv[0]. Nil means exec.LookPath.
	LookPath func(string) (string, error)
}

// Launcher spawns runner processes.
type Launcher struct {
	logger   *log.Logger
	env      []string
	lookPath func(string) (string, error)
}

// New creates a launcher with default dependencies where omitted.
func New(opts Options) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Launcher{
		logger:   logger,
		env:      append([]string(nil), opts.Env...),
		lookPath: lookPath,
	}
}

// Status is the result of a non-blocking poll.
type Status struct {
	Alive    bool
	ExitCode int
}

// Process is one spawned runner.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	logger *log.Logger

	done     chan struct{}
	exitCode int
	waitErr  error

	mu     sync.Mutex
	killed bool
}

// Spawn starts argv in cwd with stdout and stderr captured and stdin closed.
func (l *Launcher) Spawn(ctx context.Context, argv []string, cwd string) (*Process, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, testrun.Errorf(testrun.KindSpawn, "spawn", "empty command")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, testrun.Wrap(testrun.KindSpawn, "spawn", err)
		}
	}
	if cwd != "" {
		info, err := os.Stat(cwd)
		if err != nil {
			return nil, testrun.Wrap(testrun.KindSpawn, "spawn", fmt.Errorf("working directory %q: %w", cwd, err))
		}
		if !info.IsDir() {
			return nil, testrun.Errorf(testrun.KindSpawn, "spawn", "working directory %q is not a directory", cwd)
		}
	}
	executable, err := l.lookPath(argv[0])
	if err != nil {
		return nil, testrun.Wrap(testrun.KindSpawn, "spawn", fmt.Errorf("resolve %q: %w", argv[0], err))
	}

	// #nosec G204 -- argv is composed from the operator's run configuration.
	cmd := exec.Command(executable, argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(append(os.Environ(), platformEnv()...), l.env...)
	configureProcAttr(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, testrun.Wrap(testrun.KindSpawn, "spawn", fmt.Errorf("create stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, testrun.Wrap(testrun.KindSpawn, "spawn", fmt.Errorf("create stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, testrun.Wrap(testrun.KindSpawn, "spawn", fmt.Errorf("create stdin pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		_ = stdin.Close()
		return nil, testrun.Wrap(testrun.KindSpawn, "spawn", err)
	}
	// The child holds its own copies; the parent keeps only the read ends.
	closeAll(stdoutW, stderrW)
	_ = stdin.Close()

	proc := &Process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdoutR,
		stderr: stderrR,
		logger: l.logger,
		done:   make(chan struct{}),
	}
	go proc.reap()

	l.logger.With("pid", proc.pid, "executable", executable, "cwd", cwd).Info("runner spawned")
	return proc, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	code := 0
	if p.cmd.ProcessState != nil {
		code = exitCode(p.cmd.ProcessState)
	} else if err != nil {
		code = -1
	}
	p.mu.Lock()
	p.exitCode = code
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.mu.Unlock()
	close(p.done)
	p.logger.With("pid", p.pid, "exit_code", code).Info("runner exited")
}

// PID returns the spawned process ID.
func (p *Process) PID() int {
	if p == nil {
		return 0
	}
	return p.pid
}

// Stdout returns the read end of the child's stdout.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Stderr returns the read end of the child's stderr.
func (p *Process) Stderr() io.ReadCloser {
	return p.stderr
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports whether the process is still alive without blocking.
func (p *Process) Poll() Status {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return Status{Alive: false, ExitCode: p.exitCode}
	default:
		return Status{Alive: true}
	}
}

// Wait blocks until exit or timeout. A non-positive timeout waits forever.
func (p *Process) Wait(timeout time.Duration) (int, bool) {
	if timeout <= 0 {
		<-p.done
		return p.Poll().ExitCode, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.Poll().ExitCode, true
	case <-timer.C:
		return 0, false
	}
}

// Kill interrupts the process group, or terminates it unconditionally when force is set.
// It is idempotent and a no-op on a nil or exited process.
func (p *Process) Kill(force bool) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if !p.Poll().Alive {
		return nil
	}
	p.mu.Lock()
	if force {
		p.killed = true
	}
	p.mu.Unlock()

	if err := signalGroup(p.cmd.Process, force); err != nil {
		return fmt.Errorf("signal runner pid %d (force=%t): %w", p.pid, force, err)
	}
	p.logger.With("pid", p.pid, "force", force).Debug("runner signalled")
	return nil
}

// KillPID signals a related process, such as the PID the agent reported when a wrapper
// script sits between the launcher and the interpreter.
func (p *Process) KillPID(pid int, force bool) error {
	if pid <= 0 || (p != nil && pid == p.pid) {
		return nil
	}
	return signalPID(pid, force)
}

// ForceKilled reports whether Kill(true) was issued.
func (p *Process) ForceKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// WaitErr returns a reaping error that was not a plain non-zero exit.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		if file != nil {
			_ = file.Close()
		}
	}
}
