//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr places the child in its own process group so the group can be signalled.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func platformEnv() []string {
	return nil
}

func signalFor(force bool) unix.Signal {
	if force {
		return unix.SIGKILL
	}
	return unix.SIGINT
}

// signalGroup signals the whole group, falling back to the leader alone.
func signalGroup(proc *os.Process, force bool) error {
	sig := signalFor(force)
	err := unix.Kill(-proc.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if leaderErr := unix.Kill(proc.Pid, sig); leaderErr != nil && !errors.Is(leaderErr, unix.ESRCH) {
		return errors.Join(err, leaderErr)
	}
	return nil
}

func signalPID(pid int, force bool) error {
	err := unix.Kill(pid, signalFor(force))
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitCode(state *os.ProcessState) int {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
