package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ridekit/testexec/internal/supervisor"
)

// runController is the slice of the supervisor the key consumer drives.
type runController interface {
	Pause() error
	Resume() error
	StepNext() error
	StepOver() error
	SetPauseOnFailure(enabled bool) error
	Stop() error
}

const keyHelp = "keys: p pause, r resume, n step next, o step over, f toggle pause-on-failure, q stop, ? help"

// startKeyConsumer reads one command per line from input and drives ctl until
// ctx ends, input closes, or the user stops the run.
func startKeyConsumer(
	ctx context.Context,
	ctl runController,
	input io.Reader,
	output io.Writer,
	pauseOnFailure bool,
) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if ctl == nil || input == nil || output == nil {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		out, ok := output.(*lockedWriter)
		if !ok {
			out = &lockedWriter{w: output}
		}
		lines := readLines(ctx, input)
		out.printf("%s\n", keyHelp)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				stop, err := dispatchKey(ctl, strings.TrimSpace(line), &pauseOnFailure, out)
				if err != nil {
					out.printf("%s\n", describeControlError(err))
				}
				if stop {
					return
				}
			}
		}
	}()
	return done
}

// readLines stops handing out lines once ctx ends. A read already blocked on
// input still waits for that line or EOF.
func readLines(ctx context.Context, input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func dispatchKey(ctl runController, key string, pauseOnFailure *bool, out *lockedWriter) (bool, error) {
	switch strings.ToLower(key) {
	case "":
		return false, nil
	case "p", "pause":
		return false, ctl.Pause()
	case "r", "resume":
		return false, ctl.Resume()
	case "n", "next":
		return false, ctl.StepNext()
	case "o", "over":
		return false, ctl.StepOver()
	case "f", "failure":
		next := !*pauseOnFailure
		if err := ctl.SetPauseOnFailure(next); err != nil {
			return false, err
		}
		*pauseOnFailure = next
		out.printf("pause on failure: %t\n", next)
		return false, nil
	case "q", "quit", "stop":
		out.printf("stopping run...\n")
		return true, ctl.Stop()
	case "?", "h", "help":
		out.printf("%s\n", keyHelp)
		return false, nil
	default:
		out.printf("unknown key %q; %s\n", key, keyHelp)
		return false, nil
	}
}

func describeControlError(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrNotControllable):
		return "not available in the current run state"
	case errors.Is(err, supervisor.ErrNoRun):
		return "no run is active"
	default:
		return fmt.Sprintf("control failed: %v", err)
	}
}

// lockedWriter serialises writes from the key consumer and run callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(l, format, args...)
}
