package supervisor

import (
	"errors"
	"time"

	"github.com/ridekit/testexec/internal/listener"
	"github.com/ridekit/testexec/internal/results"
	"github.com/ridekit/testexec/internal/state"
	"github.com/ridekit/testexec/internal/testrun"
)

// Exit code sentinels reported instead of the runner's own code.
const (
	ExitCodeSpawnFailed = -1
	ExitCodeStopped     = -2
)

var (
	// ErrRunActive rejects Start while a run has not reached done.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoRun is returned by control operations when nothing has been started.
	ErrNoRun = errors.New("no run has been started")
	// ErrNotControllable is returned when the run state does not accept the command.
	ErrNotControllable = errors.New("run does not accept this command in its current state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor is closed")
)

// StatusChange is one published test status transition.
type StatusChange struct {
	RunID   string
	ID      testrun.TestID
	Status  testrun.TestStatus
	Message string
}

// Artifact is a file the runner reported writing.
type Artifact struct {
	Kind listener.Kind
	Path string
}

// Result summarises a finished run.
type Result struct {
	RunID    string
	ExitCode int
	// Stopped is set when the supervisor ended the runner.
	Stopped bool
	// Escalated is set when the stop needed a forced kill.
	Escalated bool
	// ProtocolErr is the listener failure that ended the event stream, if any.
	ProtocolErr error
	Tests       []results.Result
	Artifacts   []Artifact
	StartedAt   time.Time
	FinishedAt  time.Time
	FinalState  state.State
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Counts tallies Tests by status.
func (r Result) Counts() map[testrun.TestStatus]int {
	counts := make(map[testrun.TestStatus]int)
	for _, test := range r.Tests {
		counts[test.Status]++
	}
	return counts
}
