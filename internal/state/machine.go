// Package state holds the run lifecycle state machine.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ridekit/testexec/internal/telemetry/invariants"
)

// State is one lifecycle state of a run.
type State string

const (
	Idle     State = "idle"
	Spawning State = "spawning"
	Running  State = "running"
	Paused   State = "paused"
	Stopping State = "stopping"
	Done     State = "done"
)

var allowedTransitions = map[State]map[State]struct{}{
	Idle: {
		Spawning: {},
	},
	Spawning: {
		Running:  {},
		Stopping: {},
		Done:     {},
	},
	Running: {
		Paused:   {},
		Stopping: {},
		Done:     {},
	},
	Paused: {
		Running:  {},
		Stopping: {},
		Done:     {},
	},
	Stopping: {
		Done: {},
	},
	Done: {
		Idle: {},
	},
}

// CanSendControl reports whether control commands may reach the agent in s.
func (s State) CanSendControl() bool {
	return s == Running || s == Paused || s == Stopping
}

// CanStart reports whether a new run may begin from s.
func (s State) CanStart() bool {
	return s == Idle || s == Done
}

// Active reports whether a run is in flight.
func (s State) Active() bool {
	return s != Idle && s != Done
}

// Option configures RunMachine construction.
type Option func(*RunMachine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *RunMachine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers a callback invoked after each applied transition.
// Observers see transitions in history order and must not transition the machine.
func WithObserver(observer func(Transition)) Option {
	return func(machine *RunMachine) {
		if observer == nil {
			return
		}
		machine.observers = append(machine.observers, observer)
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *RunMachine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// Transition records one applied state change.
type Transition struct {
	RunID     string
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	RunID  string
	From   State
	To     State
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for run lifecycle"
	}
	return fmt.Sprintf("cannot transition run %q from %q to %q: %s", e.RunID, e.From, e.To, reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// RunMachine serializes lifecycle transitions for one supervisor.
// Transitions are short and never block on I/O.
type RunMachine struct {
	tracer    trace.Tracer
	now       func() time.Time
	observers []func(Transition)

	// dispatchMu orders observer calls; it is taken before mu.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	runID   string
	current State
	history []Transition
}

// NewRunMachine builds a machine in the idle state.
func NewRunMachine(options ...Option) *RunMachine {
	machine := &RunMachine{
		tracer:  otel.Tracer("testexec/state"),
		now:     time.Now,
		current: Idle,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the current state.
func (m *RunMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetRunID labels subsequent transitions.
func (m *RunMachine) SetRunID(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = strings.TrimSpace(runID)
}

// Transition moves to toState if the lifecycle allows it from the current state.
func (m *RunMachine) Transition(ctx context.Context, toState State, reason string) error {
	_, err := m.transition(ctx, nil, toState, reason)
	return err
}

// TransitionFrom moves to toState only when the current state is one of from.
// It returns false without error when the current state does not match.
func (m *RunMachine) TransitionFrom(ctx context.Context, from []State, toState State, reason string) (bool, error) {
	return m.transition(ctx, from, toState, reason)
}

func (m *RunMachine) transition(ctx context.Context, from []State, toState State, reason string) (bool, error) {
	if m == nil {
		return false, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	fromState := m.current
	runID := m.runID
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if len(from) > 0 && !containsState(from, fromState) {
		m.mu.Unlock()
		span.SetStatus(codes.Unset, "state precondition not met")
		return false, nil
	}

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(ctx, "state.run_machine.transition", string(fromState), string(toState), false)
		err := &IllegalTransitionError{
			RunID:  runID,
			From:   fromState,
			To:     toState,
			Reason: "illegal transition for run lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	record := Transition{
		RunID:     runID,
		From:      fromState,
		To:        toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	observers := m.observers
	m.mu.Unlock()

	span.SetStatus(codes.Ok, "state transition applied")
	for _, observer := range observers {
		observer(record)
	}
	return true, nil
}

// History returns transition records captured by this machine.
func (m *RunMachine) History() []Transition {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

func containsState(states []State, target State) bool {
	for _, candidate := range states {
		if candidate == target {
			return true
		}
	}
	return false
}
