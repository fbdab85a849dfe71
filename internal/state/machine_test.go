package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionFollowsRunLifecycles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []State
	}{
		{
			name:     "happy path",
			sequence: []State{Spawning, Running, Done, Idle},
		},
		{
			name:     "pause and step",
			sequence: []State{Spawning, Running, Paused, Running, Paused, Running, Done},
		},
		{
			name:     "stop while paused",
			sequence: []State{Spawning, Running, Paused, Stopping, Done},
		},
		{
			name:     "spawn failure",
			sequence: []State{Spawning, Done},
		},
		{
			name:     "stop during spawn",
			sequence: []State{Spawning, Stopping, Done},
		},
		{
			name:     "runner exits while paused",
			sequence: []State{Spawning, Running, Paused, Done},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine := NewRunMachine()
			for _, next := range tt.sequence {
				from := machine.Current()
				if err := machine.Transition(context.Background(), next, "step"); err != nil {
					t.Fatalf("transition %s -> %s: %v", from, next, err)
				}
			}
			if got := machine.Current(); got != tt.sequence[len(tt.sequence)-1] {
				t.Fatalf("current = %s, want %s", got, tt.sequence[len(tt.sequence)-1])
			}
			if got := len(machine.History()); got != len(tt.sequence) {
				t.Fatalf("history length = %d, want %d", got, len(tt.sequence))
			}
		})
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []State
		to    State
	}{
		{name: "pause before running", setup: []State{Spawning}, to: Paused},
		{name: "second start", setup: []State{Spawning, Running}, to: Spawning},
		{name: "resume from stopping", setup: []State{Spawning, Running, Stopping}, to: Running},
		{name: "idle to done", to: Done},
		{name: "done to running", setup: []State{Spawning, Done}, to: Running},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine := NewRunMachine()
			machine.SetRunID("run-42")
			for _, next := range tt.setup {
				if err := machine.Transition(context.Background(), next, "setup"); err != nil {
					t.Fatalf("setup transition to %s: %v", next, err)
				}
			}
			before := machine.Current()

			err := machine.Transition(context.Background(), tt.to, "illegal")
			if err == nil {
				t.Fatal("expected illegal transition error, got nil")
			}
			var illegalErr *IllegalTransitionError
			if !errors.As(err, &illegalErr) {
				t.Fatalf("error = %T, want *IllegalTransitionError", err)
			}
			if !errors.Is(err, &IllegalTransitionError{}) {
				t.Fatalf("errors.Is(%v, IllegalTransitionError{}) = false, want true", err)
			}
			if illegalErr.RunID != "run-42" || illegalErr.From != before || illegalErr.To != tt.to {
				t.Fatalf("illegal transition = %+v", illegalErr)
			}
			if !strings.Contains(err.Error(), "illegal transition for run lifecycle") {
				t.Fatalf("error text missing reason: %v", err)
			}
			if machine.Current() != before {
				t.Fatalf("current = %s after rejected transition, want %s", machine.Current(), before)
			}
		})
	}
}

func TestTransitionFromSkipsWhenPreconditionFails(t *testing.T) {
	t.Parallel()

	machine := NewRunMachine()
	ctx := context.Background()
	for _, next := range []State{Spawning, Running} {
		if err := machine.Transition(ctx, next, "setup"); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	applied, err := machine.TransitionFrom(ctx, []State{Spawning}, Running, "agent connected")
	if err != nil || applied {
		t.Fatalf("TransitionFrom(spawning) = %t, %v, want false, nil", applied, err)
	}
	applied, err = machine.TransitionFrom(ctx, []State{Running, Paused}, Stopping, "stop")
	if err != nil || !applied {
		t.Fatalf("TransitionFrom(running) = %t, %v, want true, nil", applied, err)
	}
	if machine.Current() != Stopping {
		t.Fatalf("current = %s, want stopping", machine.Current())
	}
}

func TestTransitionRecordsTimestampAndReason(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	machine := NewRunMachine(WithClock(func() time.Time { return fixed }))
	machine.SetRunID(" run-1 ")

	if err := machine.Transition(context.Background(), Spawning, " start requested "); err != nil {
		t.Fatalf("transition: %v", err)
	}

	history := machine.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.RunID != "run-1" {
		t.Fatalf("run id = %q, want run-1", record.RunID)
	}
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "start requested" {
		t.Fatalf("reason = %q, want %q", record.Reason, "start requested")
	}
	if record.From != Idle || record.To != Spawning {
		t.Fatalf("record = %s -> %s", record.From, record.To)
	}

	history[0].Reason = "mutated"
	if machine.History()[0].Reason != "start requested" {
		t.Fatal("History() returned shared storage")
	}
}

func TestObserversSeeEveryAppliedTransitionInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []State
	)
	machine := NewRunMachine(WithObserver(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.To)
	}), WithObserver(nil))

	ctx := context.Background()
	_ = machine.Transition(ctx, Spawning, "")
	_ = machine.Transition(ctx, Paused, "illegal")
	_ = machine.Transition(ctx, Running, "")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Spawning || seen[1] != Running {
		t.Fatalf("observed = %v, want [spawning running]", seen)
	}
}

func TestStatePredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    State
		control  bool
		canStart bool
		active   bool
	}{
		{Idle, false, true, false},
		{Spawning, false, false, true},
		{Running, true, false, true},
		{Paused, true, false, true},
		{Stopping, true, false, true},
		{Done, false, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.CanSendControl(); got != tt.control {
			t.Fatalf("%s.CanSendControl() = %t, want %t", tt.state, got, tt.control)
		}
		if got := tt.state.CanStart(); got != tt.canStart {
			t.Fatalf("%s.CanStart() = %t, want %t", tt.state, got, tt.canStart)
		}
		if got := tt.state.Active(); got != tt.active {
			t.Fatalf("%s.Active() = %t, want %t", tt.state, got, tt.active)
		}
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine := NewRunMachine(WithTracer(provider.Tracer("state-test")))
	machine.SetRunID("run-7")
	if err := machine.Transition(context.Background(), Spawning, "start requested"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	if span.Name() != "state.transition" {
		t.Fatalf("span name = %q, want %q", span.Name(), "state.transition")
	}
	if got := attrs["run_id"]; got != "run-7" {
		t.Fatalf("run_id = %q, want run-7", got)
	}
	if got := attrs["from_state"]; got != string(Idle) {
		t.Fatalf("from_state = %q, want %q", got, Idle)
	}
	if got := attrs["to_state"]; got != string(Spawning) {
		t.Fatalf("to_state = %q, want %q", got, Spawning)
	}
	if got := attrs["reason"]; got != "start requested" {
		t.Fatalf("reason = %q, want %q", got, "start requested")
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want ok", span.Status().Code)
	}
}

func TestTransitionRecordsErrorsAndUsesParentContext(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine := NewRunMachine(WithTracer(tracer))

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	err := machine.Transition(parentCtx, Paused, "pause before start")
	parentSpan.End()

	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	transitionSpan := findTransitionSpan(t, spanRecorder.Ended())
	if transitionSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf(
			"transition span parent = %s, want %s",
			transitionSpan.Parent().SpanID(),
			parentSpan.SpanContext().SpanID(),
		)
	}
	if transitionSpan.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", transitionSpan.Status().Code, codes.Error)
	}
	if len(transitionSpan.Events()) == 0 {
		t.Fatal("expected at least one event recorded on error span")
	}
}

func TestConcurrentTransitionsKeepHistoryConsistent(t *testing.T) {
	t.Parallel()

	machine := NewRunMachine()
	ctx := context.Background()
	_ = machine.Transition(ctx, Spawning, "")
	_ = machine.Transition(ctx, Running, "")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = machine.TransitionFrom(ctx, []State{Running, Paused}, Stopping, "stop")
		}()
	}
	wg.Wait()

	stops := 0
	for _, record := range machine.History() {
		if record.To == Stopping {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("stopping transitions = %d, want 1", stops)
	}
}

func TestObserversMatchHistoryUnderConcurrentTransitions(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []Transition
	)
	machine := NewRunMachine(WithObserver(func(tr Transition) {
		// Widen the window between commit and notification.
		time.Sleep(time.Duration(len(tr.Reason)%3) * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	}))
	ctx := context.Background()
	_ = machine.Transition(ctx, Spawning, "")
	_ = machine.Transition(ctx, Running, "")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason := strings.Repeat("x", i)
			if _, err := machine.TransitionFrom(ctx, []State{Running}, Paused, reason); err != nil {
				t.Errorf("pause: %v", err)
			}
			if _, err := machine.TransitionFrom(ctx, []State{Paused}, Running, reason); err != nil {
				t.Errorf("resume: %v", err)
			}
		}()
	}
	wg.Wait()

	history := machine.History()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(history) {
		t.Fatalf("observed %d transitions, history has %d", len(seen), len(history))
	}
	for i := range history {
		if seen[i] != history[i] {
			t.Fatalf("observer order diverges at %d: observed %+v, history %+v", i, seen[i], history[i])
		}
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "state.transition" {
			return span
		}
	}
	t.Fatalf("state.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
