// Package invariants reports supervisor invariant violations as span events.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires run lifecycle transitions to follow the state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantTestStatusOrdered requires RUNNING once, then at most one terminal status.
	InvariantTestStatusOrdered = "test_status_ordered"
	// InvariantControlWhileActive forbids control commands while spawning or done.
	InvariantControlWhileActive = "control_while_active"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span.
// Without an active span a short synthetic span carries the event.
func InvariantViolation(ctx context.Context, invariantName string, severity string, details ViolationDetails) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", normalizeSeverity(severity)),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("testexec/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(ctx context.Context, whereDetected, fromState, toState string, legal bool) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "run state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition from=%s to=%s", fromState, toState),
		Additional: map[string]string{
			"from_state": strings.TrimSpace(fromState),
			"to_state":   strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckTestStatusOrdered validates the test_status_ordered invariant.
func CheckTestStatusOrdered(ctx context.Context, whereDetected, testID, fromStatus, toStatus string, ordered bool) bool {
	if ordered {
		return true
	}
	InvariantViolation(ctx, InvariantTestStatusOrdered, SeverityWarn, ViolationDetails{
		WhatInvariant: "test reaches RUNNING once and a terminal status at most once afterwards",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("ignored %s -> %s for %s", fromStatus, toStatus, testID),
		Additional: map[string]string{
			"test_id":     strings.TrimSpace(testID),
			"from_status": strings.TrimSpace(fromStatus),
			"to_status":   strings.TrimSpace(toStatus),
		},
	})
	return false
}

// CheckControlWhileActive validates the control_while_active invariant.
func CheckControlWhileActive(ctx context.Context, whereDetected, state, command string, allowed bool) bool {
	if allowed {
		return true
	}
	InvariantViolation(ctx, InvariantControlWhileActive, SeverityWarn, ViolationDetails{
		WhatInvariant: "control commands are only sent while the agent is connected",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("command %s refused in state %s", command, state),
		Additional: map[string]string{
			"state":   strings.TrimSpace(state),
			"command": strings.TrimSpace(command),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	default:
		return SeverityError
	}
}
