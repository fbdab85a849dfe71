package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|passwd|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// RunRequest defines telemetry metadata for one supervised run.
type RunRequest struct {
	RunID       string
	Source      string
	Tests       int
	CommandLine string
}

// Run tracks one test.run span lifecycle.
type Run struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	counts map[string]int
	ended  bool
}

type runContextKey struct{}

// StartRun starts a test.run span and returns a context carrying the tracker.
func StartRun(ctx context.Context, req RunRequest) (context.Context, *Run) {
	if ctx == nil {
		ctx = context.Background()
	}

	tests := req.Tests
	if tests < 0 {
		tests = 0
	}
	attrs := []attribute.KeyValue{
		attribute.String("run_id", normalizeOrUnknown(req.RunID)),
		attribute.String("source", normalizeOrUnknown(req.Source)),
		attribute.Int("tests_selected", tests),
	}
	if commandLine := redactSecrets(req.CommandLine); commandLine != "" {
		attrs = append(attrs, attribute.String("command_line", commandLine))
	}

	spanCtx, span := otel.Tracer("testexec/telemetry/run").Start(
		ctx,
		"test.run",
		trace.WithAttributes(attrs...),
	)

	run := &Run{
		span:      span,
		startedAt: time.Now(),
		counts:    make(map[string]int),
	}
	return context.WithValue(spanCtx, runContextKey{}, run), run
}

// RunFromContext returns the run tracker if one exists on the context.
func RunFromContext(ctx context.Context) *Run {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(runContextKey{}).(*Run)
	if !ok {
		return nil
	}
	return run
}

// RecordTest adds a test.finished event for one terminal test status.
func (r *Run) RecordTest(testID string, status string, message string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	status = strings.ToUpper(normalizeOrUnknown(status))
	r.counts[status]++

	attrs := []attribute.KeyValue{
		attribute.String("test_id", normalizeOrUnknown(testID)),
		attribute.String("status", status),
	}
	if message = redactSecrets(message); message != "" {
		attrs = append(attrs, attribute.String("message", message))
	}
	r.span.AddEvent("test.finished", trace.WithAttributes(attrs...))
}

// RecordError adds a redacted run.error event and marks the span as failed.
func (r *Run) RecordError(errorType string, errorMessage string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.span.AddEvent(
		"run.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
		),
	)
	r.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the test.run span with the exit code, duration and status tallies.
func (r *Run) End(exitCode int, err error) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	counts := make(map[string]int, len(r.counts))
	for status, count := range r.counts {
		counts[status] = count
	}
	r.mu.Unlock()

	durationMS := time.Since(r.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	r.span.SetAttributes(
		attribute.Int("exit_code", exitCode),
		attribute.Int64("duration_ms", durationMS),
		attribute.Int("tests_passed", counts["PASSED"]),
		attribute.Int("tests_failed", counts["FAILED"]),
		attribute.Int("tests_skipped", counts["SKIPPED"]),
	)

	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else if counts["FAILED"] > 0 || exitCode != 0 {
		r.span.SetStatus(codes.Error, "run finished with failures")
	} else {
		r.span.SetStatus(codes.Ok, "run completed")
	}
	r.span.End()
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
