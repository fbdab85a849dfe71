package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartRunAndEndRecordsCoreAttributes(t *testing.T) {
	recorder := installRunSpanRecorder(t)

	ctx, run := StartRun(context.Background(), RunRequest{
		RunID:       "run-1",
		Source:      "/suites/smoke.robot",
		Tests:       3,
		CommandLine: "robot -v PASSWORD:hunter2 --listener agent.py:4242:False smoke.robot",
	})
	if run == nil {
		t.Fatal("expected run tracker")
	}
	if RunFromContext(ctx) != run {
		t.Fatal("expected run tracker in context")
	}
	if RunFromContext(context.Background()) != nil {
		t.Fatal("unexpected run tracker in empty context")
	}

	run.RecordTest("Smoke.Login", "passed", "")
	run.RecordTest("Smoke.Logout", "PASSED", "")
	run.RecordTest("Smoke.Upload", "SKIPPED", "not on this host")
	run.End(0, nil)
	run.RecordTest("Smoke.Late", "FAILED", "after end")

	span := findSpanByName(t, recorder.Ended(), "test.run")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttrByKey(span.Attributes(), "run_id"); got != "run-1" {
		t.Fatalf("run_id = %q, want run-1", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "tests_selected"); got != 3 {
		t.Fatalf("tests_selected = %d, want 3", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "tests_passed"); got != 2 {
		t.Fatalf("tests_passed = %d, want 2", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "tests_skipped"); got != 1 {
		t.Fatalf("tests_skipped = %d, want 1", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "tests_failed"); got != 0 {
		t.Fatalf("tests_failed = %d, want 0", got)
	}
	commandLine := getStringAttrByKey(span.Attributes(), "command_line")
	if strings.Contains(commandLine, "hunter2") || !strings.Contains(commandLine, "<redacted>") {
		t.Fatalf("command_line not redacted: %q", commandLine)
	}

	finished := 0
	for _, event := range span.Events() {
		if event.Name == "test.finished" {
			finished++
		}
	}
	if finished != 3 {
		t.Fatalf("test.finished events = %d, want 3", finished)
	}
}

func TestRunRecordErrorRedactsSecrets(t *testing.T) {
	recorder := installRunSpanRecorder(t)

	_, run := StartRun(context.Background(), RunRequest{RunID: "run-2"})
	run.RecordError("protocol", "frame from agent with token=top-secret was truncated")
	run.End(-2, errors.New("authorization=bearer-private"))
	run.End(0, nil)

	span := findSpanByName(t, recorder.Ended(), "test.run")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Error)
	}
	if got := getIntAttrByKey(span.Attributes(), "exit_code"); got != -2 {
		t.Fatalf("exit_code = %d, want -2", got)
	}

	errorEvent := findEventByName(t, span.Events(), "run.error")
	if got := getStringAttrByKey(errorEvent.Attributes, "error_type"); got != "protocol" {
		t.Fatalf("error_type = %q, want protocol", got)
	}
	message := getStringAttrByKey(errorEvent.Attributes, "error_message")
	if strings.Contains(message, "top-secret") || !strings.Contains(message, "<redacted>") {
		t.Fatalf("error message leaked secret: %q", message)
	}
	if strings.Contains(span.Status().Description, "bearer-private") {
		t.Fatalf("status leaked secret: %q", span.Status().Description)
	}
}

func TestRunEndMarksFailuresAsError(t *testing.T) {
	recorder := installRunSpanRecorder(t)

	_, run := StartRun(context.Background(), RunRequest{})
	run.RecordTest("S.T", "FAILED", "boom")
	run.End(1, nil)

	span := findSpanByName(t, recorder.Ended(), "test.run")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Error)
	}
	if got := getStringAttrByKey(span.Attributes(), "source"); got != "unknown" {
		t.Fatalf("source = %q, want unknown", got)
	}
}

func TestRedactSecretsTruncatesLongMessages(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxErrorMessageBytes*2)
	got := redactSecrets(long)
	if len(got) != maxErrorMessageBytes || !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("redactSecrets(long) length = %d, suffix %q", len(got), got[len(got)-14:])
	}
	if redactSecrets("   ") != "" {
		t.Fatal("blank input must redact to empty")
	}

	var run *Run
	run.RecordTest("a", "b", "c")
	run.RecordError("a", "b")
	run.End(0, nil)
}

func installRunSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return recorder
}

func findSpanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return nil
}

func findEventByName(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, event := range events {
		if event.Name == name {
			return event
		}
	}
	t.Fatalf("event %q not found in %d events", name, len(events))
	return sdktrace.Event{}
}

func getStringAttrByKey(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttrByKey(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}
