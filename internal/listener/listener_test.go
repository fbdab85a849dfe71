package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pickle "github.com/kisielk/og-rek"

	"github.com/ridekit/testexec/internal/testrun"
)

func TestDecoderReadsJSONFrames(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	mustWrite(t, &stream, "pid", 4242)
	mustWrite(t, &stream, "start_test", "Passing", map[string]any{"longname": "Small Test.Test.Passing", "tags": []string{"smoke"}})
	mustWrite(t, &stream, "close")

	dec := NewDecoder(&stream)

	name, args, err := dec.Next()
	if err != nil || name != "pid" {
		t.Fatalf("Next() = %q, %v, want pid", name, err)
	}
	if got := newEvent(KindPID, args); mustInt(t, got) != 4242 {
		t.Fatalf("pid = %v, want 4242", args)
	}

	name, args, err = dec.Next()
	if err != nil || name != "start_test" {
		t.Fatalf("Next() = %q, %v, want start_test", name, err)
	}
	event := newEvent(KindStartTest, args)
	if event.Name != "Passing" || event.LongName() != "Small Test.Test.Passing" {
		t.Fatalf("event = %+v", event)
	}

	if name, _, err = dec.Next(); err != nil || name != "close" {
		t.Fatalf("Next() = %q, %v, want close", name, err)
	}
	if _, _, err = dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() at boundary error = %v, want EOF", err)
	}
}

func TestDecoderReadsPickleFrames(t *testing.T) {
	t.Parallel()

	var payload bytes.Buffer
	record := pickle.Tuple{"end_test", pickle.Tuple{"Failing", map[any]any{"status": "FAIL", "message": "this fails", "elapsedtime": 12}}}
	if err := pickle.NewEncoder(&payload).Encode(record); err != nil {
		t.Fatalf("encode pickle: %v", err)
	}
	frame := append([]byte("P"+strconv.Itoa(payload.Len())+"|"), payload.Bytes()...)

	name, args, err := NewDecoder(bytes.NewReader(frame)).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if name != "end_test" {
		t.Fatalf("name = %q, want end_test", name)
	}
	event := newEvent(KindEndTest, args)
	if event.Name != "Failing" || event.Status() != "FAIL" || event.Message() != "this fails" {
		t.Fatalf("event = %+v", event)
	}
	if event.Attrs["elapsedtime"] != int64(12) {
		t.Fatalf("elapsedtime = %#v, want int64(12)", event.Attrs["elapsedtime"])
	}
}

func TestDecoderRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "unknown type", input: `X2|[]`},
		{name: "missing length", input: `J|[]`},
		{name: "non digit length", input: `J1a|[]`},
		{name: "header cut short", input: `J12`},
		{name: "truncated payload", input: `J40|["start_test", ["X", {}]]`},
		{name: "oversized length", input: `J99999999999|`},
		{name: "invalid json", input: `J5|{{{{{`},
		{name: "not a pair", input: `J9|"nothing"`},
		{name: "non string name", input: `J7|[1, []]`},
		{name: "args not a list", input: `J11|["pid", 12]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := NewDecoder(strings.NewReader(tt.input)).Next()
			if !errors.Is(err, testrun.ErrProtocol) {
				t.Fatalf("Next(%q) error = %v, want protocol error", tt.input, err)
			}
		})
	}
}

func TestEventHelpers(t *testing.T) {
	t.Parallel()

	suite := newEvent(KindStartSuite, []any{"Small Test", map[string]any{"longname": "Small Test", "control_port": int64(5012)}})
	if port, ok := suite.ControlPort(); !ok || port != 5012 {
		t.Fatalf("ControlPort() = %d, %t, want 5012", port, ok)
	}
	port := newEvent(KindPort, []any{"6001"})
	if got, ok := port.ControlPort(); !ok || got != 6001 {
		t.Fatalf("port ControlPort() = %d, %t", got, ok)
	}
	if _, ok := newEvent(KindStartTest, []any{"T", map[string]any{"control_port": 1}}).ControlPort(); ok {
		t.Fatal("start_test should not carry a control port")
	}
	end := newEvent(KindEndTest, []any{"T", map[string]any{"status": " pass "}})
	if end.Status() != "PASS" {
		t.Fatalf("Status() = %q, want PASS", end.Status())
	}
	if got := end.String(); got != "end_test(T)" {
		t.Fatalf("String() = %q", got)
	}
	if !KindReportFile.IsArtifact() || KindStartTest.IsArtifact() {
		t.Fatal("IsArtifact() misclassified")
	}
	if _, ok := ParseKind("teleport"); ok {
		t.Fatal("ParseKind accepted an unknown name")
	}
}

func TestServerDispatchesEventsInOrder(t *testing.T) {
	t.Parallel()

	srv, port := bindServer(t)
	rec := &recorder{}
	served := serveAsync(srv, rec)

	conn := dial(t, port)
	mustWrite(t, conn, "pid", 101)
	mustWrite(t, conn, "start_suite", "Small Test", map[string]any{"longname": "Small Test"})
	mustWrite(t, conn, "telemetry_ping", 1)
	mustWrite(t, conn, "start_test", "Passing", map[string]any{})
	mustWrite(t, conn, "end_test", "Passing", map[string]any{"status": "PASS"})
	mustWrite(t, conn, "end_suite", "Small Test", map[string]any{"status": "PASS"})
	mustWrite(t, conn, "close")
	_ = conn.Close()

	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	want := []Kind{KindPID, KindStartSuite, KindStartTest, KindEndTest, KindEndSuite, KindClose}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if last := rec.last(); last.Synthetic {
		t.Fatal("agent close reported as synthetic")
	}
}

func TestServerTreatsBrokenConnectionAsClose(t *testing.T) {
	t.Parallel()

	srv, port := bindServer(t)
	rec := &recorder{}
	served := serveAsync(srv, rec)

	conn := dial(t, port)
	mustWrite(t, conn, "start_test", "X", map[string]any{})
	_ = conn.Close()

	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve() error = %v, want nil for clean EOF", err)
	}
	last := rec.last()
	if last.Kind != KindClose || !last.Synthetic || last.Err != nil {
		t.Fatalf("last event = %+v, want plain synthetic close", last)
	}
	if srv.Err() != nil {
		t.Fatalf("Err() = %v, want nil", srv.Err())
	}
}

func TestServerRecordsTruncatedFrame(t *testing.T) {
	t.Parallel()

	srv, port := bindServer(t)
	rec := &recorder{}
	served := serveAsync(srv, rec)

	conn := dial(t, port)
	mustWrite(t, conn, "start_test", "X", map[string]any{})
	if _, err := conn.Write([]byte(`J64|["end_test", ["X"`)); err != nil {
		t.Fatalf("write partial frame: %v", err)
	}
	_ = conn.Close()

	err := waitServe(t, served)
	if !errors.Is(err, testrun.ErrProtocol) {
		t.Fatalf("Serve() error = %v, want protocol error", err)
	}
	if !errors.Is(srv.Err(), testrun.ErrProtocol) {
		t.Fatalf("Err() = %v, want protocol error", srv.Err())
	}
	want := []Kind{KindStartTest, KindClose}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if last := rec.last(); !last.Synthetic || !errors.Is(last.Err, testrun.ErrProtocol) {
		t.Fatalf("close = %+v, want synthetic close carrying protocol error", last)
	}
}

func TestServerAcceptsOnlyOneConnection(t *testing.T) {
	t.Parallel()

	srv, port := bindServer(t)
	rec := &recorder{}
	served := serveAsync(srv, rec)

	first := dial(t, port)
	mustWrite(t, first, "pid", 1)
	waitFor(t, func() bool { return len(rec.kinds()) == 1 })

	if second, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second); err == nil {
		_ = second.Close()
		t.Fatal("second connection was accepted")
	}

	mustWrite(t, first, "close")
	_ = first.Close()
	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestServerShutdownBeforeConnect(t *testing.T) {
	t.Parallel()

	srv, _ := bindServer(t)
	rec := &recorder{}
	served := serveAsync(srv, rec)

	srv.Shutdown()
	srv.Shutdown()
	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	last := rec.last()
	if last.Kind != KindClose || !last.Synthetic || last.Err != nil {
		t.Fatalf("last event = %+v, want synthetic close", last)
	}
}

func TestServerAcceptDeadline(t *testing.T) {
	t.Parallel()

	srv, _ := bindServer(t)
	if err := srv.SetAcceptDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("SetAcceptDeadline() error = %v", err)
	}
	rec := &recorder{}
	if err := waitServe(t, serveAsync(srv, rec)); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if last := rec.last(); last.Err == nil {
		t.Fatalf("close = %+v, want accept error", last)
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv, port := bindServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, rec.handle) }()

	conn := dial(t, port)
	defer func() { _ = conn.Close() }()
	mustWrite(t, conn, "pid", 7)
	waitFor(t, func() bool { return len(rec.kinds()) == 1 })

	cancel()
	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if last := rec.last(); last.Kind != KindClose {
		t.Fatalf("last event = %+v, want close", last)
	}
}

func TestServeBeforeBind(t *testing.T) {
	t.Parallel()

	if err := NewServer().Serve(context.Background(), nil); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Serve() error = %v, want ErrNotBound", err)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Kind)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func bindServer(t *testing.T) (*Server, int) {
	t.Helper()
	srv := NewServer()
	port, err := srv.Bind()
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if port <= 0 || srv.Port() != port {
		t.Fatalf("Bind() port = %d, Port() = %d", port, srv.Port())
	}
	t.Cleanup(srv.Shutdown)
	return srv, port
}

func serveAsync(srv *Server, rec *recorder) chan error {
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), rec.handle) }()
	return served
}

func waitServe(t *testing.T, served chan error) error {
	t.Helper()
	select {
	case err := <-served:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return")
		return nil
	}
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	return conn
}

func mustWrite(t *testing.T, w interface{ Write([]byte) (int, error) }, name string, args ...any) {
	t.Helper()
	if err := WriteFrame(w, name, args...); err != nil {
		t.Fatalf("WriteFrame(%s) error = %v", name, err)
	}
}

func mustInt(t *testing.T, event Event) int {
	t.Helper()
	n, ok := event.Int()
	if !ok {
		t.Fatalf("Int() not ok for %+v", event)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func equalKinds(got, want []Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
