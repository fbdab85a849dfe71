package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridekit/testexec/internal/supervisor"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	pauseErr error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Pause() error {
	f.record("pause")
	return f.pauseErr
}

func (f *fakeController) Resume() error {
	f.record("resume")
	return nil
}

func (f *fakeController) StepNext() error {
	f.record("step_next")
	return nil
}

func (f *fakeController) StepOver() error {
	f.record("step_over")
	return nil
}

func (f *fakeController) SetPauseOnFailure(enabled bool) error {
	f.record(fmt.Sprintf("pause_on_failure=%t", enabled))
	return nil
}

func (f *fakeController) Stop() error {
	f.record("stop")
	return nil
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("key consumer did not exit")
	}
}

func TestKeyConsumerDispatchesCommands(t *testing.T) {
	ctl := &fakeController{}
	var out bytes.Buffer

	done := startKeyConsumer(context.Background(), ctl, strings.NewReader("p\n\nn\no\nR\nf\nf\nq\np\n"), &out, false)
	waitDone(t, done)

	assert.Equal(t, []string{
		"pause",
		"step_next",
		"step_over",
		"resume",
		"pause_on_failure=true",
		"pause_on_failure=false",
		"stop",
	}, ctl.recorded())
	assert.Contains(t, out.String(), "pause on failure: true")
	assert.Contains(t, out.String(), "stopping run")
}

func TestKeyConsumerReportsControlErrors(t *testing.T) {
	ctl := &fakeController{pauseErr: fmt.Errorf("pause: %w", supervisor.ErrNotControllable)}
	var out bytes.Buffer

	done := startKeyConsumer(context.Background(), ctl, strings.NewReader("p\nwhat\n"), &out, false)
	waitDone(t, done)

	assert.Contains(t, out.String(), "not available in the current run state")
	assert.Contains(t, out.String(), `unknown key "what"`)
}

func TestKeyConsumerStopsOnContextCancel(t *testing.T) {
	ctl := &fakeController{}
	reader, writer := io.Pipe()
	t.Cleanup(func() { _ = writer.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := startKeyConsumer(ctx, ctl, reader, io.Discard, false)
	cancel()
	waitDone(t, done)
	require.Empty(t, ctl.recorded())
}

func TestReadLinesEndsWhenContextIsCancelled(t *testing.T) {
	const total = 1000
	input := strings.Repeat("p\n", total)

	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, strings.NewReader(input))
	select {
	case line := <-lines:
		require.Equal(t, "p", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no line read")
	}
	cancel()

	received := 1
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				assert.Less(t, received, total)
				return
			}
			received++
		case <-deadline:
			t.Fatal("line reader kept running after cancel")
		}
	}
}

func TestDescribeControlError(t *testing.T) {
	assert.Equal(t, "no run is active", describeControlError(supervisor.ErrNoRun))
	assert.Equal(t, "control failed: boom", describeControlError(fmt.Errorf("boom")))
}
