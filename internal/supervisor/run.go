package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ridekit/testexec/internal/control"
	"github.com/ridekit/testexec/internal/events"
	"github.com/ridekit/testexec/internal/listener"
	"github.com/ridekit/testexec/internal/metrics"
	"github.com/ridekit/testexec/internal/output"
	"github.com/ridekit/testexec/internal/process"
	"github.com/ridekit/testexec/internal/results"
	"github.com/ridekit/testexec/internal/state"
	"github.com/ridekit/testexec/internal/telemetry"
	"github.com/ridekit/testexec/internal/testrun"
)

const noticePrefix = "[testexec]"

// runHandle owns every resource of one in-flight run. Fields below the loop
// marker are touched only by the run goroutine.
type runHandle struct {
	id        string
	ctx       context.Context
	opts      Options
	logger    *log.Logger
	machine   *state.RunMachine
	bus       events.Bus
	metrics   *metrics.Metrics
	span      *telemetry.Run
	proc      *process.Process
	pump      *output.Pump
	server    *listener.Server
	control   *control.Client
	model     *results.Model
	argFile   string
	capture   *os.File
	startedAt time.Time

	mailbox  chan listener.Event
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	artifacts []Artifact
	result    Result

	// loop state
	connected     bool
	exited        bool
	closeSeen     bool
	stopRequested bool
	signalled     bool
	escalated     bool
	agentPID      int
	protoErr      error
	grace         <-chan time.Time
	abandon       <-chan time.Time
	linger        <-chan time.Time
}

// requestStop asks the loop to stop the runner. It is idempotent.
func (h *runHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// deliver is the listener handler. It runs on the server goroutine.
func (h *runHandle) deliver(event listener.Event) {
	h.mailbox <- event
}

func (h *runHandle) run() {
	defer close(h.done)
	defer func() {
		if recovered := recover(); recovered != nil {
			h.recoverInternal(recovered)
		}
	}()
	h.loop()
	h.finish("runner exited and listener closed")
}

func (h *runHandle) loop() {
	ticker := time.NewTicker(h.opts.OutputPollInterval)
	defer ticker.Stop()

	exited := h.proc.Done()
	mailbox := (<-chan listener.Event)(h.mailbox)
	stop := (<-chan struct{})(h.stopCh)

	for !h.exited || !h.closeSeen {
		select {
		case event := <-mailbox:
			h.handleEvent(event)
			if event.Kind == listener.KindClose {
				mailbox = nil
			}
		case <-exited:
			exited = nil
			h.onExit()
		case <-stop:
			stop = nil
			h.beginStop("stop requested")
		case <-h.grace:
			h.grace = nil
			h.escalate()
		case <-h.abandon:
			h.abandon = nil
			h.logger.Error("runner survived a forced kill; abandoning it")
			h.exited = true
			h.server.Shutdown()
		case <-h.linger:
			h.linger = nil
			h.logger.Warn("agent connection outlived the runner; closing listener")
			h.server.Shutdown()
		case <-ticker.C:
			h.drainOutput()
		}
	}
}

func (h *runHandle) handleEvent(event listener.Event) {
	if event.Kind != listener.KindClose && !h.connected {
		h.connected = true
		h.transitionFrom([]state.State{state.Spawning}, state.Running, "agent connected")
	}

	switch event.Kind {
	case listener.KindPID:
		if pid, ok := event.Int(); ok {
			h.agentPID = pid
		}
	case listener.KindPort, listener.KindStartSuite:
		if port, ok := event.ControlPort(); ok {
			h.control.SetPort(port)
			h.logger.With("port", port).Debug("agent control port known")
		}
	case listener.KindPaused:
		h.transitionFrom([]state.State{state.Running}, state.Paused, "agent paused")
	case listener.KindContinue:
		h.transitionFrom([]state.State{state.Paused}, state.Running, "agent continued")
	case listener.KindClose:
		h.closeSeen = true
		h.onClose(event)
	default:
		if event.Kind.IsArtifact() && event.Name != "" {
			h.addArtifact(Artifact{Kind: event.Kind, Path: event.Name})
		}
	}

	h.model.Apply(h.ctx, event)
	h.publish(events.EventTypeListenerEvent, event, events.SeverityInfo)
}

func (h *runHandle) onClose(event listener.Event) {
	if event.Err == nil {
		return
	}
	if errors.Is(event.Err, testrun.ErrProtocol) {
		h.protoErr = event.Err
		h.metrics.ProtocolError()
		h.span.RecordError("protocol", event.Err.Error())
		h.alert(event.Err, fmt.Sprintf("%s ERROR: listener protocol error: %v", noticePrefix, event.Err))
		h.beginStop("listener protocol error")
		return
	}
	if !h.connected && !h.exited {
		err := testrun.Wrap(testrun.KindSpawn, "connect", event.Err)
		h.span.RecordError("connect_timeout", err.Error())
		h.alert(err, fmt.Sprintf("%s ERROR: runner did not connect within %s; killing it", noticePrefix, h.opts.ConnectTimeout))
		h.stopRequested = true
		h.transitionFrom([]state.State{state.Spawning}, state.Stopping, "connect timeout")
		h.kill(true)
		h.abandon = time.After(h.opts.ForcedExitWait)
	}
}

func (h *runHandle) onExit() {
	h.exited = true
	h.drainOutput()
	status := h.proc.Poll()
	h.logger.With("exit_code", status.ExitCode).Debug("runner reaped")
	h.grace, h.abandon = nil, nil
	if h.closeSeen {
		return
	}
	if h.stopRequested || !h.connected {
		h.server.Shutdown()
		return
	}
	h.linger = time.After(h.opts.ForcedExitWait)
}

// beginStop starts the stop sequence: control kill and interrupt first, forced
// kill once the grace period lapses. Stop during spawning kills at once.
func (h *runHandle) beginStop(reason string) {
	if h.stopRequested {
		return
	}
	h.stopRequested = true
	if h.exited {
		h.server.Shutdown()
		return
	}

	if h.transitionFrom([]state.State{state.Spawning}, state.Stopping, reason) {
		h.kill(true)
		h.server.Shutdown()
		h.abandon = time.After(h.opts.ForcedExitWait)
		return
	}
	if !h.transitionFrom([]state.State{state.Running, state.Paused}, state.Stopping, reason) {
		return
	}
	h.send(control.Kill)
	h.kill(false)
	h.grace = time.After(h.opts.StopGracePeriod)
}

func (h *runHandle) escalate() {
	if h.exited {
		return
	}
	h.escalated = true
	h.metrics.StopEscalated()
	err := testrun.Errorf(testrun.KindStopEscalation, "stop",
		"runner did not exit within %s; forced kill", h.opts.StopGracePeriod)
	h.span.RecordError("stop_escalation", err.Error())
	h.alert(err, fmt.Sprintf("%s WARN: runner did not exit within %s of stop; forcing kill", noticePrefix, h.opts.StopGracePeriod))
	h.kill(true)
	h.abandon = time.After(h.opts.ForcedExitWait)
}

func (h *runHandle) kill(force bool) {
	if h.proc.Poll().Alive {
		h.signalled = true
	}
	if err := h.proc.Kill(force); err != nil {
		h.logger.With("error", err, "force", force).Warn("signal runner failed")
	}
	if err := h.proc.KillPID(h.agentPID, force); err != nil {
		h.logger.With("error", err, "pid", h.agentPID, "force", force).Debug("signal agent process failed")
	}
}

func (h *runHandle) send(cmd control.Command) bool {
	delivered := h.control.Send(cmd)
	h.metrics.ControlCommand(string(cmd), delivered)
	return delivered
}

func (h *runHandle) alert(err error, notice string) {
	h.logger.With("error", err).Warn("run alert")
	h.pump.Notice(notice)
	h.publish(events.EventTypeSystemAlert, err, events.SeverityWarn)
}

func (h *runHandle) drainOutput() {
	chunk := h.pump.Drain()
	if len(chunk) == 0 {
		return
	}
	h.metrics.OutputBytes(len(chunk))
	h.publish(events.EventTypeRawOutput, chunk, events.SeverityInfo)
}

func (h *runHandle) finish(reason string) {
	h.pump.StopAfter(h.opts.DrainWindow)
	h.drainOutput()
	h.model.FailRunning(h.unfinishedMessage())

	h.server.Shutdown()
	<-h.server.Done()
	h.releaseFiles()

	status := h.proc.Poll()
	exitCode := status.ExitCode
	stopped := h.stopRequested && h.signalled
	if stopped {
		exitCode = ExitCodeStopped
	}
	if err := h.proc.WaitErr(); err != nil {
		h.logger.With("error", err).Warn("runner wait failed")
	}

	if err := h.machine.Transition(h.ctx, state.Done, reason); err != nil {
		h.logger.With("error", err).Error("cannot mark run done")
	}

	result := Result{
		RunID:       h.id,
		ExitCode:    exitCode,
		Stopped:     stopped,
		Escalated:   h.escalated,
		ProtocolErr: h.protoErr,
		Tests:       h.model.Snapshot(),
		Artifacts:   h.Artifacts(),
		StartedAt:   h.startedAt,
		FinishedAt:  time.Now(),
		FinalState:  h.machine.Current(),
	}
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()

	h.metrics.RunFinished(outcome(result), result.Duration(), true)
	h.span.End(exitCode, h.protoErr)
	h.logger.With("exit_code", exitCode, "stopped", stopped, "escalated", h.escalated).Info("run done")
	h.publish(events.EventTypeRunFinished, result, events.SeverityInfo)
}

// recoverInternal forces a run whose goroutine panicked through stopping to done.
func (h *runHandle) recoverInternal(recovered any) {
	err := testrun.Errorf(testrun.KindInternal, "run", "panic: %v", recovered)
	h.logger.With("error", err, "stack", string(debug.Stack())).Error("run goroutine panicked")
	defer func() {
		if again := recover(); again != nil {
			h.logger.With("panic", again).Error("run teardown panicked")
		}
	}()

	h.transitionFrom([]state.State{state.Spawning, state.Running, state.Paused}, state.Stopping, "internal error")
	h.stopRequested = true
	h.kill(true)
	h.server.Shutdown()
	if !h.closeSeen {
		go func() {
			for {
				select {
				case <-h.mailbox:
				case <-h.server.Done():
					return
				}
			}
		}()
	}
	if _, ok := h.proc.Wait(h.opts.ForcedExitWait); !ok {
		h.logger.Error("runner survived a forced kill; abandoning it")
	}
	h.span.RecordError("internal", err.Error())
	h.pump.Notice(fmt.Sprintf("%s ERROR: %v", noticePrefix, err))
	h.finish("internal error")
}

func (h *runHandle) unfinishedMessage() string {
	switch {
	case h.protoErr != nil:
		return fmt.Sprintf("Test execution ended by listener protocol error: %v", h.protoErr)
	case h.stopRequested:
		return "Test execution stopped before the test finished."
	default:
		return "Test runner exited before the test finished."
	}
}

func (h *runHandle) releaseFiles() {
	if h.capture != nil {
		if err := h.capture.Close(); err != nil {
			h.logger.With("error", err).Debug("close capture file")
		}
	}
	paths := []string{h.argFile}
	if h.capture != nil {
		paths = append(paths, h.capture.Name())
	}
	for _, path := range paths {
		if err := removeWithRetry(path, h.opts.RemoveAttempts, h.opts.RemoveInterval); err != nil {
			h.logger.With("error", err).Warn("temporary file left behind")
		}
	}
}

func (h *runHandle) transitionFrom(from []state.State, to state.State, reason string) bool {
	applied, err := h.machine.TransitionFrom(h.ctx, from, to, reason)
	if err != nil {
		h.logger.With("error", err).Error("state transition rejected")
	}
	return applied
}

func (h *runHandle) publish(eventType string, payload any, severity string) {
	h.bus.Publish(events.Event{
		Type:     eventType,
		RunID:    h.id,
		Payload:  payload,
		Severity: severity,
	})
}

func (h *runHandle) addArtifact(artifact Artifact) {
	h.mu.Lock()
	h.artifacts = append(h.artifacts, artifact)
	h.mu.Unlock()
	h.publish(events.EventTypeArtifact, artifact, events.SeverityInfo)
}

// Artifacts returns the latest reported path per artifact kind, in first-seen order.
func (h *runHandle) Artifacts() []Artifact {
	h.mu.Lock()
	defer h.mu.Unlock()
	index := make(map[listener.Kind]int)
	var out []Artifact
	for _, artifact := range h.artifacts {
		if i, ok := index[artifact.Kind]; ok {
			out[i] = artifact
			continue
		}
		index[artifact.Kind] = len(out)
		out = append(out, artifact)
	}
	return out
}

func (h *runHandle) finished() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return Result{}, false
	}
}

func outcome(result Result) string {
	switch {
	case result.Stopped:
		return metrics.OutcomeStopped
	case result.ExitCode == 0 && result.ProtocolErr == nil:
		return metrics.OutcomePassed
	default:
		return metrics.OutcomeFailed
	}
}
