// Package supervisor launches one test runner at a time and exposes its live state to a host.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ridekit/testexec/internal/command"
	"github.com/ridekit/testexec/internal/control"
	"github.com/ridekit/testexec/internal/events"
	"github.com/ridekit/testexec/internal/listener"
	"github.com/ridekit/testexec/internal/metrics"
	"github.com/ridekit/testexec/internal/output"
	"github.com/ridekit/testexec/internal/results"
	"github.com/ridekit/testexec/internal/state"
	"github.com/ridekit/testexec/internal/telemetry"
	"github.com/ridekit/testexec/internal/telemetry/invariants"
	"github.com/ridekit/testexec/internal/testrun"
)

// Supervisor is the host adapter. Host callbacks run on bus goroutines, in
// publish order per subscription.
type Supervisor struct {
	opts    Options
	logger  *log.Logger
	bus     *events.InMemoryBus
	machine *state.RunMachine

	mu     sync.Mutex
	run    *runHandle
	output *output.Buffer
	last   *Result
	closed bool
}

// New creates an idle supervisor.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		bus:    events.New(events.WithLossless(), events.WithLogger(opts.Logger)),
		output: &output.Buffer{},
	}
	s.machine = state.NewRunMachine(state.WithObserver(func(tr state.Transition) {
		s.bus.Publish(events.Event{
			Type:     events.EventTypeStateTransition,
			RunID:    tr.RunID,
			Payload:  tr,
			Severity: events.SeverityInfo,
		})
	}))
	return s
}

// validationPort stands in for the listener port when a selection is checked
// before any resource is taken.
const validationPort = 1

// Start launches a run. Only configuration and spawn failures are returned; once
// the runner is up every later failure is reported through the run's events.
// A configuration error leaves the lifecycle untouched.
func (s *Supervisor) Start(ctx context.Context, cfg testrun.RunConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.run != nil {
		if _, done := s.run.finished(); !done {
			return ErrRunActive
		}
	}
	if current := s.machine.Current(); !current.CanStart() {
		return fmt.Errorf("%w: state is %s", ErrRunActive, current)
	}
	cfg = cfg.Clone()
	if _, err := s.opts.Composer.Compose(command.Request{Config: cfg, ListenerPort: validationPort}); err != nil {
		return err
	}
	if s.machine.Current() == state.Done {
		if err := s.machine.Transition(ctx, state.Idle, "previous run reaped"); err != nil {
			return testrun.Wrap(testrun.KindInternal, "start", err)
		}
	}

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	s.machine.SetRunID(runID)
	if err := s.machine.Transition(ctx, state.Spawning, "start requested"); err != nil {
		return testrun.Wrap(testrun.KindInternal, "start", err)
	}

	s.output = &output.Buffer{}
	h, err := s.launch(ctx, runID, logger, cfg)
	if err != nil {
		s.spawnFailed(ctx, runID, logger, err)
		return err
	}
	s.run = h
	s.last = nil
	return nil
}

// launch acquires every resource of a run. On error it releases what it took.
func (s *Supervisor) launch(ctx context.Context, runID string, logger *log.Logger, cfg testrun.RunConfig) (h *runHandle, err error) {
	server := listener.NewServer(listener.WithLogger(logger))
	var argFile, capture *os.File
	defer func() {
		if err == nil {
			return
		}
		server.Shutdown()
		if argFile != nil {
			_ = argFile.Close()
			_ = removeWithRetry(argFile.Name(), s.opts.RemoveAttempts, s.opts.RemoveInterval)
		}
		if capture != nil {
			_ = capture.Close()
			_ = removeWithRetry(capture.Name(), s.opts.RemoveAttempts, s.opts.RemoveInterval)
		}
	}()

	port, err := server.Bind()
	if err != nil {
		return nil, testrun.Wrap(testrun.KindSpawn, "bind listener", err)
	}

	req := command.Request{Config: cfg, ListenerPort: port}
	if s.opts.UseArgumentFile {
		argFile, err = createTempFile(s.opts.TempDir, argFilePattern)
		if err != nil {
			return nil, testrun.Wrap(testrun.KindSpawn, "argument file", err)
		}
		req.ArgFilePath = argFile.Name()
	}
	cmd, err := s.opts.Composer.Compose(req)
	if err != nil {
		return nil, err
	}
	if argFile != nil {
		if err := writeArgFile(argFile, cmd.ArgFile); err != nil {
			return nil, testrun.Wrap(testrun.KindSpawn, "argument file", err)
		}
	}

	var pumpOpts []output.PumpOption
	pumpOpts = append(pumpOpts, output.WithLogger(logger))
	if s.opts.CaptureOutput {
		capture, err = createTempFile(s.opts.TempDir, captureFilePattern)
		if err != nil {
			return nil, testrun.Wrap(testrun.KindSpawn, "capture file", err)
		}
		pumpOpts = append(pumpOpts, output.WithTee(capture))
	}

	runCtx, span := telemetry.StartRun(context.WithoutCancel(ctx), telemetry.RunRequest{
		RunID:       runID,
		Source:      cfg.Source,
		Tests:       len(cfg.Tests),
		CommandLine: cmd.String(),
	})
	logger.With("command", cmd.String()).Info("launching runner")

	proc, err := s.opts.Launcher.Spawn(runCtx, cmd.Argv, workDir(cfg))
	if err != nil {
		err = testrun.Wrap(testrun.KindSpawn, "spawn runner", err)
		span.RecordError("spawn", err.Error())
		span.End(ExitCodeSpawnFailed, err)
		return nil, err
	}

	h = &runHandle{
		id:        runID,
		ctx:       runCtx,
		opts:      s.opts,
		logger:    logger,
		machine:   s.machine,
		bus:       s.bus,
		metrics:   s.opts.Metrics,
		span:      span,
		proc:      proc,
		pump:      output.NewPump(s.output, pumpOpts...),
		server:    server,
		control:   control.NewClient(logger, s.opts.ControlTimeout),
		model:     results.NewModel(logger),
		capture:   capture,
		startedAt: time.Now(),
		mailbox:   make(chan listener.Event),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if argFile != nil {
		h.argFile = argFile.Name()
	}
	h.model.Seed(cfg.Tests)
	h.model.Subscribe(func(change results.Change) {
		h.publish(events.EventTypeStatusChange, StatusChange{
			RunID:   runID,
			ID:      change.ID,
			Status:  change.Status,
			Message: change.Message,
		}, events.SeverityInfo)
		if change.Status.Terminal() {
			h.metrics.TestFinished(change.Status.String())
			h.span.RecordTest(change.ID.String(), change.Status.String(), change.Message)
		}
	})

	h.pump.Start(proc.Stdout(), proc.Stderr())
	if err := server.SetAcceptDeadline(time.Now().Add(s.opts.ConnectTimeout)); err != nil {
		logger.With("error", err).Warn("cannot bound agent connect wait")
	}
	go func() {
		if err := server.Serve(context.WithoutCancel(runCtx), h.deliver); err != nil {
			logger.With("error", err).Debug("listener ended with error")
		}
	}()
	go h.run()

	s.opts.Metrics.RunStarted()
	return h, nil
}

func (s *Supervisor) spawnFailed(ctx context.Context, runID string, logger *log.Logger, err error) {
	logger.With("error", err).Error("run failed to start")
	if _, terr := s.machine.TransitionFrom(ctx, []state.State{state.Spawning}, state.Done, "spawn failed"); terr != nil {
		logger.With("error", terr).Error("cannot mark failed run done")
	}
	s.opts.Metrics.RunFinished(metrics.OutcomeSpawnFailed, 0, false)
	now := time.Now()
	result := Result{
		RunID:      runID,
		ExitCode:   ExitCodeSpawnFailed,
		StartedAt:  now,
		FinishedAt: now,
		FinalState: s.machine.Current(),
	}
	s.run = nil
	s.last = &result
	s.bus.Publish(events.Event{
		Type:     events.EventTypeSystemAlert,
		RunID:    runID,
		Payload:  err,
		Severity: events.SeverityError,
	})
	s.bus.Publish(events.Event{
		Type:     events.EventTypeRunFinished,
		RunID:    runID,
		Payload:  result,
		Severity: events.SeverityInfo,
	})
}

func workDir(cfg testrun.RunConfig) string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}
	if info, err := os.Stat(cfg.Source); err == nil && info.IsDir() {
		return cfg.Source
	}
	return filepath.Dir(cfg.Source)
}

// Stop ends the active run and blocks until it is done. It is idempotent and
// returns nil when nothing is running.
func (s *Supervisor) Stop() error {
	h := s.current()
	if h == nil {
		return nil
	}
	h.requestStop()
	<-h.done
	return nil
}

// Wait blocks until the latest run is done or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) (Result, error) {
	s.mu.Lock()
	h, last := s.run, s.last
	s.mu.Unlock()
	if h == nil {
		if last != nil {
			return *last, nil
		}
		return Result{}, ErrNoRun
	}
	select {
	case <-h.done:
		result, _ := h.finished()
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pause asks the agent to pause at the next keyword.
func (s *Supervisor) Pause() error {
	return s.sendControl(control.Pause, []state.State{state.Running}, state.Paused)
}

// Resume lets a paused runner continue.
func (s *Supervisor) Resume() error {
	return s.sendControl(control.Resume, []state.State{state.Paused}, state.Running)
}

// StepNext advances a paused runner by one keyword.
func (s *Supervisor) StepNext() error {
	return s.sendControl(control.StepNext, []state.State{state.Paused}, state.Running)
}

// StepOver advances a paused runner past the current keyword.
func (s *Supervisor) StepOver() error {
	return s.sendControl(control.StepOver, []state.State{state.Paused}, state.Running)
}

// SetPauseOnFailure toggles the agent's pause-on-failure flag.
func (s *Supervisor) SetPauseOnFailure(enabled bool) error {
	cmd := control.DoNotPauseOnFailure
	if enabled {
		cmd = control.PauseOnFailure
	}
	return s.sendControl(cmd, []state.State{state.Running, state.Paused}, "")
}

// sendControl sends cmd when the run is in one of from, moving it to to when set.
// Commands are refused until the agent has announced its control port; after
// that an unreachable agent is not an error.
func (s *Supervisor) sendControl(cmd control.Command, from []state.State, to state.State) error {
	h := s.current()
	if h == nil {
		return ErrNoRun
	}
	current := s.machine.Current()
	if !invariants.CheckControlWhileActive(h.ctx, "supervisor.sendControl", string(current), string(cmd), current.CanSendControl()) {
		return ErrNotControllable
	}
	if h.control.Port() == 0 {
		return fmt.Errorf("%w: %s before the agent announced its control port", ErrNotControllable, cmd)
	}
	if to != "" {
		applied, err := s.machine.TransitionFrom(h.ctx, from, to, string(cmd)+" requested")
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: %s in state %s", ErrNotControllable, cmd, s.machine.Current())
		}
	} else if !containsState(from, current) {
		return fmt.Errorf("%w: %s in state %s", ErrNotControllable, cmd, current)
	}
	if !h.send(cmd) {
		h.logger.With("command", cmd).Debug("agent unreachable; command dropped")
	}
	return nil
}

// Output returns everything the runner has written so far, including supervisor notices.
func (s *Supervisor) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Bytes()
}

// IsRunning reports whether a run is between start and done.
func (s *Supervisor) IsRunning() bool {
	return s.machine.Current().Active()
}

// State returns the lifecycle state.
func (s *Supervisor) State() state.State {
	return s.machine.Current()
}

// History returns the transitions applied so far.
func (s *Supervisor) History() []state.Transition {
	return s.machine.History()
}

// Results returns per-test results of the latest run.
func (s *Supervisor) Results() []results.Result {
	s.mu.Lock()
	h, last := s.run, s.last
	s.mu.Unlock()
	if h != nil {
		return h.model.Snapshot()
	}
	if last != nil {
		return last.Tests
	}
	return nil
}

// Artifacts returns the files the latest run reported, the newest path per kind.
func (s *Supervisor) Artifacts() []Artifact {
	h := s.current()
	if h == nil {
		return nil
	}
	return h.Artifacts()
}

// Subscribe registers a callback for test status changes.
func (s *Supervisor) Subscribe(fn func(StatusChange)) {
	if fn == nil {
		return
	}
	s.bus.Subscribe(events.EventTypeStatusChange, func(event events.Event) {
		if change, ok := event.Payload.(StatusChange); ok {
			fn(change)
		}
	})
}

// SubscribeRawOutput registers a callback for output chunks. Concatenated, the
// chunks equal Output().
func (s *Supervisor) SubscribeRawOutput(fn func([]byte)) {
	if fn == nil {
		return
	}
	s.bus.Subscribe(events.EventTypeRawOutput, func(event events.Event) {
		if chunk, ok := event.Payload.([]byte); ok {
			fn(chunk)
		}
	})
}

// SubscribeEvents registers a callback for every decoded listener event.
func (s *Supervisor) SubscribeEvents(fn func(listener.Event)) {
	if fn == nil {
		return
	}
	s.bus.Subscribe(events.EventTypeListenerEvent, func(event events.Event) {
		if ev, ok := event.Payload.(listener.Event); ok {
			fn(ev)
		}
	})
}

// SubscribeState registers a callback for lifecycle transitions.
func (s *Supervisor) SubscribeState(fn func(state.Transition)) {
	if fn == nil {
		return
	}
	s.bus.Subscribe(events.EventTypeStateTransition, func(event events.Event) {
		if tr, ok := event.Payload.(state.Transition); ok {
			fn(tr)
		}
	})
}

// SubscribeAll registers a raw handler for every supervisor event.
func (s *Supervisor) SubscribeAll(handler events.Handler) {
	s.bus.SubscribeAll(handler)
}

// Close stops any active run and flushes pending callbacks. Later calls are no-ops.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	s.bus.Close()
	return err
}

func (s *Supervisor) current() *runHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func containsState(states []state.State, target state.State) bool {
	for _, candidate := range states {
		if candidate == target {
			return true
		}
	}
	return false
}
