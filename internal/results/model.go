// Package results derives per-test status from the listener event stream.
package results

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ridekit/testexec/internal/listener"
	"github.com/ridekit/testexec/internal/telemetry/invariants"
	"github.com/ridekit/testexec/internal/testrun"
)

// Change is one published status transition.
type Change struct {
	ID      testrun.TestID
	Status  testrun.TestStatus
	Message string
}

// Observer is invoked synchronously on the dispatching goroutine.
type Observer func(Change)

// Result is the recorded outcome of one test.
type Result struct {
	ID        testrun.TestID
	Status    testrun.TestStatus
	Message   string
	StartTime string
	EndTime   string
}

// Model tracks test status for one run.
type Model struct {
	logger *log.Logger

	mu        sync.Mutex
	tests     map[testrun.TestID]*Result
	order     []testrun.TestID
	suites    []string
	observers []Observer
}

// NewModel creates an empty model.
func NewModel(logger *log.Logger) *Model {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Model{
		logger: logger,
		tests:  make(map[testrun.TestID]*Result),
	}
}

// Subscribe registers an observer for status changes.
func (m *Model) Subscribe(observer Observer) {
	if observer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, observer)
}

// Seed registers the selected tests as NOT_RUN so they appear in snapshots.
func (m *Model) Seed(ids []testrun.TestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.lookupLocked(id)
	}
}

// Apply folds one listener event into the model.
func (m *Model) Apply(ctx context.Context, event listener.Event) {
	var changes []Change
	m.mu.Lock()
	switch event.Kind {
	case listener.KindStartSuite:
		m.suites = append(m.suites, m.suiteLongName(event))
	case listener.KindEndSuite:
		if len(m.suites) > 0 {
			m.suites = m.suites[:len(m.suites)-1]
		}
	case listener.KindStartTest:
		if change, ok := m.startTestLocked(ctx, event); ok {
			changes = append(changes, change)
		}
	case listener.KindEndTest:
		if change, ok := m.endTestLocked(ctx, event); ok {
			changes = append(changes, change)
		}
	}
	observers := m.observers
	m.mu.Unlock()

	publish(observers, changes)
}

func (m *Model) suiteLongName(event listener.Event) string {
	if longName := strings.TrimSpace(event.LongName()); longName != "" {
		return longName
	}
	name := strings.TrimSpace(event.Name)
	parent := m.currentSuiteLocked()
	if parent == "" || name == parent || strings.HasPrefix(name, parent+".") {
		return name
	}
	return parent + "." + name
}

func (m *Model) testID(event listener.Event) testrun.TestID {
	name := event.Name
	suite := m.currentSuiteLocked()
	if suite == "" {
		if longName := event.LongName(); strings.HasSuffix(longName, "."+name) {
			suite = strings.TrimSuffix(longName, "."+name)
		}
	}
	return testrun.TestID{Suite: suite, Name: name}
}

func (m *Model) startTestLocked(ctx context.Context, event listener.Event) (Change, bool) {
	id := m.testID(event)
	current := m.lookupLocked(id)
	if !invariants.CheckTestStatusOrdered(ctx, "results.model.start_test", id.String(),
		current.Status.String(), testrun.StatusRunning.String(), current.Status == testrun.StatusNotRun) {
		m.logger.With("test", id.String(), "status", current.Status.String()).Warn("ignoring repeated start_test")
		return Change{}, false
	}
	current.Status = testrun.StatusRunning
	current.StartTime = event.Attr(listener.AttrStartTime)
	return Change{ID: current.ID, Status: testrun.StatusRunning}, true
}

func (m *Model) endTestLocked(ctx context.Context, event listener.Event) (Change, bool) {
	id := m.testID(event)
	current := m.lookupLocked(id)
	status := statusFromWire(event.Status())
	if !invariants.CheckTestStatusOrdered(ctx, "results.model.end_test", id.String(),
		current.Status.String(), status.String(), current.Status == testrun.StatusRunning) {
		m.logger.With("test", id.String(), "status", current.Status.String()).Warn("ignoring end_test without a running test")
		return Change{}, false
	}
	if status == testrun.StatusFailed && event.Status() != "FAIL" {
		m.logger.With("test", id.String(), "status", event.Status()).Warn("unknown test status treated as failure")
	}
	current.Status = status
	current.Message = event.Message()
	current.EndTime = event.Attr(listener.AttrEndTime)
	return Change{ID: current.ID, Status: status, Message: current.Message}, true
}

func statusFromWire(value string) testrun.TestStatus {
	switch value {
	case "PASS":
		return testrun.StatusPassed
	case "SKIP":
		return testrun.StatusSkipped
	default:
		return testrun.StatusFailed
	}
}

// FailRunning converts every RUNNING test to FAILED with message.
func (m *Model) FailRunning(message string) []Change {
	var changes []Change
	m.mu.Lock()
	for _, key := range m.order {
		current := m.tests[key]
		if current.Status != testrun.StatusRunning {
			continue
		}
		current.Status = testrun.StatusFailed
		current.Message = message
		changes = append(changes, Change{ID: current.ID, Status: testrun.StatusFailed, Message: message})
	}
	observers := m.observers
	m.mu.Unlock()

	publish(observers, changes)
	return changes
}

// Status returns the status of id, matching case-insensitively.
func (m *Model) Status(id testrun.TestID) testrun.TestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tests[id.Key()]
	if !ok {
		return testrun.StatusNotRun
	}
	return current.Status
}

// Result returns the recorded result for id.
func (m *Model) Result(id testrun.TestID) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tests[id.Key()]
	if !ok {
		return Result{}, false
	}
	return *current, true
}

// CurrentSuite returns the dotted longname of the innermost open suite.
func (m *Model) CurrentSuite() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSuiteLocked()
}

// Snapshot returns results in first-seen order.
func (m *Model) Snapshot() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, *m.tests[key])
	}
	return out
}

// Counts tallies results by status.
func (m *Model) Counts() map[testrun.TestStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[testrun.TestStatus]int)
	for _, current := range m.tests {
		counts[current.Status]++
	}
	return counts
}

func (m *Model) lookupLocked(id testrun.TestID) *Result {
	key := id.Key()
	current, ok := m.tests[key]
	if !ok {
		current = &Result{ID: id, Status: testrun.StatusNotRun}
		m.tests[key] = current
		m.order = append(m.order, key)
	}
	return current
}

func (m *Model) currentSuiteLocked() string {
	if len(m.suites) == 0 {
		return ""
	}
	return m.suites[len(m.suites)-1]
}

func publish(observers []Observer, changes []Change) {
	for _, change := range changes {
		for _, observer := range observers {
			observer(change)
		}
	}
}
