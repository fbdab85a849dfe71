// Package events fans supervisor notifications out to host subscribers.
package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber queue limit for lossy buses.
	DefaultBufferSize = 256

	// EventTypeStatusChange carries a results.Change.
	EventTypeStatusChange = "StatusChange"
	// EventTypeRawOutput carries a []byte chunk of runner output.
	EventTypeRawOutput = "RawOutput"
	// EventTypeListenerEvent carries a listener.Event.
	EventTypeListenerEvent = "ListenerEvent"
	// EventTypeStateTransition carries a state.Transition.
	EventTypeStateTransition = "StateTransition"
	// EventTypeArtifact carries an artifact announcement.
	EventTypeArtifact = "Artifact"
	// EventTypeRunFinished carries the final run result.
	EventTypeRunFinished = "RunFinished"
	// EventTypeSystemAlert carries protocol errors and stop escalations.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	RunID     string
	Payload   any
	Severity  string
}

// Handler consumes a published event. Handlers may publish on the same bus
// but must not call Close.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures how many undelivered events a lossy subscriber may hold.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithLossless lets subscriber queues grow without bound instead of dropping events.
// Publish never blocks on a slow subscriber.
func WithLossless() Option {
	return func(bus *InMemoryBus) {
		bus.lossless = true
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by per-subscriber queues.
// Each subscriber receives events in publish order on its own goroutine.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	lossless       bool
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
	consumers      sync.WaitGroup
}

type subscriber struct {
	id     uint64
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.New(io.Discard),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	sub := b.newSubscriberLocked()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	sub := b.newSubscriberLocked()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard, ok := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	if !ok {
		return
	}
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, nil, false
	}

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard, true
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if !b.lossless && len(sub.queue) >= b.bufferSize {
		sub.mu.Unlock()
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s run_id=%s",
			sub.id,
			event.Type,
			event.RunID,
		)
		return
	}
	sub.queue = append(sub.queue, event)
	sub.mu.Unlock()
	sub.signal()
}

// Close stops accepting events and waits until every subscriber has handled
// what was already published. It is idempotent.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, subs := range b.typedSubs {
			for _, sub := range subs {
				sub.close()
			}
		}
		for _, sub := range b.wildcardSubs {
			sub.close()
		}
	}
	b.mu.Unlock()
	b.consumers.Wait()
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextSubscriber++
	b.consumers.Add(1)
	return &subscriber{
		id:   b.nextSubscriber,
		wake: make(chan struct{}, 1),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	defer b.consumers.Done()
	for {
		batch, ok := sub.next()
		if !ok {
			return
		}
		for _, event := range batch {
			handler(event)
		}
	}
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// next blocks until events are queued and hands them over as one batch.
// It reports false once the subscriber is closed and drained.
func (s *subscriber) next() ([]Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			return batch, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		<-s.wake
	}
}
