package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/observability"
)

const (
	defaultSubscriberBuffer = 1024
	drainDeadline           = 5 * time.Second

	// Three consecutive handler failures open a per-subscriber circuit that
	// silently drops events before half-opening.
	subscriberFailureLimit = 3
	subscriberCooldown     = 30 * time.Second
)

// Handler processes one delivered event. A non-nil error counts toward the
// subscriber's failure circuit.
type Handler func(Event) error

// Subscription identifies one (type, subscriber) registration.
type Subscription struct {
	Name  string
	Types []EventType

	sub *subscriber
}

// Bus fans published events out to named subscribers. Each subscriber owns a
// bounded FIFO queue drained by a dedicated goroutine, so delivery order per
// subscriber equals publication order while slow subscribers never block
// publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscriber // keyed by subscriber name
	closed bool
	buffer int
	log    zerolog.Logger

	wg sync.WaitGroup
}

type subscriber struct {
	name    string
	types   map[EventType]struct{}
	handler Handler
	queue   chan Event
	done    chan struct{}

	// failure circuit, guarded by mu
	mu           sync.Mutex
	consecutive  int
	openedAt     time.Time
	circuitOpen  bool
	droppedTotal int
}

// New creates a Bus with the default per-subscriber buffer.
func New(log zerolog.Logger) *Bus {
	return NewWithBuffer(log, defaultSubscriberBuffer)
}

// NewWithBuffer creates a Bus with a custom per-subscriber queue size.
func NewWithBuffer(log zerolog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		buffer: buffer,
		log:    log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers handler under name for the given event types.
// Idempotent per (name): re-subscribing an existing name replaces its type
// filter and returns the same underlying queue, so no duplicate deliveries
// occur.
func (b *Bus) Subscribe(name string, types []EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.subs[name]; ok {
		existing.mu.Lock()
		existing.types = typeSet(types)
		existing.handler = handler
		existing.mu.Unlock()
		return &Subscription{Name: name, Types: types, sub: existing}
	}

	s := &subscriber{
		name:    name,
		types:   typeSet(types),
		handler: handler,
		queue:   make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[name] = s

	b.wg.Add(1)
	go b.deliverLoop(s)

	return &Subscription{Name: name, Types: types, sub: s}
}

// Unsubscribe removes the subscription and drains its in-flight events up to
// the drain deadline.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.sub == nil {
		return
	}
	b.mu.Lock()
	s, ok := b.subs[sub.Name]
	if ok && s == sub.sub {
		delete(b.subs, sub.Name)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Publish enqueues ev for every matching subscriber and returns. Delivery is
// asynchronous. On a full subscriber queue the oldest unprocessed event is
// dropped and a DeliveryDropped event is published for observability; the
// subscriber is not disconnected.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.enqueue(s, ev)
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// PublishType is a convenience wrapper that marshals payload and publishes.
func (b *Bus) PublishType(t EventType, source, correlationID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.log.Error().Err(err).Str("event_type", string(t)).Msg("event payload marshal failed")
			return
		}
		raw = data
	}
	b.Publish(Event{
		Type:          t,
		Source:        source,
		CorrelationID: correlationID,
		Payload:       raw,
	})
}

func (b *Bus) enqueue(s *subscriber, ev Event) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		// Queue full: drop the oldest unprocessed event to make room.
		select {
		case dropped := <-s.queue:
			s.mu.Lock()
			s.droppedTotal++
			s.mu.Unlock()
			observability.EventsDropped.WithLabelValues(s.name).Inc()
			if dropped.Type != DeliveryDropped {
				b.PublishType(DeliveryDropped, "bus", dropped.CorrelationID, map[string]string{
					"subscriber": s.name,
					"event_type": string(dropped.Type),
					"event_id":   dropped.ID,
				})
			}
		default:
		}
	}
}

func (b *Bus) deliverLoop(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			b.drain(s)
			return
		case ev := <-s.queue:
			b.deliver(s, ev)
		}
	}
}

// drain delivers remaining queued events up to the drain deadline, then
// discards the rest.
func (b *Bus) drain(s *subscriber) {
	deadline := time.After(drainDeadline)
	for {
		select {
		case ev := <-s.queue:
			b.deliver(s, ev)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	s.mu.Lock()
	if s.circuitOpen {
		if time.Since(s.openedAt) < subscriberCooldown {
			s.mu.Unlock()
			observability.EventsDropped.WithLabelValues(s.name).Inc()
			return
		}
		// Half-open: let this delivery through as the probe.
		s.circuitOpen = false
		s.consecutive = subscriberFailureLimit - 1
	}
	handler := s.handler
	s.mu.Unlock()

	err := safeHandle(handler, ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.consecutive++
		b.log.Warn().
			Err(err).
			Str("subscriber", s.name).
			Str("event_type", string(ev.Type)).
			Str("correlation_id", ev.CorrelationID).
			Msg("subscriber handler failed")
		observability.SubscriberFailures.WithLabelValues(s.name).Inc()
		if s.consecutive >= subscriberFailureLimit {
			s.circuitOpen = true
			s.openedAt = time.Now()
			b.log.Warn().Str("subscriber", s.name).Msg("subscriber circuit opened")
		}
		return
	}
	s.consecutive = 0
}

// safeHandle converts a handler panic into an error so one bad subscriber
// cannot take down the dispatch goroutine.
func safeHandle(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return h(ev)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "handler panic" }

// Close shuts the bus down; subscriber queues are drained up to the drain
// deadline each.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscriber) matches(t EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func typeSet(types []EventType) map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}
