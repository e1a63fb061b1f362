// Package events provides the in-process publish/subscribe bus that
// carries every state change of the consensus engine. Delivery is
// at-least-once within the process and ordered per topic per
// subscriber; handlers must be idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Topic names published by the engine.
const (
	TopicTxCreated         = "transaction.created"
	TopicTxSenderConfirmed = "transaction.sender_confirmed"
	TopicTxValidated       = "transaction.validated"
	TopicTxTimeout         = "transaction.timeout"
	TopicTxCancelled       = "transaction.cancelled"
	TopicTxFrozen          = "transaction.frozen"
	TopicTxResumed         = "transaction.resumed"

	TopicDisputeOpened        = "dispute.opened"
	TopicDisputeEvidenceAdded = "dispute.evidence_added"
	TopicDisputeResolved      = "dispute.resolved"
	TopicDisputeEscalated     = "dispute.escalated"

	TopicCompensationCreated   = "compensation.created"
	TopicCompensationCompleted = "compensation.completed"

	TopicTrustUpdated = "trust.updated"

	TopicStopTriggered = "stop.triggered"
	TopicStopResumed   = "stop.resumed"
)

// Event is the envelope published on the bus.
type Event struct {
	ID      string                 `json:"id"`
	Topic   string                 `json:"topic"`
	Subject string                 `json:"subject,omitempty"` // usually the entity id
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an envelope with a generated id.
func NewEvent(topic, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Topic:   topic,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Handler consumes one event. Handlers run on the subscriber's own
// worker goroutine, in publish order.
type Handler func(*Event)

// subscriber owns a FIFO queue drained by a dedicated worker so a slow
// handler never blocks publishers.
type subscriber struct {
	name    string
	topics  map[string]bool // empty = all topics
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Event
	cap     int // <= 0 means unbounded
	dropped uint64
	closed  bool
}

func (s *subscriber) push(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.cap > 0 && len(s.queue) >= s.cap {
		// Overflow policy: drop the oldest undelivered event.
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
}

func (s *subscriber) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(e)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Bus is the in-process topic-keyed event bus.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscriber
	defaultCap int
	closed     bool
	wg         sync.WaitGroup
	logger     *log.Logger
}

// NewBus creates a bus. defaultCap bounds each subscriber queue before
// the drop-oldest policy applies; zero means 10000.
func NewBus(defaultCap int) *Bus {
	if defaultCap <= 0 {
		defaultCap = 10000
	}
	return &Bus{
		defaultCap: defaultCap,
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers handler for the given topics (none = all) behind
// a bounded queue.
func (b *Bus) Subscribe(name string, handler Handler, topics ...string) {
	b.add(name, handler, b.defaultCap, topics)
}

// SubscribeUnbounded registers a loss-intolerant subscriber: its queue
// grows without dropping. Publishers still never block.
func (b *Bus) SubscribeUnbounded(name string, handler Handler, topics ...string) {
	b.add(name, handler, 0, topics)
}

func (b *Bus) add(name string, handler Handler, queueCap int, topics []string) {
	s := &subscriber{
		name:    name,
		topics:  make(map[string]bool, len(topics)),
		handler: handler,
		cap:     queueCap,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go s.run(&b.wg)
}

// Publish enqueues the event for every matching subscriber and returns
// immediately.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if len(s.topics) == 0 || s.topics[e.Topic] {
			s.push(e)
		}
	}
}

// Emit builds an envelope and publishes it.
func (b *Bus) Emit(topic, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(topic, subject, data))
}

// Dropped returns the total number of events discarded by the overflow
// policy across all subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total uint64
	for _, s := range b.subs {
		s.mu.Lock()
		total += s.dropped
		s.mu.Unlock()
	}
	return total
}

// Close stops all subscriber workers after their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
}
