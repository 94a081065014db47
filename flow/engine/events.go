package engine

import (
	"sync"
	"time"

	"github.com/quiverai/ragcore/common/logger"
)

// EventKind names a flow lifecycle event.
type EventKind string

const (
	EventFlowStart EventKind = "flow_start"
	EventFlowEnd   EventKind = "flow_end"
	EventFlowError EventKind = "flow_error"
	EventNodeStart EventKind = "node_start"
	EventNodeEnd   EventKind = "node_end"
	EventNodeError EventKind = "node_error"
)

// Event is one flow lifecycle notification. Events of a given execution
// are observed in causal order by any single consumer.
type Event struct {
	Kind        EventKind              `json:"kind"`
	NodeID      string                 `json:"node_id,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Err         string                 `json:"error,omitempty"`
}

// EventBus fans flow events out to in-process consumers. The producer
// never blocks: each subscription owns an unbounded queue drained by its
// own goroutine, so a slow consumer bears its own backpressure.
type EventBus struct {
	mu   sync.Mutex
	subs []*Subscription
	log  *logger.Logger
}

// NewEventBus creates an event bus. The logger, when set, records every
// event as a synchronous consumer.
func NewEventBus(log *logger.Logger) *EventBus {
	return &EventBus{log: log}
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	stopped bool
	done    chan struct{}
	out     chan Event
}

// Subscribe registers a new consumer. Events published after this call
// are delivered on Events() in publish order.
func (b *EventBus) Subscribe() *Subscription {
	s := &Subscription{out: make(chan Event), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Publish delivers an event to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if b.log != nil {
		b.log.Info("flow event",
			"kind", string(ev.Kind),
			"execution_id", ev.ExecutionID,
			"node_id", ev.NodeID,
			"error", ev.Err)
	}

	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Close ends all subscriptions. Events already queued are still
// delivered to consumers that keep reading.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Events returns the channel the consumer reads from. The channel closes
// once the subscription is closed and its queue is drained.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close cancels the subscription immediately. Closing a consumer never
// cancels the engine; events still queued may be dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.cond.Signal()
	s.mu.Unlock()
}

// finish stops intake but keeps delivering what is already queued; the
// channel closes once the consumer has read the remaining events.
func (s *Subscription) finish() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
