// Package events implements the prioritized, batched event bus that
// carries task progress and lifecycle notifications to subscribers.
//
// Publishing never blocks on a slow subscriber: each subscription owns a
// bounded queue drained by its own goroutine. Overflow drops the oldest
// Normal/Low/Background event; Critical and High events are never
// dropped. Within one source ID, subscribers observe events in emission
// order.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority classifies how urgently an event must reach subscribers.
type Priority int

const (
	// PriorityCritical events bypass batching and are dispatched inline.
	PriorityCritical Priority = iota
	// PriorityHigh events are dispatched immediately but may be queued.
	PriorityHigh
	// PriorityNormal events may be coalesced within the batch window.
	PriorityNormal
	// PriorityLow events may be coalesced and dropped under pressure.
	PriorityLow
	// PriorityBackground events are best-effort.
	PriorityBackground
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// droppable reports whether an event of this priority may be discarded
// when a subscriber queue overflows.
func (p Priority) droppable() bool {
	return p >= PriorityNormal
}

// Type names an event kind.
type Type string

// Event types emitted by the core.
const (
	TypeTaskCreated       Type = "task.created"
	TypeTaskStatusChanged Type = "task.status_changed"
	TypeTaskProgress      Type = "task.progress"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskFailed        Type = "task.failed"
	TypeTriggerFired      Type = "trigger.fired"
)

// coalescible types are idempotent: within a batch window the last event
// for a (type, source) pair wins.
var coalescible = map[Type]bool{
	TypeTaskProgress:      true,
	TypeTaskStatusChanged: true,
}

// Event is one notification traveling through the bus.
type Event struct {
	// ID is a lexicographically sortable unique identifier.
	ID string

	Type     Type
	SourceID string
	Priority Priority

	// Payload carries the event-specific data (snapshots, reasons).
	Payload any

	// Time is the emission time.
	Time time.Time
}

// BatchWindow is the coalescing window for Normal and lower priorities.
const BatchWindow = 16 * time.Millisecond

// DefaultQueueSize bounds per-subscriber queues when the caller passes 0.
const DefaultQueueSize = 256

// Handler consumes delivered events.
type Handler func(Event)

// Subscription is an explicit subscriber handle. Unsubscribe stops
// delivery and releases the queue goroutine.
type Subscription struct {
	bus     *Bus
	id      uint64
	name    string
	types   map[Type]bool
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	maxSize int
	closed  bool

	dropped uint64
}

// Dropped returns how many events were discarded due to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the subscription from the bus and stops its
// delivery goroutine. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// wants reports whether the subscription is interested in the type.
func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// enqueue appends an event, applying the overflow policy.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= s.maxSize {
		// Drop the oldest droppable entry. Critical/High may exceed the
		// bound rather than be lost.
		dropped := false
		for i, queued := range s.queue {
			if queued.Priority.droppable() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				dropped = true
				break
			}
		}
		if !dropped && ev.Priority.droppable() {
			s.dropped++
			return
		}
	}

	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// deliverLoop drains the queue, invoking the handler outside the lock.
func (s *Subscription) deliverLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}

// pendingEvent is a coalescing slot; replacing the event in place keeps
// the original arrival position so per-source ordering is preserved.
type pendingEvent struct {
	ev Event
}

type batchKey struct {
	typ    Type
	source string
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	qSize   int
	closed  bool
	stopCh  chan struct{}
	stopped sync.WaitGroup

	// Coalescing state for Normal and lower priorities.
	pending     map[batchKey]*pendingEvent
	pendingList []*pendingEvent
}

// NewBus creates a started bus. queueSize bounds each subscriber queue;
// 0 selects DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		subs:    make(map[uint64]*Subscription),
		qSize:   queueSize,
		stopCh:  make(chan struct{}),
		pending: make(map[batchKey]*pendingEvent),
	}
	b.stopped.Add(1)
	go b.flushLoop()
	return b
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. The returned handle's Unsubscribe must
// be called to release resources.
func (b *Bus) Subscribe(name string, types []Type, handler Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		name:    name,
		handler: handler,
		maxSize: b.qSize,
		types:   make(map[Type]bool, len(types)),
	}
	sub.cond = sync.NewCond(&sub.mu)
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.deliverLoop()
	return sub
}

// remove detaches a subscription.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish submits an event. Critical and High priorities dispatch
// immediately; lower priorities may be coalesced for up to BatchWindow
// with later events of the same (type, source) pair winning.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if ev.Priority <= PriorityHigh {
		// Earlier coalesced events from the same source must not be
		// overtaken; flush them before the immediate dispatch.
		b.flushSource(ev.SourceID)
		b.dispatch(ev)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	key := batchKey{typ: ev.Type, source: ev.SourceID}
	if slot, ok := b.pending[key]; ok && coalescible[ev.Type] {
		// Last event wins, original position retained.
		slot.ev = ev
		b.mu.Unlock()
		return
	}
	slot := &pendingEvent{ev: ev}
	if coalescible[ev.Type] {
		b.pending[key] = slot
	}
	b.pendingList = append(b.pendingList, slot)
	b.mu.Unlock()
}

// dispatch delivers an event to every interested subscriber queue.
func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// flushLoop flushes coalesced events every BatchWindow.
func (b *Bus) flushLoop() {
	defer b.stopped.Done()
	ticker := time.NewTicker(BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Flush dispatches all pending coalesced events in arrival order.
func (b *Bus) Flush() {
	b.mu.Lock()
	list := b.pendingList
	b.pendingList = nil
	b.pending = make(map[batchKey]*pendingEvent)
	b.mu.Unlock()

	for _, slot := range list {
		b.dispatch(slot.ev)
	}
}

// flushSource dispatches pending coalesced events from one source, in
// arrival order, keeping the rest queued.
func (b *Bus) flushSource(sourceID string) {
	b.mu.Lock()
	var flush, keep []*pendingEvent
	for _, slot := range b.pendingList {
		if slot.ev.SourceID == sourceID {
			flush = append(flush, slot)
			delete(b.pending, batchKey{typ: slot.ev.Type, source: sourceID})
		} else {
			keep = append(keep, slot)
		}
	}
	b.pendingList = keep
	b.mu.Unlock()

	for _, slot := range flush {
		b.dispatch(slot.ev)
	}
}

// Close flushes pending events and stops the bus. Subscriptions are
// closed after their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	close(b.stopCh)
	b.stopped.Wait()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
