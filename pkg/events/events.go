package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/synacktraa/cillow/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkerSpawned    EventType = "worker.spawned"
	EventWorkerExited     EventType = "worker.exited"
	EventWorkerDied       EventType = "worker.died"
	EventWorkerEvicted    EventType = "worker.evicted"
	EventRequestCompleted EventType = "request.completed"
	EventRequestRejected  EventType = "request.rejected"
)

// Event describes one lifecycle occurrence inside the broker.
type Event struct {
	Type      EventType
	ClientID  string
	Env       types.Environment
	PID       int
	Kind      types.RequestKind
	Reason    types.ExceptionType
	Timestamp time.Time
	Message   string
}

// Handler consumes one event. Handlers run on the bus's dispatch goroutine,
// serially and in registration order, so they need no locking of their own
// but must stay cheap.
type Handler func(*Event)

// Bus fans lifecycle events out to registered handlers. Publishing never
// blocks the pool or broker hot path: when dispatch falls behind, the event
// is dropped and counted instead of stalling a request.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	ch       chan *Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBus creates a bus. Register handlers, then Start it.
func NewBus() *Bus {
	return &Bus{
		ch:     make(chan *Event, 128),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OnEvent registers a handler for every published event.
func (b *Bus) OnEvent(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start begins dispatching.
func (b *Bus) Start() {
	if b.started.CompareAndSwap(false, true) {
		go b.run()
	}
}

// Stop shuts the dispatch loop down after delivering whatever is already
// buffered.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.started.Load() {
		<-b.doneCh
	}
}

// Publish hands an event to the dispatch loop, stamping the time if unset.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because dispatch fell
// behind.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// HandlerCount returns the number of registered handlers.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.stopCh:
			// Drain what was buffered before the stop.
			for {
				select {
				case event := <-b.ch:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
