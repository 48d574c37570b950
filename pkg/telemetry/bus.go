package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the per-subscriber buffer of async subscriptions.
const DefaultQueueSize = 64

// enqueueTimeout bounds how long Publish waits on a full queue for events
// that must not be dropped.
const enqueueTimeout = 5 * time.Second

var ErrClosed = errors.New("event bus is closed")

type subscription struct {
	id       uint64
	handler  Handler
	priority int
	types    map[EventType]bool
	queue    chan *Event
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus delivers events to subscribers. Synchronous handlers run inside
// Publish in priority order. Each async subscription owns a queue drained
// by its own goroutine, so it sees events in publish order.
type Bus struct {
	mutex     sync.RWMutex
	subs      []*subscription
	nextID    uint64
	queueSize int
	closed    bool
	wg        sync.WaitGroup
	logger    logrus.FieldLogger
}

func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		logger:    logrus.StandardLogger().WithField("system", "telemetry"),
	}
}

func (b *Bus) SetLogger(logger logrus.FieldLogger) {
	b.logger = logger
}

// Subscribe adds a synchronous handler for the given event types, or for
// all types when none are given.
func (b *Bus) Subscribe(handler Handler, types ...EventType) (uint64, error) {
	return b.SubscribeWithPriority(handler, 0, false, types...)
}

// SubscribeAsync adds a handler that runs on its own goroutine.
func (b *Bus) SubscribeAsync(handler Handler, types ...EventType) (uint64, error) {
	return b.SubscribeWithPriority(handler, 0, true, types...)
}

// SubscribeWithPriority adds a handler. Higher priority handlers run first.
func (b *Bus) SubscribeWithPriority(handler Handler, priority int, async bool, types ...EventType) (uint64, error) {
	if handler == nil {
		return 0, errors.New("handler cannot be nil")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		handler:  handler,
		priority: priority,
		types:    make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	if async {
		sub.queue = make(chan *Event, b.queueSize)
		b.wg.Add(1)
		go b.drain(sub)
	}

	b.subs = append(b.subs, sub)
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].priority > b.subs[j].priority
	})

	b.logger.WithFields(logrus.Fields{
		"subscription": sub.id,
		"priority":     priority,
		"async":        async,
	}).Debug("Subscribed handler")
	return sub.id, nil
}

// Unsubscribe removes a subscription. Events already queued for an async
// subscription are still delivered.
func (b *Bus) Unsubscribe(id uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			if sub.queue != nil {
				close(sub.queue)
			}
			return
		}
	}
}

// Publish sends an event to all subscribers. Progress events are dropped
// for async subscribers whose queue is full; other events wait for room up
// to a timeout.
func (b *Bus) Publish(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var errs []error
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		if sub.queue == nil {
			if err := b.execute(sub.handler, event); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if !b.enqueue(sub, event) {
			b.logger.WithFields(logrus.Fields{
				"subscription": sub.id,
				"event":        event.Type,
			}).Warn("Subscriber queue full, dropping event")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("event handling errors: %v", errs)
	}
	return nil
}

func (b *Bus) enqueue(sub *subscription, event *Event) bool {
	select {
	case sub.queue <- event:
		return true
	default:
	}
	if event.Type == EventProgress {
		return false
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case sub.queue <- event:
		return true
	case <-timer.C:
		return false
	}
}

// execute executes a handler with panic recovery
func (b *Bus) execute(handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.WithField("event", event.Type).Errorf("Handler panic: %v", r)
		}
	}()
	return handler(event)
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for event := range sub.queue {
		if err := b.execute(sub.handler, event); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"subscription": sub.id,
				"event":        event.Type,
			}).Warn("Async handler failed")
		}
	}
}

// Close stops accepting events and waits until async subscribers have
// drained their queues.
func (b *Bus) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if sub.queue != nil {
			close(sub.queue)
		}
	}
	b.subs = nil
	b.mutex.Unlock()

	b.wg.Wait()
	b.logger.Debug("Event bus stopped")
}

// SubscriberCount returns the number of subscribers receiving t.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if sub.wants(t) {
			n++
		}
	}
	return n
}
