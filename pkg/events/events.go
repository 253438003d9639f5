// Package events fans deployment progress out to live subscribers such as
// the CLI's progress printer.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventPhaseEntered       EventType = "phase.entered"
	EventStackSucceeded     EventType = "stack.succeeded"
	EventStackFailed        EventType = "stack.failed"
	EventStackCleaned       EventType = "stack.cleaned"
	EventHealthVerdict      EventType = "health.verdict"
	EventDeploymentFinished EventType = "deployment.finished"
)

// Event represents one step of a deployment run
type Event struct {
	RunID     string
	Type      EventType
	Timestamp time.Time
	Stack     string // Empty for run-level events
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

const (
	queueSize        = 256
	subscriberBuffer = 64
)

// Broker fans events out to subscribers from a single delivery goroutine,
// so every subscriber sees events in publish order. A subscriber whose
// buffer is full misses the event; the miss is counted in Dropped.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]map[EventType]bool // nil filter means every type

	queue   chan *Event
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewBroker creates a broker. Nothing is delivered until Start.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[Subscriber]map[EventType]bool),
		queue:   make(chan *Event, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the delivery goroutine
func (b *Broker) Start() {
	go b.loop()
}

// Stop delivers events already queued, then closes every subscriber
// channel. Safe to call more than once.
func (b *Broker) Stop() {
	b.once.Do(func() {
		close(b.quit)
		<-b.stopped
	})
}

// Subscribe registers a subscriber for the given event types, or for all
// types when none are given.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = filter
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes sub
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks the deployment once the broker
// is stopped; events published after Stop are discarded.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-b.quit:
		return
	default:
	}
	select {
	case b.queue <- event:
	case <-b.quit:
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full subscribers
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) loop() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.quit:
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					b.shutdown()
					return
				}
			}
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub, filter := range b.subs {
		if filter != nil && !filter[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}
