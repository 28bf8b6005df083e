// Package notify carries ledger, security and offline events to outside
// consumers. Emitting an event never blocks the caller.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventIncomingPayment    EventType = "INCOMING_PAYMENT"
	EventAccountLocked      EventType = "ACCOUNT_LOCKED"
	EventSecurityAlert      EventType = "SECURITY_ALERT"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventIntegrityAlert     EventType = "INTEGRITY_ALERT"
	EventOfflineSettled     EventType = "OFFLINE_SETTLED"
	EventSystem             EventType = "SYSTEM"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Account   string            `json:"account,omitempty"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Priority  Priority          `json:"priority"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier accepts events fire-and-forget.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// Sink delivers a single event to one backend.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Dispatcher queues events and fans them out to its sinks on a background
// goroutine. When the queue is full new events are dropped.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	logger  *log.Logger
	timeout time.Duration

	mu      sync.Mutex
	dropped int
	done    chan struct{}
	once    sync.Once
}

func NewDispatcher(buffer int, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Notify(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	select {
	case d.queue <- e:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() { <-d.done }

func (d *Dispatcher) deliver(e Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := s.Deliver(ctx, e); err != nil {
			d.logger.Printf("notify: failed to deliver %s event %s: %v", e.Type, e.ID, err)
		}
		cancel()
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("[%s] %s %s: %s", e.Priority, e.Type, e.Title, e.Message)
	return nil
}
