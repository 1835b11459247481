/*
Package notify delivers best-effort event notifications.

PURPOSE:
  Fire-and-forget notifications after successful payment, enrollment, and
  redemption events. Delivery failure must never roll back or delay the core
  operation, so the dispatcher buffers events and drops on overflow rather
  than blocking the request path.

  The Sink interface is the integration point; the delivery mechanism behind
  it (SMS, push, webhook) is out of scope for this engine.
*/
package notify

import (
	"context"
	"log"
	"sync"
)

// EventType classifies what happened.
type EventType string

const (
	EventPaymentRecorded    EventType = "payment_recorded"
	EventEnrollmentCreated  EventType = "enrollment_created"
	EventRedemptionCreated  EventType = "redemption_created"
	EventBillingMonthDue    EventType = "billing_month_due"
	EventBillingMonthMissed EventType = "billing_month_missed"
)

// Event is one notification payload.
type Event struct {
	RetailerID   string
	CustomerID   string
	EnrollmentID string
	Type         EventType
	Message      string
	Metadata     map[string]string
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// =============================================================================
// LOG SINK - Default in-process sink
// =============================================================================

// LogSink writes events to the process log. Useful as the default sink and
// in tests.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, e Event) error {
	log.Printf("[Notify] %s retailer=%s customer=%s enrollment=%s: %s",
		e.Type, e.RetailerID, e.CustomerID, e.EnrollmentID, e.Message)
	return nil
}

// =============================================================================
// DISPATCHER - Buffered async fan-out
// =============================================================================

// Dispatcher decouples event production from delivery. Publish never blocks:
// when the buffer is full the event is dropped and counted, preserving the
// non-blocking guarantee for the payment path.
type Dispatcher struct {
	sink   Sink
	events chan Event
	wg     sync.WaitGroup

	// mu guards closed and the channel lifecycle: Publish sends under the
	// read lock, Close closes under the write lock, so a send can never race
	// a close.
	mu     sync.RWMutex
	closed bool

	dropMu  sync.Mutex
	dropped int
}

func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sink:   sink,
		events: make(chan Event, buffer),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.events {
		// Errors are logged and swallowed: best-effort only.
		if err := d.sink.Notify(context.Background(), e); err != nil {
			log.Printf("[Notify] delivery failed for %s: %v", e.Type, err)
		}
	}
}

// Publish enqueues an event without blocking. The send stays under the read
// lock so it cannot race Close closing the channel.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.events <- e:
	default:
		d.dropMu.Lock()
		d.dropped++
		d.dropMu.Unlock()
		log.Printf("[Notify] buffer full, dropped %s for enrollment %s", e.Type, e.EnrollmentID)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() int {
	d.dropMu.Lock()
	defer d.dropMu.Unlock()
	return d.dropped
}

// Close drains the buffer and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()

	d.wg.Wait()
}
