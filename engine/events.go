package engine

import (
	"context"
	"time"
)

// EventType names a committed state change.
type EventType string

const (
	EventHoldExpired      EventType = "hold.expired"
	EventHoldCancelled    EventType = "hold.cancelled"
	EventInvoiceFinalized EventType = "invoice.finalized"
	EventInvoicePaid      EventType = "invoice.paid"
	EventInvoiceRefunded  EventType = "invoice.refunded"
	EventRefundFailed     EventType = "refund.failed"
)

// Event is published after the transaction that produced it commits.
type Event struct {
	Type      EventType         `json:"type"`
	HoldID    HoldID            `json:"hold_id,omitempty"`
	InvoiceID InvoiceID         `json:"invoice_id,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	At        time.Time         `json:"at"`
	Data      map[string]string `json:"data,omitempty"`
}

// Notifier receives committed events. Errors are logged by the caller and
// never undo the state change.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

// NopNotifier discards every event.
func NopNotifier() Notifier { return nopNotifier{} }

type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, e Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Notifiers fans an event out to every n, in order.
func Notifiers(n ...Notifier) Notifier { return multiNotifier(n) }
