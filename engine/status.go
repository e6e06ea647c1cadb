/*
status.go - Registration open/closed state machine

PURPOSE:
  Decides, per inventory item, whether new holds may be created. This is
  the single gate ReservationManager consults before writing a hold line.

STATES:
  disabled       closed, hidden
  enabled        open until the close date, visible
  held_open      forced open regardless of dates
  held_closed    forced closed regardless of dates
  hidden_closed  closed and hidden from listings
  hidden         like enabled, but only reachable by direct link

DATE RULE (enabled, hidden):
  Evaluated on demand, never by timers:
    closes once now > firstOccurrence + closeAfterDays
    or, without closeAfterDays, once now > lastOccurrence
  and reopens when that condition becomes false again (e.g. occurrences
  were added). An item without occurrence dates stays open.

SEE ALSO:
  - reservation.go: The only consumer of IsOpen on the write path
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RegistrationStatus string

const (
	RegDisabled     RegistrationStatus = "disabled"
	RegEnabled      RegistrationStatus = "enabled"
	RegHeldOpen     RegistrationStatus = "held_open"
	RegHeldClosed   RegistrationStatus = "held_closed"
	RegHiddenClosed RegistrationStatus = "hidden_closed"
	RegHidden       RegistrationStatus = "hidden"
)

// Valid reports whether s is a known state.
func (s RegistrationStatus) Valid() bool {
	switch s {
	case RegDisabled, RegEnabled, RegHeldOpen, RegHeldClosed, RegHiddenClosed, RegHidden:
		return true
	}
	return false
}

// StatusView is the derived registration state of an item at a point in time.
type StatusView struct {
	Status  RegistrationStatus `json:"status"`
	IsOpen  bool               `json:"is_open"`
	Visible bool               `json:"visible"`
	Reason  string             `json:"reason,omitempty"`
}

// StatusMachine evaluates and transitions registration status.
type StatusMachine struct {
	store Store
	clock Clock
}

func NewStatusMachine(store Store, clock Clock) *StatusMachine {
	return &StatusMachine{store: store, clock: clock}
}

// Evaluate derives the open/visible flags of item at now.
func (m *StatusMachine) Evaluate(item InventoryItem, now time.Time) StatusView {
	v := StatusView{Status: item.Status}
	switch item.Status {
	case RegHeldOpen:
		v.IsOpen, v.Visible = true, true
	case RegHeldClosed:
		v.Visible = true
		v.Reason = "registration is held closed"
	case RegDisabled:
		v.Reason = "registration is disabled"
	case RegHiddenClosed:
		v.Reason = "registration is closed"
	case RegEnabled, RegHidden:
		v.Visible = item.Status == RegEnabled
		if closesAt, ok := closeTime(item); ok && now.After(closesAt) {
			v.Reason = "registration closed on " + closesAt.Format(time.RFC3339)
		} else {
			v.IsOpen = true
		}
	default:
		v.Reason = fmt.Sprintf("unknown status %q", item.Status)
	}
	return v
}

// IsOpen is the gate used before creating or growing holds.
func (m *StatusMachine) IsOpen(item InventoryItem, now time.Time) bool {
	return m.Evaluate(item, now).IsOpen
}

func closeTime(item InventoryItem) (time.Time, bool) {
	if item.CloseAfterDays != nil && !item.FirstOccurrence.IsZero() {
		return item.FirstOccurrence.AddDate(0, 0, *item.CloseAfterDays), true
	}
	if !item.LastOccurrence.IsZero() {
		return item.LastOccurrence, true
	}
	return time.Time{}, false
}

// Transition sets the status of an item and records who changed it.
func (m *StatusMachine) Transition(ctx context.Context, id ItemID, to RegistrationStatus, actor string) (InventoryItem, error) {
	if !to.Valid() {
		return InventoryItem{}, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	var out InventoryItem
	err := m.store.WithTx(ctx, func(tx Tx) error {
		item, err := tx.LockItem(ctx, id)
		if err != nil {
			return err
		}
		from := item.Status
		if from == to {
			out = *item
			return nil
		}
		item.Status = to
		if err := tx.SaveItem(ctx, *item); err != nil {
			return err
		}
		out = *item
		return tx.AppendAudit(ctx, AuditEntry{
			ID:          uuid.NewString(),
			At:          m.clock.Now(),
			Actor:       actor,
			Action:      AuditStatusChanged,
			ReferenceID: string(id),
			Details:     map[string]string{"from": string(from), "to": string(to)},
		})
	})
	return out, err
}
