/*
capacity.go - Capacity ledger for inventory items

PURPOSE:
  Answers "how many units are left" and performs the atomic
  check-and-claim used by every hold write.

KEY CONCEPTS:
  committed  non-cancelled registrations of the item (or role)
  held       quantity on live holds (active and not yet expired)
  available  capacity - committed - held

  Occupancy is always derived from the rows, never cached in a counter.
  An expired hold stops counting the instant its expiresAt passes, even
  when the sweep has not marked it expired yet.

ATOMICITY:
  Reserve must run inside Store.WithTx. It locks the item row first and
  recounts under the lock, so two concurrent requests for the last unit
  cannot both succeed.

SEE ALSO:
  - store.go: LockItem semantics per backend
  - reservation.go: The caller of Reserve
*/
package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Availability is a point-in-time capacity view.
type Availability struct {
	Unlimited bool `json:"unlimited"`
	Count     int  `json:"count"`
	Capacity  *int `json:"capacity,omitempty"`
	Committed int  `json:"committed"`
	Held      int  `json:"held"`
}

// Override lets an administrator reserve past capacity. Every use is audited.
type Override struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ReserveRequest describes the claim a hold wants to hold after the write.
//
// Quantity is the hold's total for (ItemID, RoleID) after the write, not
// the delta: the hold's own current lines are excluded from the recount.
// ItemQuantity is the hold's total for the item across all roles and
// defaults to Quantity.
type ReserveRequest struct {
	ItemID       ItemID
	RoleID       RoleID
	Quantity     int
	ItemQuantity int
	Hold         HoldID
	Override     *Override
}

type CapacityLedger struct {
	store Store
	clock Clock
}

func NewCapacityLedger(store Store, clock Clock) *CapacityLedger {
	return &CapacityLedger{store: store, clock: clock}
}

// Available returns the current availability of an item, or of one role
// when role is non-empty.
func (l *CapacityLedger) Available(ctx context.Context, id ItemID, role RoleID) (Availability, error) {
	var out Availability
	err := l.store.WithTx(ctx, func(tx Tx) error {
		item, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if role != "" {
			if _, ok := item.Role(role); !ok {
				return fmt.Errorf("%w: %s", ErrInvalidRole, role)
			}
		}
		out, err = l.count(ctx, tx, item, role, "")
		return err
	})
	return out, err
}

func (l *CapacityLedger) count(ctx context.Context, tx Tx, item *InventoryItem, role RoleID, exclude HoldID) (Availability, error) {
	committed, err := tx.CountCommitted(ctx, item.ID, role)
	if err != nil {
		return Availability{}, fmt.Errorf("count committed: %w", err)
	}
	held, err := tx.CountHeld(ctx, item.ID, role, l.clock.Now(), exclude)
	if err != nil {
		return Availability{}, fmt.Errorf("count held: %w", err)
	}

	capacity := item.Capacity
	if role != "" {
		capacity = item.RoleCapacity(role)
	}
	a := Availability{Committed: committed, Held: held, Capacity: capacity}
	if capacity == nil {
		a.Unlimited = true
		return a, nil
	}
	a.Count = *capacity - committed - held
	if a.Count < 0 {
		a.Count = 0
	}
	return a, nil
}

// Reserve checks that req fits in the remaining capacity of the item, and of
// the role when one is given. Must be called inside Store.WithTx; the
// caller writes the hold line in the same transaction.
func (l *CapacityLedger) Reserve(ctx context.Context, tx Tx, req ReserveRequest) error {
	if req.Quantity < 0 {
		return ErrInvalidQuantity
	}
	if req.ItemQuantity < req.Quantity {
		req.ItemQuantity = req.Quantity
	}

	item, err := tx.LockItem(ctx, req.ItemID)
	if err != nil {
		return err
	}

	checks := []struct {
		role RoleID
		want int
	}{{"", req.ItemQuantity}}
	if req.RoleID != "" {
		checks = append(checks, struct {
			role RoleID
			want int
		}{req.RoleID, req.Quantity})
	}

	for _, c := range checks {
		a, err := l.count(ctx, tx, item, c.role, req.Hold)
		if err != nil {
			return err
		}
		if a.Unlimited || c.want <= a.Count {
			continue
		}
		capErr := &CapacityError{ItemID: item.ID, RoleID: c.role, Requested: c.want, Available: a.Count}
		if req.Override == nil {
			return capErr
		}
		if err := tx.AppendAudit(ctx, AuditEntry{
			ID:          uuid.NewString(),
			At:          l.clock.Now(),
			Actor:       req.Override.Actor,
			Action:      AuditCapacityOverride,
			ReferenceID: string(req.Hold),
			Details: map[string]string{
				"item":      string(item.ID),
				"role":      string(c.role),
				"requested": strconv.Itoa(c.want),
				"available": strconv.Itoa(a.Count),
				"reason":    req.Override.Reason,
			},
		}); err != nil {
			return fmt.Errorf("audit override: %w", err)
		}
	}
	return nil
}
