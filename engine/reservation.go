/*
reservation.go - Hold lifecycle: create, mutate, extend, cancel, expire

PURPOSE:
  ReservationManager owns every write to a hold. A hold is a visitor's
  cart with a TTL-bounded claim on capacity; it turns into registrations
  only through InvoiceFinalizer.

HOLD MUTATION (Upsert):
  Each requested line sets the quantity of its (item, role, dropIn) line
  in the hold; quantity 0 removes the line. The whole mutation is one
  transaction and all-or-nothing: every failing line is reported in a
  *ReservationError and nothing is written.

  Checks, per line that grows:
    1. item exists, role is valid, drop-ins allowed
    2. registration is open (StatusMachine)
    3. no conflicting registration for the customer (ReservationPolicy)
    4. capacity (CapacityLedger.Reserve)

LOCK ORDER:
  hold row, then item rows in ascending id order. Every code path that
  locks more than one row follows this order.

EXPIRY:
  A hold stops counting toward occupancy the moment now >= expiresAt.
  ExpireSweep only moves the status to expired for bookkeeping; it uses
  a compare-and-set so it never races a concurrent finalize or touch.

SEE ALSO:
  - capacity.go: Reserve
  - pricing.go: The quote snapshot refreshed on each write
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// INPUTS
// =============================================================================

// LineRequest sets the quantity of one (item, role, dropIn) line.
type LineRequest struct {
	ItemID   ItemID `json:"item_id"`
	RoleID   RoleID `json:"role_id,omitempty"`
	DropIn   bool   `json:"drop_in,omitempty"`
	Quantity int    `json:"quantity"`
}

type OpenHoldInput struct {
	SessionID    SessionID
	Customer     Customer
	Data         map[string]string
	Lines        []LineRequest
	VoucherCodes []string
	Override     *Override
}

// UpsertInput mutates a hold. An empty HoldID creates a new hold.
// A nil Customer keeps the stored customer.
type UpsertInput struct {
	HoldID    HoldID
	SessionID SessionID
	Customer  *Customer
	Data      map[string]string
	Lines     []LineRequest
	Override  *Override
}

// =============================================================================
// RESERVATION MANAGER
// =============================================================================

type ReservationManager struct {
	store    Store
	clock    Clock
	policy   ReservationPolicy
	ledger   *CapacityLedger
	status   *StatusMachine
	pricing  *PricingService
	notifier Notifier
	log      *logrus.Entry
}

type ReservationOption func(*ReservationManager)

func WithReservationNotifier(n Notifier) ReservationOption {
	return func(m *ReservationManager) { m.notifier = n }
}

func WithReservationLogger(l *logrus.Entry) ReservationOption {
	return func(m *ReservationManager) { m.log = l }
}

func NewReservationManager(
	store Store,
	clock Clock,
	policy ReservationPolicy,
	pricing *PricingService,
	opts ...ReservationOption,
) *ReservationManager {
	m := &ReservationManager{
		store:    store,
		clock:    clock,
		policy:   policy,
		ledger:   NewCapacityLedger(store, clock),
		status:   NewStatusMachine(store, clock),
		pricing:  pricing,
		notifier: NopNotifier(),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "reservations")
	return m
}

// Ledger exposes the capacity ledger used for hold writes.
func (m *ReservationManager) Ledger() *CapacityLedger { return m.ledger }

func (m *ReservationManager) GetHold(ctx context.Context, id HoldID) (*Hold, error) {
	return m.store.GetHold(ctx, id)
}

// OpenHold creates a hold, optionally with pre-selected lines and codes.
func (m *ReservationManager) OpenHold(ctx context.Context, in OpenHoldInput) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := m.upsert(ctx, tx, UpsertInput{
			SessionID: in.SessionID,
			Customer:  &in.Customer,
			Data:      in.Data,
			Lines:     in.Lines,
			Override:  in.Override,
		})
		if err != nil {
			return err
		}
		for _, code := range in.VoucherCodes {
			if err := m.attachCode(ctx, tx, hold, code); err != nil {
				return err
			}
		}
		if err := m.save(ctx, tx, hold); err != nil {
			return err
		}
		out = *hold
		return nil
	})
	return out, err
}

// Upsert applies a hold mutation. See the package comment for semantics.
func (m *ReservationManager) Upsert(ctx context.Context, in UpsertInput) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := m.upsert(ctx, tx, in)
		if err != nil {
			return err
		}
		if err := m.save(ctx, tx, hold); err != nil {
			return err
		}
		out = *hold
		return nil
	})
	if err == nil {
		m.log.WithFields(logrus.Fields{"hold": out.ID, "lines": len(out.Items)}).Debug("hold written")
	}
	return out, err
}

// UpsertLineItem sets a single line of an existing hold.
func (m *ReservationManager) UpsertLineItem(ctx context.Context, id HoldID, line LineRequest) (Hold, error) {
	return m.Upsert(ctx, UpsertInput{HoldID: id, Lines: []LineRequest{line}})
}

func (m *ReservationManager) upsert(ctx context.Context, tx Tx, in UpsertInput) (*Hold, error) {
	now := m.clock.Now()

	var hold *Hold
	if in.HoldID != "" {
		h, err := m.liveHold(ctx, tx, in.HoldID, now)
		if err != nil {
			return nil, err
		}
		hold = h
	} else {
		hold = &Hold{
			ID:        HoldID(uuid.NewString()),
			SessionID: in.SessionID,
			Status:    HoldActive,
			CreatedAt: now,
		}
	}
	if in.Customer != nil {
		c := *in.Customer
		c.Email = NormalizeEmail(c.Email)
		hold.Customer = c
	}
	if in.Data != nil {
		if hold.Data == nil {
			hold.Data = make(map[string]string, len(in.Data))
		}
		for k, v := range in.Data {
			hold.Data[k] = v
		}
	}

	items, lineErrs, err := m.lockItems(ctx, tx, in.Lines)
	if err != nil {
		return nil, err
	}

	proposed := append([]HoldLineItem(nil), hold.Items...)
	var grown []int
	for i, req := range in.Lines {
		if req.Quantity < 0 {
			lineErrs = append(lineErrs, lineError(i, req, LineInvalidQuantity, ErrInvalidQuantity))
			continue
		}
		item, ok := items[req.ItemID]
		if !ok {
			continue
		}

		idx := lo.IndexOf(lineKeys(proposed), lineKey{req.ItemID, req.RoleID, req.DropIn})
		current := 0
		if idx >= 0 {
			current = proposed[idx].Quantity
		}

		if req.Quantity > 0 {
			if le, bad := m.validateLine(ctx, tx, i, req, item, hold, proposed, now); bad {
				lineErrs = append(lineErrs, le...)
				continue
			}
		}

		switch {
		case req.Quantity == 0 && idx >= 0:
			proposed = append(proposed[:idx], proposed[idx+1:]...)
		case req.Quantity == 0:
		case idx >= 0:
			proposed[idx].Quantity = req.Quantity
		default:
			proposed = append(proposed, HoldLineItem{
				ID:        LineID(uuid.NewString()),
				ItemID:    req.ItemID,
				RoleID:    req.RoleID,
				Quantity:  req.Quantity,
				IsDropIn:  req.DropIn,
				UnitPrice: item.Pricing.UnitPrice(hold.Customer.Student, hold.Customer.AtDoor, req.DropIn),
			})
		}
		if req.Quantity > current {
			grown = append(grown, i)
		}
	}

	// Capacity, once per grown (item, role). Runs even when other lines
	// failed so the error lists every problem at once.
	candidate := *hold
	candidate.Items = proposed
	checked := make(map[lineKey]bool)
	for _, i := range grown {
		req := in.Lines[i]
		key := lineKey{req.ItemID, req.RoleID, false}
		if checked[key] {
			continue
		}
		checked[key] = true

		err := m.ledger.Reserve(ctx, tx, ReserveRequest{
			ItemID:       req.ItemID,
			RoleID:       req.RoleID,
			Quantity:     candidate.Units(req.ItemID, req.RoleID),
			ItemQuantity: candidate.Units(req.ItemID, ""),
			Hold:         hold.ID,
			Override:     in.Override,
		})
		var capErr *CapacityError
		switch {
		case errors.As(err, &capErr):
			lineErrs = append(lineErrs, lineError(i, req, LineCapacityExceeded, capErr))
		case err != nil:
			return nil, err
		}
	}
	if len(lineErrs) > 0 {
		return nil, newReservationError(lineErrs)
	}

	hold.Items = proposed
	hold.ExpiresAt = now.Add(m.policy.ttl())
	return hold, nil
}

// lockItems locks every referenced item in ascending id order.
func (m *ReservationManager) lockItems(ctx context.Context, tx Tx, lines []LineRequest) (map[ItemID]*InventoryItem, []LineError, error) {
	ids := lo.Uniq(lo.Map(lines, func(l LineRequest, _ int) ItemID { return l.ItemID }))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := make(map[ItemID]*InventoryItem, len(ids))
	for _, id := range ids {
		item, err := tx.LockItem(ctx, id)
		if errors.Is(err, ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lock item %s: %w", id, err)
		}
		items[id] = item
	}

	var errs []LineError
	for i, l := range lines {
		if _, ok := items[l.ItemID]; !ok && l.Quantity >= 0 {
			errs = append(errs, lineError(i, l, LineItemNotFound, ErrItemNotFound))
		}
	}
	return items, errs, nil
}

func (m *ReservationManager) validateLine(
	ctx context.Context, tx Tx, i int, req LineRequest, item *InventoryItem,
	hold *Hold, proposed []HoldLineItem, now time.Time,
) ([]LineError, bool) {
	fail := func(kind LineErrorKind, err error) ([]LineError, bool) {
		return []LineError{lineError(i, req, kind, err)}, true
	}

	if len(item.Roles) > 0 {
		if _, ok := item.Role(req.RoleID); !ok {
			return fail(LineInvalidRole, fmt.Errorf("%w: %q", ErrInvalidRole, req.RoleID))
		}
	} else if req.RoleID != "" {
		return fail(LineInvalidRole, fmt.Errorf("%w: %q", ErrInvalidRole, req.RoleID))
	}
	if req.DropIn && !item.AllowDropIns {
		return fail(LineDropInNotAllowed, ErrDropInNotAllowed)
	}

	current := 0
	for _, li := range proposed {
		if li.ItemID == req.ItemID && li.RoleID == req.RoleID && li.IsDropIn == req.DropIn {
			current = li.Quantity
		}
	}
	if req.Quantity <= current {
		return nil, false
	}

	if !m.status.IsOpen(*item, now) {
		return fail(LineRegistrationClosed, ErrRegistrationClosed)
	}

	dup, err := m.duplicate(ctx, tx, req, item, hold, proposed, now)
	if err != nil {
		return fail(LineDuplicateRegistration, err)
	}
	if dup {
		return fail(LineDuplicateRegistration, ErrDuplicateRegistration)
	}
	return nil, false
}

func (m *ReservationManager) duplicate(
	ctx context.Context, tx Tx, req LineRequest, item *InventoryItem, hold *Hold, proposed []HoldLineItem, now time.Time,
) (bool, error) {
	atDoor := hold.Customer.AtDoor
	if !m.policy.checksDuplicates(item.CategoryFor(req.DropIn), atDoor) {
		return false, nil
	}
	candidate := ExistingUnit{ItemID: req.ItemID, RoleID: req.RoleID, IsDropIn: req.DropIn, AtDoor: atDoor, Held: true}

	var existing []ExistingUnit
	for _, li := range proposed {
		if li.ItemID == req.ItemID && li.RoleID == req.RoleID && li.IsDropIn == req.DropIn {
			continue
		}
		existing = append(existing, ExistingUnit{ItemID: li.ItemID, RoleID: li.RoleID, IsDropIn: li.IsDropIn, AtDoor: atDoor, Held: true})
	}
	if hold.Customer.Key() != "" {
		owned, err := customerUnits(ctx, tx, hold.Customer.Key(), req.ItemID, now, hold.ID)
		if err != nil {
			return false, err
		}
		existing = append(existing, owned...)
	}
	return m.policy.conflicts(existing, candidate), nil
}

// customerUnits lists what the customer already owns on item: committed
// registrations plus lines in their other live holds.
func customerUnits(ctx context.Context, tx Tx, email string, item ItemID, now time.Time, exclude HoldID) ([]ExistingUnit, error) {
	regs, err := tx.RegistrationsForCustomer(ctx, email, item)
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	units := make([]ExistingUnit, 0, len(regs))
	for _, r := range regs {
		units = append(units, ExistingUnit{ItemID: r.ItemID, RoleID: r.RoleID, IsDropIn: r.IsDropIn, AtDoor: r.AtDoor})
	}

	holds, err := tx.LiveHoldsForCustomer(ctx, email, item, now, exclude)
	if err != nil {
		return nil, fmt.Errorf("load customer holds: %w", err)
	}
	for _, h := range holds {
		for _, li := range h.Items {
			if li.ItemID != item || li.Quantity <= 0 {
				continue
			}
			units = append(units, ExistingUnit{ItemID: li.ItemID, RoleID: li.RoleID, IsDropIn: li.IsDropIn, AtDoor: h.Customer.AtDoor, Held: true})
		}
	}
	return units, nil
}

// =============================================================================
// EXPIRATION AND CANCELLATION
// =============================================================================

// TouchExpiration extends a live hold to now + TTL.
func (m *ReservationManager) TouchExpiration(ctx context.Context, id HoldID) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		now := m.clock.Now()
		hold, err := m.liveHold(ctx, tx, id, now)
		if err != nil {
			return err
		}
		hold.ExpiresAt = now.Add(m.policy.ttl())
		if err := tx.SaveHold(ctx, *hold); err != nil {
			return fmt.Errorf("save hold: %w", err)
		}
		out = *hold
		return nil
	})
	return out, err
}

// Cancel releases the hold's claim. Cancelling a cancelled hold is a no-op.
func (m *ReservationManager) Cancel(ctx context.Context, id HoldID) (Hold, error) {
	var out Hold
	changed := false
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := tx.LockHold(ctx, id)
		if err != nil {
			return err
		}
		switch hold.Status {
		case HoldCancelled:
			out = *hold
			return nil
		case HoldActive:
		default:
			return fmt.Errorf("%w: hold %s is %s", ErrHoldExpired, id, hold.Status)
		}
		ok, err := tx.TransitionHold(ctx, id, HoldActive, HoldCancelled, time.Time{})
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		hold.Status = HoldCancelled
		out = *hold
		changed = true
		return nil
	})
	if err == nil && changed {
		m.notify(ctx, Event{Type: EventHoldCancelled, HoldID: id, At: m.clock.Now()})
	}
	return out, err
}

// ExpireSweep marks every active hold with expiresAt <= now as expired.
// Safe to run concurrently with itself and with hold writes.
func (m *ReservationManager) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	batch := m.policy.SweepBatchSize
	if batch <= 0 {
		batch = 500
	}

	total := 0
	for {
		ids, err := m.store.ExpiredHolds(ctx, now, batch)
		if err != nil {
			return total, fmt.Errorf("list expired holds: %w", err)
		}

		swept := 0
		for _, id := range ids {
			var ok bool
			err := m.store.WithTx(ctx, func(tx Tx) error {
				var err error
				ok, err = tx.TransitionHold(ctx, id, HoldActive, HoldExpired, now)
				return err
			})
			if err != nil {
				return total, fmt.Errorf("expire hold %s: %w", id, err)
			}
			if ok {
				swept++
				m.notify(ctx, Event{Type: EventHoldExpired, HoldID: id, At: now})
			}
		}
		total += swept

		// A batch where nothing moved means the rest were taken by a
		// concurrent sweep or touched in between.
		if len(ids) < batch || swept == 0 {
			break
		}
	}
	if total > 0 {
		m.log.WithField("count", total).Info("expired holds swept")
	}
	return total, nil
}

// =============================================================================
// PRICING ON THE HOLD
// =============================================================================

// Reprice recomputes every line's unit price from the current pricing tier
// and refreshes the quote.
func (m *ReservationManager) Reprice(ctx context.Context, id HoldID) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := m.liveHold(ctx, tx, id, m.clock.Now())
		if err != nil {
			return err
		}
		for i, li := range hold.Items {
			item, err := tx.GetItem(ctx, li.ItemID)
			if err != nil {
				return err
			}
			hold.Items[i].UnitPrice = item.Pricing.UnitPrice(hold.Customer.Student, hold.Customer.AtDoor, li.IsDropIn)
		}
		if err := m.save(ctx, tx, hold); err != nil {
			return err
		}
		out = *hold
		return nil
	})
	return out, err
}

// ApplyVoucherCode validates code for the hold's customer and attaches it.
func (m *ReservationManager) ApplyVoucherCode(ctx context.Context, id HoldID, code string) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := m.liveHold(ctx, tx, id, m.clock.Now())
		if err != nil {
			return err
		}
		if err := m.attachCode(ctx, tx, hold, code); err != nil {
			return err
		}
		if err := m.save(ctx, tx, hold); err != nil {
			return err
		}
		out = *hold
		return nil
	})
	return out, err
}

func (m *ReservationManager) RemoveVoucherCode(ctx context.Context, id HoldID, code string) (Hold, error) {
	var out Hold
	err := m.store.WithTx(ctx, func(tx Tx) error {
		hold, err := m.liveHold(ctx, tx, id, m.clock.Now())
		if err != nil {
			return err
		}
		hold.VoucherCodes = lo.Without(hold.VoucherCodes, code)
		if err := m.save(ctx, tx, hold); err != nil {
			return err
		}
		out = *hold
		return nil
	})
	return out, err
}

func (m *ReservationManager) attachCode(ctx context.Context, tx Tx, hold *Hold, code string) error {
	if lo.Contains(hold.VoucherCodes, code) {
		return nil
	}
	v, err := tx.GetVoucherByCode(ctx, code)
	if errors.Is(err, ErrVoucherNotFound) {
		return &VoucherError{Code: code, Kind: VoucherNotFound}
	}
	if err != nil {
		return err
	}
	uses, err := tx.VoucherUses(ctx, v.ID)
	if err != nil {
		return err
	}
	if err := ValidateVoucher(*v, uses, hold.Customer, m.clock.Now()); err != nil {
		return err
	}
	hold.VoucherCodes = append(hold.VoucherCodes, code)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// save refreshes the quote snapshot and writes the hold.
func (m *ReservationManager) save(ctx context.Context, tx Tx, hold *Hold) error {
	q, err := m.pricing.quote(ctx, tx, hold.Customer, hold.Items, hold.VoucherCodes)
	if err != nil {
		return fmt.Errorf("quote hold: %w", err)
	}
	for _, ve := range q.VoucherErrors {
		if lo.Contains(hold.VoucherCodes, ve.Code) && ve.Kind == VoucherNotApplicable {
			return ve
		}
	}
	hold.QuotedTotal = q.Total
	hold.DiscountID = q.DiscountID
	if err := tx.SaveHold(ctx, *hold); err != nil {
		return fmt.Errorf("save hold: %w", err)
	}
	return nil
}

// liveHold locks a hold that can still be written.
func (m *ReservationManager) liveHold(ctx context.Context, tx Tx, id HoldID, now time.Time) (*Hold, error) {
	hold, err := tx.LockHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if !hold.Live(now) {
		return nil, fmt.Errorf("%w: hold %s is %s", ErrHoldExpired, id, lo.Ternary(hold.Status == HoldActive, HoldExpired, hold.Status))
	}
	return hold, nil
}

func (m *ReservationManager) notify(ctx context.Context, e Event) {
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.log.WithError(err).WithField("event", e.Type).Warn("notify failed")
	}
}

type lineKey struct {
	item   ItemID
	role   RoleID
	dropIn bool
}

func lineKeys(lines []HoldLineItem) []lineKey {
	return lo.Map(lines, func(li HoldLineItem, _ int) lineKey { return lineKey{li.ItemID, li.RoleID, li.IsDropIn} })
}

func lineError(i int, req LineRequest, kind LineErrorKind, err error) LineError {
	return LineError{Index: i, ItemID: req.ItemID, RoleID: req.RoleID, Kind: kind, Err: err}
}

func newReservationError(errs []LineError) *ReservationError {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
	return &ReservationError{Lines: errs}
}
