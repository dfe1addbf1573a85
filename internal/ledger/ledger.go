// Package ledger is the authoritative local record of orders this process
// created on the maker venue. It is keyed by client order id with a reverse
// index by venue order id, so both placement acks and stream events resolve
// in O(1).
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/idset"
	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

// Config bounds how many resolved venue ids the ledger retains.
type Config struct {
	TerminalCeiling int
	TerminalRetain  int
}

// Ledger tracks order intents. All mutation goes through its methods; the
// internal lock covers bookkeeping only, never network I/O.
type Ledger struct {
	mu       sync.Mutex
	orders   map[string]*model.TrackedOrder
	byVenue  map[string]string
	terminal *idset.Set
}

func New(cfg Config) *Ledger {
	return &Ledger{
		orders:   make(map[string]*model.TrackedOrder),
		byVenue:  make(map[string]string),
		terminal: idset.New(cfg.TerminalCeiling, cfg.TerminalRetain),
	}
}

// Track registers a new order intent in open status with no venue id yet.
func (l *Ledger) Track(clientID string, side model.Side, price, qty decimal.Decimal, isCloseOrder bool) (model.TrackedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[clientID]; ok {
		return model.TrackedOrder{}, errors.Wrap(exception.ErrDuplicateOrder, "track").With("clientID", clientID)
	}

	o := &model.TrackedOrder{
		ClientID:     clientID,
		Side:         side,
		Price:        price,
		RequestedQty: qty,
		FilledQty:    decimal.Zero,
		Status:       model.OrderStatusOpen,
		IsCloseOrder: isCloseOrder,
		CreatedAt:    time.Now(),
	}
	l.orders[clientID] = o
	return *o, nil
}

// Confirm binds the venue-assigned id to a tracked order. Only the first
// confirmation takes effect; repeats are a no-op.
func (l *Ledger) Confirm(clientID, venueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[clientID]
	if !ok || venueID == "" {
		return false
	}
	if o.VenueID != "" {
		return false
	}
	o.VenueID = venueID
	l.byVenue[venueID] = clientID
	return true
}

// OnFill applies a cumulative filled quantity to the order identified by
// venueID. Unknown venue ids are logged and ignored: an unrecognized order
// must never drive a hedge.
func (l *Ledger) OnFill(venueID string, filledQty decimal.Decimal) (model.TrackedOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clientID, ok := l.byVenue[venueID]
	if !ok {
		logs.Warnf("ledger: fill for unknown venue order %s ignored", venueID)
		return model.TrackedOrder{}, false
	}
	o := l.orders[clientID]

	if filledQty.GreaterThan(o.RequestedQty) {
		filledQty = o.RequestedQty
	}
	if filledQty.GreaterThan(o.FilledQty) {
		o.FilledQty = filledQty
	}

	if o.IsFullyFilled() {
		o.Status = model.OrderStatusTerminal
		out := *o
		l.resolve(o)
		return out, true
	}

	o.Status = model.OrderStatusPartiallyResolved
	return *o, true
}

// OnCancel removes tracking only when nothing was filled at cancel time.
// A fill that raced the cancel wins: the order stays tracked as
// resolved-by-fill and is never treated as purely cancelled. The bool
// reports that the order was actually removed unfilled, not merely known.
func (l *Ledger) OnCancel(venueID string) (model.TrackedOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clientID, ok := l.byVenue[venueID]
	if !ok {
		logs.Debugf("ledger: cancel for unknown venue order %s ignored", venueID)
		return model.TrackedOrder{}, false
	}
	o := l.orders[clientID]

	if o.FilledQty.IsPositive() {
		logs.Infof("ledger: cancel raced a fill on %s, fill wins (filled=%s)", venueID, o.FilledQty)
		o.Status = model.OrderStatusPartiallyResolved
		return *o, false
	}

	o.Status = model.OrderStatusTerminal
	out := *o
	l.resolve(o)
	return out, true
}

// Get returns a copy of the order tracked under clientID.
func (l *Ledger) Get(clientID string) (model.TrackedOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[clientID]
	if !ok {
		return model.TrackedOrder{}, false
	}
	return *o, true
}

// GetByVenue returns a copy of the order confirmed under venueID.
func (l *Ledger) GetByVenue(venueID string) (model.TrackedOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clientID, ok := l.byVenue[venueID]
	if !ok {
		return model.TrackedOrder{}, false
	}
	return *l.orders[clientID], true
}

// CloseOrder returns the outstanding close order, if one is tracked.
func (l *Ledger) CloseOrder() (model.TrackedOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, o := range l.orders {
		if o.IsCloseOrder && !o.Status.IsTerminal() {
			return *o, true
		}
	}
	return model.TrackedOrder{}, false
}

// MakerOrders returns copies of all tracked non-close orders.
func (l *Ledger) MakerOrders() []model.TrackedOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.TrackedOrder, 0, len(l.orders))
	for _, o := range l.orders {
		if !o.IsCloseOrder {
			out = append(out, *o)
		}
	}
	return out
}

// CancellableIDs returns venue ids of open non-close orders. Orders not yet
// confirmed by the venue have no id to cancel by and are skipped.
func (l *Ledger) CancellableIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.orders))
	for _, o := range l.orders {
		if !o.IsCloseOrder && o.Status == model.OrderStatusOpen && o.VenueID != "" {
			out = append(out, o.VenueID)
		}
	}
	return out
}

// Remove retires an order regardless of status. Used when the underlying
// exposure is known to be resolved by other means, e.g. a close order whose
// position reached zero.
func (l *Ledger) Remove(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[clientID]
	if !ok {
		return false
	}
	l.resolve(o)
	return true
}

// WasResolved reports whether venueID belongs to a recently retired order.
func (l *Ledger) WasResolved(venueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal.Contains(venueID)
}

// Len returns the number of live tracked orders.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// Clear drops all tracking. Retained terminal ids survive so redelivered
// events for old orders still resolve as known-and-resolved.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = make(map[string]*model.TrackedOrder)
	l.byVenue = make(map[string]string)
}

// resolve retires a terminal order, keeping its venue id in the bounded
// retention set. Caller holds l.mu.
func (l *Ledger) resolve(o *model.TrackedOrder) {
	delete(l.orders, o.ClientID)
	if o.VenueID != "" {
		delete(l.byVenue, o.VenueID)
		l.terminal.Add(o.VenueID)
	}
}
