// Package closer maintains the single outstanding position-flattening order
// on the maker venue and drives hedge-venue exposure closure once the maker
// side is flat.
package closer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/ledger"
	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/internal/venue"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

const (
	DefaultRetryBase        = 2 * time.Second
	DefaultRetriesPerPass   = 3
	DefaultMaxCloseAttempts = 10
)

// Config tunes close-order pricing and the hedge-closure retry budget.
type Config struct {
	// CloseSpreadPct offsets the close price from mark, e.g. 0.0001 for
	// one basis point.
	CloseSpreadPct decimal.Decimal

	// AdjustThresholdPct is the favorable move beyond which the close
	// order is re-priced.
	AdjustThresholdPct decimal.Decimal

	RetryBase        time.Duration
	RetriesPerPass   int
	MaxCloseAttempts int
}

// Manager enforces the at-most-one close order invariant and chases price
// until residual exposure is flat.
type Manager struct {
	cfg    Config
	maker  venue.Maker
	hedger venue.Hedger
	book   *ledger.Ledger

	mu       sync.Mutex
	attempts map[string]int
	blocked  map[string]struct{}

	sleep func(time.Duration)
}

func New(cfg Config, maker venue.Maker, hedger venue.Hedger, book *ledger.Ledger) *Manager {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetriesPerPass <= 0 {
		cfg.RetriesPerPass = DefaultRetriesPerPass
	}
	if cfg.MaxCloseAttempts <= 0 {
		cfg.MaxCloseAttempts = DefaultMaxCloseAttempts
	}
	return &Manager{
		cfg:      cfg,
		maker:    maker,
		hedger:   hedger,
		book:     book,
		attempts: make(map[string]int),
		blocked:  make(map[string]struct{}),
		sleep:    time.Sleep,
	}
}

// PlaceOrClose creates a maker close order unless one is already tracked.
// Buy-to-close is priced below mark, sell-to-close above mark, so the order
// rests on the near side of the book and fills quickly.
func (m *Manager) PlaceOrClose(ctx context.Context, side model.Side, qty decimal.Decimal) error {
	if _, ok := m.book.CloseOrder(); ok {
		return errors.Wrap(exception.ErrCloseOrderExists, "place close order")
	}

	mark, err := m.maker.QueryMarkPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "query mark price")
	}
	if !mark.IsPositive() {
		return errors.Errorf("invalid mark price %s, cannot place close order", mark)
	}

	price := m.closePrice(side, mark)
	clientID := newCloseClientID(side)

	if _, err := m.book.Track(clientID, side, price, qty, true); err != nil {
		return errors.Wrap(err, "track close order")
	}

	logs.Infof("closer: placing close order %s %s @ %s (mark %s)", side, qty, price, mark)

	venueID, err := m.maker.PlaceOrder(ctx, side, price, qty, clientID)
	if err != nil {
		m.book.Remove(clientID)
		return errors.Wrap(err, "place close order").With("clientID", clientID)
	}
	m.book.Confirm(clientID, venueID)
	return nil
}

// MaybeAdjust cancel-and-replaces the close order when the mark has moved
// beyond the threshold in the favorable direction. A sell close only ever
// moves up, a buy close only ever moves down; unfavorable moves never
// trigger an adjustment.
func (m *Manager) MaybeAdjust(ctx context.Context, mark decimal.Decimal) error {
	order, ok := m.book.CloseOrder()
	if !ok || order.VenueID == "" || !mark.IsPositive() {
		return nil
	}

	diff := mark.Sub(order.Price)
	favorable := (order.Side == model.SideSell && diff.IsPositive()) ||
		(order.Side == model.SideBuy && diff.IsNegative())
	if !favorable {
		return nil
	}
	if diff.Abs().Div(mark).LessThanOrEqual(m.cfg.AdjustThresholdPct) {
		return nil
	}

	logs.Infof("closer: mark moved %s -> %s, re-pricing %s close order", order.Price, mark, order.Side)

	if err := m.maker.CancelOrders(ctx, []string{order.VenueID}); err != nil {
		return errors.Wrap(err, "cancel close order for adjustment")
	}
	m.book.Remove(order.ClientID)

	return m.PlaceOrClose(ctx, order.Side, order.RemainingQty())
}

// OnCloseOrderFilled treats maker exposure as resolved and closes the
// residual hedge-venue position. With no hedge venue wired there is nothing
// to flatten.
func (m *Manager) OnCloseOrderFilled(ctx context.Context) error {
	if m.hedger == nil {
		return nil
	}
	pos, err := m.hedger.GetPosition(ctx)
	if err != nil {
		return errors.Wrap(err, "query hedge position")
	}
	return m.CloseHedge(ctx, pos)
}

// OnCloseOrderCancelled re-derives side and quantity from the live position
// and re-places the close order when exposure remains.
func (m *Manager) OnCloseOrderCancelled(ctx context.Context) error {
	pos, err := m.maker.QueryPosition(ctx)
	if err != nil {
		return errors.Wrap(err, "query maker position")
	}
	if pos.IsZero() {
		return nil
	}

	side := model.SideSell
	if pos.IsNegative() {
		side = model.SideBuy
	}
	logs.Warnf("closer: close order cancelled with position %s still open, replacing", pos)
	return m.PlaceOrClose(ctx, side, pos.Abs())
}

// CloseHedge flattens the given hedge-venue position with reduce-only
// market orders. Retries back off by attempt*base and re-verify the actual
// position after each try. Once the cumulative ceiling for a residual size
// is exhausted the size is blocked from further automatic attempts and
// requires an explicit reset; this keeps a dead venue from starving the
// control loop forever.
func (m *Manager) CloseHedge(ctx context.Context, pos decimal.Decimal) error {
	if pos.IsZero() {
		return nil
	}
	if m.hedger == nil {
		return errors.Wrap(exception.ErrNilInstance, "close hedge without hedge venue")
	}

	key := positionKey(pos)
	if m.isBlocked(key) {
		return errors.Wrap(exception.ErrCloseRetryExhausted, "close hedge").With("position", pos)
	}
	if m.bumpAttempts(key) > m.cfg.MaxCloseAttempts {
		logs.Errorf("closer: failed to close hedge position %s after %d attempts, manual intervention required", pos, m.cfg.MaxCloseAttempts)
		m.block(key)
		return errors.Wrap(exception.ErrCloseRetryExhausted, "close hedge").With("position", pos)
	}

	side := model.SideSell
	if pos.IsNegative() {
		side = model.SideBuy
	}
	qty := pos.Abs()

	for attempt := 1; attempt <= m.cfg.RetriesPerPass; attempt++ {
		logs.Infof("closer: closing hedge position %s: %s %s (attempt %d/%d)", pos, side, qty, attempt, m.cfg.RetriesPerPass)

		if err := m.hedger.PlaceMarketCloseOrder(ctx, side, qty); err != nil {
			logs.Warnf("closer: market close failed: %v", err)
		} else {
			m.sleep(m.cfg.RetryBase)

			actual, err := m.hedger.GetPosition(ctx)
			if err == nil && actual.IsZero() {
				logs.Infof("closer: verified hedge position closed")
				m.clear(key)
				return nil
			}
			logs.Warnf("closer: position verification failed, %s still open", actual)
		}

		if attempt < m.cfg.RetriesPerPass {
			m.sleep(time.Duration(attempt) * m.cfg.RetryBase)
		}
	}

	return errors.Wrap(exception.ErrHedgeFailed, "close hedge").With("position", pos)
}

// ResetBlocked clears blocked residual sizes and their attempt counters.
// Operator action after manual intervention.
func (m *Manager) ResetBlocked() {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs.Warnf("closer: clearing %d blocked positions", len(m.blocked))
	m.blocked = make(map[string]struct{})
	m.attempts = make(map[string]int)
}

// BlockedCount returns the number of residual sizes blocked from retry.
func (m *Manager) BlockedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocked)
}

// closePrice offsets the mark in the direction that favors a quick fill.
func (m *Manager) closePrice(side model.Side, mark decimal.Decimal) decimal.Decimal {
	offset := mark.Mul(m.cfg.CloseSpreadPct)
	if side == model.SideBuy {
		return mark.Sub(offset)
	}
	return mark.Add(offset)
}

func (m *Manager) isBlocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[key]
	return ok
}

func (m *Manager) bumpAttempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key]++
	return m.attempts[key]
}

func (m *Manager) block(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[key] = struct{}{}
}

func (m *Manager) clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	delete(m.blocked, key)
}

func positionKey(pos decimal.Decimal) string {
	return pos.StringFixed(5)
}

func newCloseClientID(side model.Side) string {
	return "close-" + side.String() + "-" + strings.Split(uuid.NewString(), "-")[0]
}
