// Package bot wires the ledger, deduplicator, state machine, hedge
// coordinator and close-order manager into one control loop. The loop owns
// every ledger and state mutation; the stream goroutine only publishes
// decoded events into the queue.
package bot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/bus"
	"github.com/bitwii/standx-maker-hedger/internal/closer"
	"github.com/bitwii/standx-maker-hedger/internal/dedup"
	"github.com/bitwii/standx-maker-hedger/internal/fsm"
	"github.com/bitwii/standx-maker-hedger/internal/hedge"
	"github.com/bitwii/standx-maker-hedger/internal/ledger"
	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/internal/risk"
	"github.com/bitwii/standx-maker-hedger/internal/venue"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

const _heartbeatInterval = time.Hour

// Config tunes the quoting and close behavior of the controller.
type Config struct {
	Symbol                  string
	OrderSize               decimal.Decimal
	SpreadPct               decimal.Decimal
	CancelDistancePct       decimal.Decimal
	CheckInterval           time.Duration
	HedgeEnabled            bool
	ClosePositionOnShutdown bool
}

// Journal receives fills and hedges for audit. Implementations must not
// block the control loop on failure.
type Journal interface {
	RecordFill(ctx context.Context, order model.TrackedOrder, event model.OrderEvent)
	RecordHedge(ctx context.Context, req model.HedgeRequest, succeeded bool)
}

// Deps bundles the collaborators the controller drives.
type Deps struct {
	Maker       venue.Maker
	Hedger      venue.Hedger
	Book        *ledger.Ledger
	Dedup       *dedup.Deduplicator
	Machine     *fsm.Machine
	Coordinator *hedge.Coordinator
	Closer      *closer.Manager
	Risk        *risk.Engine
	Queue       *bus.Queue
	Journal     Journal
}

// Controller is the single owner of order bookkeeping and bot state.
type Controller struct {
	cfg Config
	d   Deps

	mark decimal.Decimal

	// fills whose hedge the state machine refused, replayed next tick
	deferred []model.TrackedOrder

	lastStatus    statusLine
	lastHeartbeat time.Time
}

type statusLine struct {
	makerPos decimal.Decimal
	hedgePos decimal.Decimal
	orders   int
	trades   int
	totalPNL decimal.Decimal
}

func New(cfg Config, d Deps) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Controller{cfg: cfg, d: d, lastHeartbeat: time.Now()}
}

// OnStreamEvent hands a decoded record from the stream goroutine to the
// control loop. It never drops: a full queue blocks the stream until the
// loop catches up.
func (c *Controller) OnStreamEvent(ctx context.Context, e model.OrderEvent) error {
	if err := e.Validate(); err != nil {
		return errors.Wrap(err, "validate stream event")
	}
	return c.d.Queue.Publish(ctx, e)
}

// OnFillEvent applies one canonical event to the bookkeeping and, for
// qualifying fills, runs the hedge-then-close sequence. The control loop
// calls it for every drained event.
func (c *Controller) OnFillEvent(ctx context.Context, e model.OrderEvent) {
	switch e.Status {
	case model.EventStatusOpen:
		if c.d.Book.Confirm(e.ClientID, e.VenueID) {
			c.d.Machine.OnOrderConfirmed(e.ClientID)
		}
	case model.EventStatusPartiallyFilled:
		c.d.Book.OnFill(e.VenueID, e.FilledQty)
	case model.EventStatusFilled:
		c.handleFill(ctx, e)
	case model.EventStatusCancelled, model.EventStatusRejected:
		c.handleCancel(ctx, e)
	}
}

func (c *Controller) handleFill(ctx context.Context, e model.OrderEvent) {
	order, ok := c.d.Book.OnFill(e.VenueID, e.FilledQty)
	if !ok {
		return
	}
	if !c.d.Dedup.Admit(e.VenueID) {
		logs.Warnf("bot: duplicate fill for %s ignored", e.VenueID)
		return
	}
	if c.d.Journal != nil {
		c.d.Journal.RecordFill(ctx, order, e)
	}

	if order.IsCloseOrder {
		logs.Infof("bot: close order %s filled, flattening hedge", e.VenueID)
		if err := c.d.Closer.OnCloseOrderFilled(ctx); err != nil {
			logs.Errorf("bot: close hedge after fill: %+v", err)
		}
		c.d.Machine.OnPositionResolved(len(c.d.Book.MakerOrders()) > 0)
		return
	}

	logs.Infof("bot: fill detected %s %s @ %s", order.Side, order.FilledQty, order.Price)
	c.hedgeAndClose(ctx, order)
}

func (c *Controller) handleCancel(ctx context.Context, e model.OrderEvent) {
	order, removed := c.d.Book.OnCancel(e.VenueID)
	c.d.Machine.OnOrderCancelled(e.ClientID)
	if !removed || !order.IsCloseOrder {
		return
	}
	if err := c.d.Closer.OnCloseOrderCancelled(ctx); err != nil {
		logs.Errorf("bot: replace cancelled close order: %+v", err)
	}
}

// hedgeAndClose opens the offsetting hedge position, then rests a maker
// close order on the same side as the hedge so both legs unwind together.
func (c *Controller) hedgeAndClose(ctx context.Context, order model.TrackedOrder) {
	if !c.cfg.HedgeEnabled {
		logs.Warnf("bot: hedging disabled, fill %s left unhedged", order.VenueID)
		return
	}
	if !c.d.Machine.OnHedgingStart() {
		logs.Warnf("bot: fill %s qualified while %s, deferring hedge to next tick", order.VenueID, c.d.Machine.State())
		c.deferred = append(c.deferred, order)
		return
	}

	req := model.HedgeRequest{
		Side:          order.Side.Opposite(),
		Quantity:      order.FilledQty,
		CorrelationID: order.VenueID,
	}
	err := c.d.Coordinator.Hedge(ctx, req)
	if c.d.Journal != nil {
		c.d.Journal.RecordHedge(ctx, req, err == nil)
	}
	if err != nil {
		logs.Errorf("bot: hedge failed, manual intervention required: %+v", err)
		return
	}
	c.d.Risk.RecordTrade(decimal.Zero)
	c.d.Machine.OnHedgingComplete()

	if err := c.d.Closer.PlaceOrClose(ctx, req.Side, req.Quantity); err != nil &&
		!errors.Is(err, exception.ErrCloseOrderExists) {
		logs.Errorf("bot: place close order: %+v", err)
	}
}

// retryDeferred replays fills whose hedge was refused, typically because a
// cancel sweep was in flight when they arrived. Tick runs first, so a timed
// out CANCELLING has already been released.
func (c *Controller) retryDeferred(ctx context.Context) {
	if len(c.deferred) == 0 {
		return
	}
	pending := c.deferred
	c.deferred = nil
	for _, order := range pending {
		c.hedgeAndClose(ctx, order)
	}
}

// RunControlLoopTick executes one pass of the control loop: drain the event
// queue, advance timeouts, maintain quotes and close orders, report status.
func (c *Controller) RunControlLoopTick(ctx context.Context) error {
	c.d.Queue.Drain(func(e model.OrderEvent) { c.OnFillEvent(ctx, e) })
	c.d.Machine.Tick()
	c.retryDeferred(ctx)

	if c.d.Risk.EmergencyStopped() {
		return errors.Wrap(exception.ErrEmergencyStopActive, "control loop")
	}

	if err := c.maintainQuotes(ctx); err != nil {
		logs.Errorf("bot: maintain quotes: %+v", err)
	}

	if c.d.Risk.EmergencyStopped() {
		return errors.Wrap(exception.ErrEmergencyStopActive, "control loop")
	}

	if err := c.manageCloseOrders(ctx); err != nil {
		logs.Errorf("bot: manage close orders: %+v", err)
	}

	c.reportStatus(ctx)
	return nil
}

// maintainQuotes cancels quotes that drifted within the cancel distance of
// mark and re-places the bid/ask pair when none are resting.
func (c *Controller) maintainQuotes(ctx context.Context) error {
	mark, err := c.d.Maker.QueryMarkPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "query mark price")
	}
	if !mark.IsPositive() {
		logs.Warnf("bot: invalid mark price %s, skipping quote maintenance", mark)
		return nil
	}
	c.mark = mark

	quotes := c.d.Book.MakerOrders()
	if tooClose := c.quoteTooClose(quotes, mark); tooClose && c.d.Machine.CanCancelOrders() {
		ids := c.d.Book.CancellableIDs()
		if len(ids) > 0 {
			c.d.Machine.OnCancellingOrders(c.clientIDs(quotes))
			if err := c.d.Maker.CancelOrders(ctx, ids); err != nil {
				return errors.Wrap(err, "cancel drifted quotes")
			}
		}
		return nil
	}

	if len(quotes) == 0 && c.d.Machine.CanPlaceOrders() {
		return c.placeQuotes(ctx, mark)
	}
	return nil
}

func (c *Controller) quoteTooClose(quotes []model.TrackedOrder, mark decimal.Decimal) bool {
	for _, o := range quotes {
		if o.Price.Sub(mark).Abs().Div(mark).LessThan(c.cfg.CancelDistancePct) {
			logs.Infof("bot: %s quote %s too close to mark %s", o.Side, o.Price, mark)
			return true
		}
	}
	return false
}

// placeQuotes rests a bid and an ask one spread away from mark. Prices are
// floored to the venue's whole-unit tick.
func (c *Controller) placeQuotes(ctx context.Context, mark decimal.Decimal) error {
	if !c.d.Risk.CanPlaceOrder(c.d.Book.Len()) {
		logs.Warnf("bot: open-order limit reached, skipping quote placement")
		return nil
	}

	offset := mark.Mul(c.cfg.SpreadPct)
	bid := mark.Sub(offset).Floor()
	ask := mark.Add(offset).Floor()

	bidID := newClientID(model.SideBuy)
	askID := newClientID(model.SideSell)
	c.d.Machine.OnPlacingOrders([]string{bidID, askID})

	if err := c.placeQuote(ctx, model.SideBuy, bid, bidID); err != nil {
		return err
	}
	return c.placeQuote(ctx, model.SideSell, ask, askID)
}

func (c *Controller) placeQuote(ctx context.Context, side model.Side, price decimal.Decimal, clientID string) error {
	if _, err := c.d.Book.Track(clientID, side, price, c.cfg.OrderSize, false); err != nil {
		return errors.Wrap(err, "track quote")
	}
	venueID, err := c.d.Maker.PlaceOrder(ctx, side, price, c.cfg.OrderSize, clientID)
	if err != nil {
		c.d.Book.Remove(clientID)
		return errors.Wrap(err, "place quote").With("side", side).With("price", price)
	}
	if c.d.Book.Confirm(clientID, venueID) {
		c.d.Machine.OnOrderConfirmed(clientID)
	}
	logs.Infof("bot: %s quote placed %s @ %s", side, c.cfg.OrderSize, price)
	return nil
}

// manageCloseOrders reconciles both venue positions against the tracked
// close order: places a missing one, flattens hedge-only residue, and
// re-prices favorably drifted close orders.
func (c *Controller) manageCloseOrders(ctx context.Context) error {
	makerPos, err := c.d.Maker.QueryPosition(ctx)
	if err != nil {
		return errors.Wrap(err, "query maker position")
	}
	hedgePos := decimal.Zero
	if c.cfg.HedgeEnabled {
		if hedgePos, err = c.d.Hedger.GetPosition(ctx); err != nil {
			return errors.Wrap(err, "query hedge position")
		}
		c.d.Coordinator.Reconcile(hedgePos)
	}

	if makerPos.IsZero() && hedgePos.IsZero() {
		if order, ok := c.d.Book.CloseOrder(); ok {
			c.d.Book.Remove(order.ClientID)
		}
		return nil
	}

	if _, ok := c.d.Book.CloseOrder(); !ok {
		switch {
		case !makerPos.IsZero():
			logs.Warnf("bot: position %s with no close order tracked, placing one", makerPos)
			side := model.SideSell
			if makerPos.IsNegative() {
				side = model.SideBuy
			}
			return c.d.Closer.PlaceOrClose(ctx, side, makerPos.Abs())
		case !hedgePos.IsZero():
			logs.Warnf("bot: maker flat but hedge venue holds %s, flattening", hedgePos)
			err := c.d.Closer.CloseHedge(ctx, hedgePos)
			if errors.Is(err, exception.ErrCloseRetryExhausted) {
				logs.Errorf("bot: hedge residue %s blocked after repeated failures, manual close required", hedgePos)
				return nil
			}
			return err
		}
		return nil
	}

	return c.d.Closer.MaybeAdjust(ctx, c.mark)
}

// Run drives the control loop until the context ends or the emergency stop
// trips, then shuts down.
func (c *Controller) Run(ctx context.Context) error {
	logs.Infof("bot: starting %s maker hedger", c.cfg.Symbol)

	if err := c.maintainQuotes(ctx); err != nil {
		logs.Errorf("bot: initial quote placement: %+v", err)
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Shutdown(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := c.RunControlLoopTick(ctx); err != nil {
				logs.Errorf("bot: emergency stop triggered, shutting down")
				shutdownErr := c.Shutdown(context.WithoutCancel(ctx))
				if shutdownErr != nil {
					logs.Errorf("bot: shutdown: %+v", shutdownErr)
				}
				return err
			}
		}
	}
}

// Status reports the externally visible state summary.
func (c *Controller) Status(ctx context.Context) model.StatusSnapshot {
	snap := model.StatusSnapshot{
		State:         c.d.Machine.State(),
		TrackedOrders: c.d.Book.Len(),
	}
	snap.PendingPlace, snap.PendingCancel = c.d.Machine.PendingCounts()
	if pos, err := c.d.Maker.QueryPosition(ctx); err == nil {
		snap.MakerPosition = pos
	}
	if c.cfg.HedgeEnabled {
		if pos, err := c.d.Hedger.GetPosition(ctx); err == nil {
			snap.HedgePosition = pos
		}
	}
	return snap
}

// Shutdown cancels resting orders and, when configured, market-closes the
// hedge exposure. Restart recovery relies on venue queries, not local
// state, so nothing is persisted here.
func (c *Controller) Shutdown(ctx context.Context) error {
	logs.Info("bot: shutting down")
	c.d.Queue.Close()
	if n := len(c.deferred); n > 0 {
		logs.Errorf("bot: %d unhedged fills still deferred at shutdown, manual intervention required", n)
	}

	if ids := c.d.Book.CancellableIDs(); len(ids) > 0 {
		logs.Infof("bot: cancelling %d resting orders", len(ids))
		if err := c.d.Maker.CancelOrders(ctx, ids); err != nil {
			logs.Errorf("bot: cancel on shutdown: %+v", err)
		}
	}

	if c.cfg.ClosePositionOnShutdown && c.cfg.HedgeEnabled {
		pos, err := c.d.Hedger.GetPosition(ctx)
		if err != nil {
			return errors.Wrap(err, "query hedge position on shutdown")
		}
		if !pos.IsZero() {
			logs.Infof("bot: closing hedge position %s on shutdown", pos)
			if err := c.d.Closer.CloseHedge(ctx, pos); err != nil {
				return errors.Wrap(err, "close hedge on shutdown")
			}
		}
	}

	logs.Info("bot: shutdown complete")
	return nil
}

// reportStatus logs a compact line when anything material changed, plus an
// hourly heartbeat so a quiet bot still proves liveness.
func (c *Controller) reportStatus(ctx context.Context) {
	snap := c.Status(ctx)
	rs := c.d.Risk.Status()

	line := statusLine{
		makerPos: snap.MakerPosition,
		hedgePos: snap.HedgePosition,
		orders:   snap.TrackedOrders,
		trades:   rs.TradeCount,
		totalPNL: rs.TotalPNL,
	}
	heartbeat := time.Since(c.lastHeartbeat) >= _heartbeatInterval
	if !heartbeat && line.equal(c.lastStatus) {
		return
	}

	logs.Infof("status: %s mark=%s state=%s orders=%d pos: maker=%s hedge=%s pnl=%s trades=%d",
		c.cfg.Symbol, c.mark, snap.State, line.orders,
		line.makerPos, line.hedgePos, line.totalPNL, line.trades)

	c.lastStatus = line
	if heartbeat {
		c.lastHeartbeat = time.Now()
	}
}

func (s statusLine) equal(o statusLine) bool {
	return s.makerPos.Equal(o.makerPos) &&
		s.hedgePos.Equal(o.hedgePos) &&
		s.orders == o.orders &&
		s.trades == o.trades &&
		s.totalPNL.Equal(o.totalPNL)
}

func (c *Controller) clientIDs(orders []model.TrackedOrder) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ClientID)
	}
	return ids
}

func newClientID(side model.Side) string {
	return "mm-" + side.String() + "-" + uuid.NewString()[:8]
}
