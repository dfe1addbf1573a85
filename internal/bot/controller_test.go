package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/internal/bus"
	"github.com/bitwii/standx-maker-hedger/internal/closer"
	"github.com/bitwii/standx-maker-hedger/internal/dedup"
	"github.com/bitwii/standx-maker-hedger/internal/fsm"
	"github.com/bitwii/standx-maker-hedger/internal/hedge"
	"github.com/bitwii/standx-maker-hedger/internal/ledger"
	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/internal/risk"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type placedOrder struct {
	side     model.Side
	price    decimal.Decimal
	qty      decimal.Decimal
	clientID string
	venueID  string
}

type fakeMaker struct {
	mu        sync.Mutex
	mark      decimal.Decimal
	position  decimal.Decimal
	placed    []placedOrder
	cancelled []string
	nextID    int
}

func (f *fakeMaker) Connect(context.Context) (string, error) { return "token", nil }

func (f *fakeMaker) PlaceOrder(_ context.Context, side model.Side, price, qty decimal.Decimal, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	venueID := "sx-" + decimal.NewFromInt(int64(f.nextID)).String()
	f.placed = append(f.placed, placedOrder{side, price, qty, clientID, venueID})
	return venueID, nil
}

func (f *fakeMaker) CancelOrders(_ context.Context, venueIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, venueIDs...)
	return nil
}

func (f *fakeMaker) QueryOpenOrders(context.Context) ([]model.OrderEvent, error) {
	return nil, nil
}

func (f *fakeMaker) QueryPosition(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeMaker) QueryMarkPrice(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark, nil
}

type fakeHedger struct {
	mu       sync.Mutex
	position decimal.Decimal
	hedges   []model.HedgeRequest
	closes   []model.HedgeRequest
	failures int
}

func (f *fakeHedger) Connect(context.Context) error { return nil }

func (f *fakeHedger) PlaceHedgeOrder(_ context.Context, side model.Side, qty, _ decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("venue rejected order")
	}
	f.hedges = append(f.hedges, model.HedgeRequest{Side: side, Quantity: qty})
	if side == model.SideBuy {
		f.position = f.position.Add(qty)
	} else {
		f.position = f.position.Sub(qty)
	}
	return nil
}

func (f *fakeHedger) PlaceMarketCloseOrder(_ context.Context, side model.Side, qty decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, model.HedgeRequest{Side: side, Quantity: qty})
	f.position = decimal.Zero
	return nil
}

func (f *fakeHedger) GetPosition(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeHedger) GetBalance(context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"USDC": dec("1000")}, nil
}

func newController(maker *fakeMaker, hedger *fakeHedger) *Controller {
	riskEngine := risk.NewEngine(risk.Config{
		MaxPositionSize: dec("1"),
		MaxDailyLoss:    dec("1000"),
		TotalStopLoss:   dec("5000"),
	})
	book := ledger.New(ledger.Config{})
	coord := hedge.New(hedge.Config{RetryBackoff: time.Millisecond}, hedger, riskEngine)
	clo := closer.New(closer.Config{
		CloseSpreadPct:     dec("0.0001"),
		AdjustThresholdPct: dec("0.0005"),
		RetryBase:          time.Millisecond,
	}, maker, hedger, book)

	return New(Config{
		Symbol:            "BTC-USD",
		OrderSize:         dec("0.001"),
		SpreadPct:         dec("0.001"),
		CancelDistancePct: dec("0.0005"),
		CheckInterval:     time.Millisecond,
		HedgeEnabled:      true,
	}, Deps{
		Maker:       maker,
		Hedger:      hedger,
		Book:        book,
		Dedup:       dedup.New(dedup.Config{}),
		Machine:     fsm.New(fsm.Config{}),
		Coordinator: coord,
		Closer:      clo,
		Risk:        riskEngine,
		Queue:       bus.NewQueue(16),
	})
}

// trackFilledQuote seeds the ledger with a confirmed maker quote, as if a
// prior tick had placed it.
func trackFilledQuote(t *testing.T, c *Controller, clientID, venueID string, side model.Side, price, qty string) {
	t.Helper()
	_, err := c.d.Book.Track(clientID, side, dec(price), dec(qty), false)
	require.NoError(t, err)
	require.True(t, c.d.Book.Confirm(clientID, venueID))
}

func TestFillHedgesThenPlacesSellClose(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	trackFilledQuote(t, c, "mm-buy-1", "sx-buy-1", model.SideBuy, "99900", "0.001")

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID:   "sx-buy-1",
		ClientID:  "mm-buy-1",
		Side:      model.SideBuy,
		FilledQty: dec("0.001"),
		Status:    model.EventStatusFilled,
	})

	require.Len(t, hedger.hedges, 1)
	assert.Equal(t, model.SideSell, hedger.hedges[0].Side)
	assert.True(t, hedger.hedges[0].Quantity.Equal(dec("0.001")))

	closeOrder, ok := c.d.Book.CloseOrder()
	require.True(t, ok)
	assert.Equal(t, model.SideSell, closeOrder.Side)
	assert.True(t, closeOrder.Price.Equal(dec("100010")), "sell close rests above mark, got %s", closeOrder.Price)
	assert.Equal(t, model.BotStateClosing, c.d.Machine.State())
}

func TestDuplicateFillHedgesOnce(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	trackFilledQuote(t, c, "mm-buy-1", "sx-buy-1", model.SideBuy, "99900", "0.001")

	fill := model.OrderEvent{
		VenueID:   "sx-buy-1",
		ClientID:  "mm-buy-1",
		Side:      model.SideBuy,
		FilledQty: dec("0.001"),
		Status:    model.EventStatusFilled,
	}
	c.OnFillEvent(t.Context(), fill)
	c.OnFillEvent(t.Context(), fill)

	assert.Len(t, hedger.hedges, 1)
	assert.True(t, hedger.position.Equal(dec("-0.001")))
}

func TestTwoFillsProduceTwoHedges(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	trackFilledQuote(t, c, "mm-buy-1", "sx-buy-1", model.SideBuy, "99900", "0.001")
	trackFilledQuote(t, c, "mm-buy-2", "sx-buy-2", model.SideBuy, "99890", "0.002")

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-buy-1", ClientID: "mm-buy-1", Side: model.SideBuy,
		FilledQty: dec("0.001"), Status: model.EventStatusFilled,
	})
	time.Sleep(50 * time.Millisecond)
	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-buy-2", ClientID: "mm-buy-2", Side: model.SideBuy,
		FilledQty: dec("0.002"), Status: model.EventStatusFilled,
	})

	require.Len(t, hedger.hedges, 2)
	assert.True(t, hedger.position.Equal(dec("-0.003")), "got %s", hedger.position)
}

func TestHedgeExhaustionTripsEmergencyStop(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{failures: 3}
	c := newController(maker, hedger)

	trackFilledQuote(t, c, "mm-buy-1", "sx-buy-1", model.SideBuy, "99900", "0.001")

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-buy-1", ClientID: "mm-buy-1", Side: model.SideBuy,
		FilledQty: dec("0.001"), Status: model.EventStatusFilled,
	})

	assert.Empty(t, hedger.hedges)
	assert.True(t, c.d.Risk.EmergencyStopped())

	err := c.RunControlLoopTick(t.Context())
	assert.ErrorIs(t, err, exception.ErrEmergencyStopActive)
}

func TestCloseOrderFillFlattensHedge(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{position: dec("-0.001")}
	c := newController(maker, hedger)

	_, err := c.d.Book.Track("close-sell-1", model.SideSell, dec("100010"), dec("0.001"), true)
	require.NoError(t, err)
	require.True(t, c.d.Book.Confirm("close-sell-1", "sx-close-1"))

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-close-1", ClientID: "close-sell-1", Side: model.SideSell,
		FilledQty: dec("0.001"), Status: model.EventStatusFilled,
	})

	require.Len(t, hedger.closes, 1)
	assert.True(t, hedger.position.IsZero())
}

func TestCancelledCloseOrderReplacedByControlLoop(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000"), position: dec("0.001")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	_, err := c.d.Book.Track("close-sell-1", model.SideSell, dec("100010"), dec("0.001"), true)
	require.NoError(t, err)
	require.True(t, c.d.Book.Confirm("close-sell-1", "sx-close-1"))

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-close-1", ClientID: "close-sell-1", Side: model.SideSell,
		Status: model.EventStatusCancelled,
	})

	replacement, ok := c.d.Book.CloseOrder()
	require.True(t, ok, "close order must be re-placed while position is open")
	assert.Equal(t, model.SideSell, replacement.Side)
	assert.True(t, replacement.RequestedQty.Equal(dec("0.001")))
	require.Len(t, maker.placed, 1)
}

func TestCancelAfterPartialFillKeepsCloseOrder(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000"), position: dec("0.001")}
	c := newController(maker, &fakeHedger{})

	_, err := c.d.Book.Track("close-sell-1", model.SideSell, dec("100010"), dec("0.001"), true)
	require.NoError(t, err)
	require.True(t, c.d.Book.Confirm("close-sell-1", "sx-close-1"))
	_, ok := c.d.Book.OnFill("sx-close-1", dec("0.0004"))
	require.True(t, ok)

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-close-1", ClientID: "close-sell-1", Side: model.SideSell,
		Status: model.EventStatusCancelled,
	})

	// the fill won the race: the order stays tracked, nothing is re-placed
	assert.Empty(t, maker.placed)
	got, ok := c.d.Book.CloseOrder()
	require.True(t, ok)
	assert.Equal(t, "close-sell-1", got.ClientID)
}

func TestTickPlacesQuotesAroundMark(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	require.NoError(t, c.RunControlLoopTick(t.Context()))

	require.Len(t, maker.placed, 2)
	assert.Equal(t, model.SideBuy, maker.placed[0].side)
	assert.True(t, maker.placed[0].price.Equal(dec("99900")))
	assert.Equal(t, model.SideSell, maker.placed[1].side)
	assert.True(t, maker.placed[1].price.Equal(dec("100100")))
	assert.Equal(t, 2, c.d.Book.Len())
}

func TestTickCancelsQuotesTooCloseToMark(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	require.NoError(t, c.RunControlLoopTick(t.Context()))
	require.Len(t, maker.placed, 2)
	require.Equal(t, model.BotStateMarketMaking, c.d.Machine.State())

	// Mark drifts right onto the bid.
	maker.mu.Lock()
	maker.mark = dec("99910")
	maker.mu.Unlock()

	require.NoError(t, c.RunControlLoopTick(t.Context()))
	assert.ElementsMatch(t, []string{maker.placed[0].venueID, maker.placed[1].venueID}, maker.cancelled,
		"cancels must target the venue-assigned ids")
	assert.Equal(t, model.BotStateCancelling, c.d.Machine.State())

	// Cancels confirm, next tick re-quotes around the new mark.
	for _, p := range maker.placed[:2] {
		c.OnFillEvent(t.Context(), model.OrderEvent{
			VenueID: p.venueID, ClientID: p.clientID, Side: p.side,
			Status: model.EventStatusCancelled,
		})
	}
	require.NoError(t, c.RunControlLoopTick(t.Context()))
	require.Len(t, maker.placed, 4)
	assert.True(t, maker.placed[2].price.Equal(dec("99810")))
}

func TestFillDuringCancelSweepDeferredToNextTick(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	trackFilledQuote(t, c, "mm-buy-1", "sx-buy-1", model.SideBuy, "99900", "0.001")
	trackFilledQuote(t, c, "mm-sell-1", "sx-sell-1", model.SideSell, "100100", "0.001")
	require.True(t, c.d.Machine.OnPlacingOrders([]string{"mm-buy-1", "mm-sell-1"}))
	c.d.Machine.OnOrderConfirmed("mm-buy-1")
	c.d.Machine.OnOrderConfirmed("mm-sell-1")
	require.True(t, c.d.Machine.OnCancellingOrders([]string{"mm-sell-1"}))

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-buy-1", ClientID: "mm-buy-1", Side: model.SideBuy,
		FilledQty: dec("0.001"), Status: model.EventStatusFilled,
	})

	// the hedge waits until the cancel sweep resolves
	assert.Empty(t, hedger.hedges)
	assert.Equal(t, model.BotStateCancelling, c.d.Machine.State())
	_, ok := c.d.Book.CloseOrder()
	assert.False(t, ok)

	c.OnFillEvent(t.Context(), model.OrderEvent{
		VenueID: "sx-sell-1", ClientID: "mm-sell-1", Side: model.SideSell,
		Status: model.EventStatusCancelled,
	})
	require.NoError(t, c.RunControlLoopTick(t.Context()))

	require.Len(t, hedger.hedges, 1)
	assert.Equal(t, model.SideSell, hedger.hedges[0].Side)
	_, ok = c.d.Book.CloseOrder()
	assert.True(t, ok)
	assert.Equal(t, model.BotStateClosing, c.d.Machine.State())
}

func TestHedgeOnlyResidueFlattened(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{position: dec("-0.002")}
	c := newController(maker, hedger)

	require.NoError(t, c.RunControlLoopTick(t.Context()))

	require.Len(t, hedger.closes, 1)
	assert.True(t, hedger.position.IsZero())
}

func TestShutdownCancelsRestingOrders(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	hedger := &fakeHedger{}
	c := newController(maker, hedger)

	require.NoError(t, c.RunControlLoopTick(t.Context()))
	require.Len(t, maker.placed, 2)

	require.NoError(t, c.Shutdown(t.Context()))
	assert.ElementsMatch(t, []string{maker.placed[0].venueID, maker.placed[1].venueID}, maker.cancelled,
		"cancels must target the venue-assigned ids")
	assert.ErrorIs(t, c.d.Queue.TryPublish(model.OrderEvent{}), bus.ErrQueueClosed)
}

func TestStreamEventRejectsInvalidRecord(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000")}
	c := newController(maker, &fakeHedger{})

	err := c.OnStreamEvent(t.Context(), model.OrderEvent{ClientID: "mm-buy-1"})
	require.Error(t, err)
	assert.Equal(t, 0, c.d.Queue.Len())
}

func TestStatusSnapshot(t *testing.T) {
	maker := &fakeMaker{mark: dec("100000"), position: dec("0.001")}
	hedger := &fakeHedger{position: dec("-0.001")}
	c := newController(maker, hedger)

	snap := c.Status(t.Context())
	assert.Equal(t, model.BotStateIdle, snap.State)
	assert.True(t, snap.MakerPosition.Equal(dec("0.001")))
	assert.True(t, snap.HedgePosition.Equal(dec("-0.001")))
	assert.True(t, snap.NetExposure().IsZero())
}
