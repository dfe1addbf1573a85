package closer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/internal/ledger"
	"github.com/bitwii/standx-maker-hedger/internal/model"
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
}

type fakeMaker struct {
	mark      decimal.Decimal
	position  decimal.Decimal
	placed    []placedOrder
	cancelled []string
	seq       int
}

func (f *fakeMaker) Connect(context.Context) (string, error) { return "token", nil }

func (f *fakeMaker) PlaceOrder(_ context.Context, side model.Side, price, qty decimal.Decimal, clientID string) (string, error) {
	f.placed = append(f.placed, placedOrder{side: side, price: price, qty: qty, clientID: clientID})
	f.seq++
	return fmt.Sprintf("vx-%d", f.seq), nil
}

func (f *fakeMaker) CancelOrders(_ context.Context, ids []string) error {
	f.cancelled = append(f.cancelled, ids...)
	return nil
}

func (f *fakeMaker) QueryOpenOrders(context.Context) ([]model.OrderEvent, error) { return nil, nil }

func (f *fakeMaker) QueryPosition(context.Context) (decimal.Decimal, error) {
	return f.position, nil
}

func (f *fakeMaker) QueryMarkPrice(context.Context) (decimal.Decimal, error) {
	return f.mark, nil
}

type fakeHedger struct {
	position    decimal.Decimal
	failures    int
	closes      []placedOrder
	closeToZero bool
}

func (f *fakeHedger) Connect(context.Context) error { return nil }

func (f *fakeHedger) PlaceHedgeOrder(context.Context, model.Side, decimal.Decimal, decimal.Decimal) error {
	return nil
}

func (f *fakeHedger) PlaceMarketCloseOrder(_ context.Context, side model.Side, qty decimal.Decimal) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("margin error")
	}
	f.closes = append(f.closes, placedOrder{side: side, qty: qty})
	if f.closeToZero {
		f.position = decimal.Zero
	}
	return nil
}

func (f *fakeHedger) GetPosition(context.Context) (decimal.Decimal, error) {
	return f.position, nil
}

func (f *fakeHedger) GetBalance(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func newManager(maker *fakeMaker, hedger *fakeHedger) (*Manager, *ledger.Ledger) {
	book := ledger.New(ledger.Config{})
	m := New(Config{
		CloseSpreadPct:     dec("0.0001"),
		AdjustThresholdPct: dec("0.0005"),
		RetryBase:          time.Millisecond,
	}, maker, hedger, book)
	m.sleep = func(time.Duration) {}
	return m, book
}

func TestPlaceOrClosePricesSellAboveMark(t *testing.T) {
	maker := &fakeMaker{mark: dec("90416")}
	m, book := newManager(maker, &fakeHedger{})

	require.NoError(t, m.PlaceOrClose(t.Context(), model.SideSell, dec("0.001")))

	require.Len(t, maker.placed, 1)
	want := dec("90416").Add(dec("90416").Mul(dec("0.0001")))
	assert.Equal(t, model.SideSell, maker.placed[0].side)
	assert.True(t, maker.placed[0].price.Equal(want), "got %s want %s", maker.placed[0].price, want)

	order, ok := book.CloseOrder()
	require.True(t, ok)
	assert.True(t, order.IsCloseOrder)
	assert.NotEmpty(t, order.VenueID)
}

func TestPlaceOrClosePricesBuyBelowMark(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000")}
	m, _ := newManager(maker, &fakeHedger{})

	require.NoError(t, m.PlaceOrClose(t.Context(), model.SideBuy, dec("0.002")))

	want := dec("90000").Sub(dec("90000").Mul(dec("0.0001")))
	assert.True(t, maker.placed[0].price.Equal(want))
}

func TestAtMostOneCloseOrder(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000")}
	m, _ := newManager(maker, &fakeHedger{})

	require.NoError(t, m.PlaceOrClose(t.Context(), model.SideSell, dec("0.001")))
	err := m.PlaceOrClose(t.Context(), model.SideSell, dec("0.001"))
	require.ErrorIs(t, err, exception.ErrCloseOrderExists)
	assert.Len(t, maker.placed, 1)
}

func TestMaybeAdjustSellOnlyUpward(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000")}
	m, _ := newManager(maker, &fakeHedger{})
	require.NoError(t, m.PlaceOrClose(t.Context(), model.SideSell, dec("0.001")))

	// unfavorable move: price fell, sell close must not chase down
	require.NoError(t, m.MaybeAdjust(t.Context(), dec("89000")))
	assert.Empty(t, maker.cancelled)
	assert.Len(t, maker.placed, 1)

	// small favorable move below threshold: no adjustment
	require.NoError(t, m.MaybeAdjust(t.Context(), dec("90020")))
	assert.Empty(t, maker.cancelled)

	// favorable move beyond threshold: cancel and re-place higher
	maker.mark = dec("91000")
	require.NoError(t, m.MaybeAdjust(t.Context(), dec("91000")))
	require.Len(t, maker.cancelled, 1)
	require.Len(t, maker.placed, 2)
	assert.True(t, maker.placed[1].price.GreaterThan(maker.placed[0].price))
}

func TestMaybeAdjustBuyOnlyDownward(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000")}
	m, _ := newManager(maker, &fakeHedger{})
	require.NoError(t, m.PlaceOrClose(t.Context(), model.SideBuy, dec("0.001")))

	// price rose: a buy close never chases upward
	maker.mark = dec("91000")
	require.NoError(t, m.MaybeAdjust(t.Context(), dec("91000")))
	assert.Len(t, maker.placed, 1)

	// price fell beyond threshold: adjust downward
	maker.mark = dec("89000")
	require.NoError(t, m.MaybeAdjust(t.Context(), dec("89000")))
	require.Len(t, maker.placed, 2)
	assert.True(t, maker.placed[1].price.LessThan(maker.placed[0].price))
}

func TestCancelledCloseOrderReplacedFromPosition(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000"), position: dec("0.001")}
	m, _ := newManager(maker, &fakeHedger{})

	require.NoError(t, m.OnCloseOrderCancelled(t.Context()))

	require.Len(t, maker.placed, 1)
	assert.Equal(t, model.SideSell, maker.placed[0].side)
	assert.True(t, maker.placed[0].qty.Equal(dec("0.001")))
}

func TestCancelledCloseOrderNoPositionNoop(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000"), position: decimal.Zero}
	m, _ := newManager(maker, &fakeHedger{})

	require.NoError(t, m.OnCloseOrderCancelled(t.Context()))
	assert.Empty(t, maker.placed)
}

func TestCloseHedgeVerifiesAndClears(t *testing.T) {
	hedger := &fakeHedger{position: dec("-0.003"), closeToZero: true}
	m, _ := newManager(&fakeMaker{mark: dec("90000")}, hedger)

	require.NoError(t, m.CloseHedge(t.Context(), dec("-0.003")))
	require.Len(t, hedger.closes, 1)
	assert.Equal(t, model.SideBuy, hedger.closes[0].side)
	assert.True(t, hedger.closes[0].qty.Equal(dec("0.003")))
}

func TestCloseHedgeBlocksAfterCeiling(t *testing.T) {
	hedger := &fakeHedger{position: dec("0.002"), failures: 1 << 30}
	m, _ := newManager(&fakeMaker{mark: dec("90000")}, hedger)
	m.cfg.MaxCloseAttempts = 3

	for i := 0; i < 3; i++ {
		err := m.CloseHedge(t.Context(), dec("0.002"))
		require.ErrorIs(t, err, exception.ErrHedgeFailed)
	}

	// ceiling exhausted: the residual size is permanently blocked
	err := m.CloseHedge(t.Context(), dec("0.002"))
	require.ErrorIs(t, err, exception.ErrCloseRetryExhausted)
	assert.Equal(t, 1, m.BlockedCount())

	// blocked sizes never reach the venue again
	closesBefore := len(hedger.closes)
	_ = m.CloseHedge(t.Context(), dec("0.002"))
	assert.Equal(t, closesBefore, len(hedger.closes))

	m.ResetBlocked()
	assert.Equal(t, 0, m.BlockedCount())
}

func TestCloseHedgeZeroPositionNoop(t *testing.T) {
	hedger := &fakeHedger{}
	m, _ := newManager(&fakeMaker{}, hedger)

	require.NoError(t, m.CloseHedge(t.Context(), decimal.Zero))
	assert.Empty(t, hedger.closes)
}

func TestNoHedgeVenueWired(t *testing.T) {
	maker := &fakeMaker{mark: dec("90000")}
	book := ledger.New(ledger.Config{})
	m := New(Config{CloseSpreadPct: dec("0.0001")}, maker, nil, book)
	m.sleep = func(time.Duration) {}

	require.NotPanics(t, func() {
		assert.NoError(t, m.OnCloseOrderFilled(t.Context()))
	})
	assert.ErrorIs(t, m.CloseHedge(t.Context(), dec("0.001")), exception.ErrNilInstance)
}
