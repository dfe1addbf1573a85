package ledger

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTrackAndConfirm(t *testing.T) {
	l := New(Config{})

	o, err := l.Track("cl-1", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusOpen, o.Status)
	assert.Empty(t, o.VenueID)

	_, err = l.Track("cl-1", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.Error(t, err)

	require.True(t, l.Confirm("cl-1", "vx-1"))
	got, ok := l.GetByVenue("vx-1")
	require.True(t, ok)
	assert.Equal(t, "cl-1", got.ClientID)

	// repeat confirmation is a no-op, even with a different id
	assert.False(t, l.Confirm("cl-1", "vx-2"))
	_, ok = l.GetByVenue("vx-2")
	assert.False(t, ok)
}

func TestOnFillUnknownOrderIgnored(t *testing.T) {
	l := New(Config{})

	_, ok := l.OnFill("vx-missing", dec("0.01"))
	assert.False(t, ok)
}

func TestOnFillPartialThenFull(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-1", model.SideSell, dec("91000"), dec("0.01"), false)
	require.NoError(t, err)
	require.True(t, l.Confirm("cl-1", "vx-1"))

	o, ok := l.OnFill("vx-1", dec("0.004"))
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPartiallyResolved, o.Status)
	assert.True(t, o.FilledQty.Equal(dec("0.004")))

	o, ok = l.OnFill("vx-1", dec("0.01"))
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusTerminal, o.Status)

	// fully filled orders leave the live set but stay in terminal retention
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.WasResolved("vx-1"))
}

func TestFilledQtyNeverExceedsRequested(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-1", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.NoError(t, err)
	require.True(t, l.Confirm("cl-1", "vx-1"))

	o, ok := l.OnFill("vx-1", dec("0.5"))
	require.True(t, ok)
	assert.True(t, o.FilledQty.Equal(dec("0.01")))
	assert.Equal(t, model.OrderStatusTerminal, o.Status)
}

func TestCancelRemovesOnlyUnfilled(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-1", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.NoError(t, err)
	require.True(t, l.Confirm("cl-1", "vx-1"))

	o, ok := l.OnCancel("vx-1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusTerminal, o.Status)
	assert.Equal(t, 0, l.Len())
}

func TestFillWinsOverRacingCancel(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-1", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.NoError(t, err)
	require.True(t, l.Confirm("cl-1", "vx-1"))

	_, ok := l.OnFill("vx-1", dec("0.004"))
	require.True(t, ok)

	o, removed := l.OnCancel("vx-1")
	assert.False(t, removed)
	assert.Equal(t, model.OrderStatusPartiallyResolved, o.Status)
	assert.True(t, o.FilledQty.Equal(dec("0.004")))

	// the order remains tracked as resolved-by-fill
	assert.Equal(t, 1, l.Len())
}

func TestCloseOrderLookup(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-mm", model.SideBuy, dec("90000"), dec("0.01"), false)
	require.NoError(t, err)

	_, ok := l.CloseOrder()
	assert.False(t, ok)

	_, err = l.Track("cl-close", model.SideSell, dec("90500"), dec("0.01"), true)
	require.NoError(t, err)

	o, ok := l.CloseOrder()
	require.True(t, ok)
	assert.Equal(t, "cl-close", o.ClientID)
	require.True(t, l.Confirm("cl-close", "vx-close"))

	assert.Len(t, l.MakerOrders(), 1)

	// unconfirmed orders have no venue id to cancel by
	assert.Empty(t, l.CancellableIDs())
	require.True(t, l.Confirm("cl-mm", "vx-mm"))
	assert.Equal(t, []string{"vx-mm"}, l.CancellableIDs())
}

func TestTerminalRetentionEviction(t *testing.T) {
	l := New(Config{TerminalCeiling: 10, TerminalRetain: 5})

	for i := 0; i < 11; i++ {
		clientID := fmt.Sprintf("cl-%d", i)
		venueID := fmt.Sprintf("vx-%d", i)
		_, err := l.Track(clientID, model.SideBuy, dec("90000"), dec("0.01"), false)
		require.NoError(t, err)
		require.True(t, l.Confirm(clientID, venueID))
		_, ok := l.OnFill(venueID, dec("0.01"))
		require.True(t, ok)
	}

	assert.False(t, l.WasResolved("vx-0"))
	assert.True(t, l.WasResolved("vx-10"))
}

func TestRemove(t *testing.T) {
	l := New(Config{})
	_, err := l.Track("cl-1", model.SideSell, dec("90500"), dec("0.01"), true)
	require.NoError(t, err)
	require.True(t, l.Confirm("cl-1", "vx-1"))

	require.True(t, l.Remove("cl-1"))
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.WasResolved("vx-1"))
	assert.False(t, l.Remove("cl-1"))
}
