// Package venue defines the narrow collaborator interfaces for the two
// exchanges. Wire-level signing, auth handshakes and transport live in the
// concrete clients; everything above consumes only these interfaces.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

// Maker is the primary venue where resting limit orders earn spread.
type Maker interface {
	// Connect authenticates and returns the session token.
	Connect(ctx context.Context) (string, error)

	// PlaceOrder submits a limit order and returns the venue-assigned id.
	PlaceOrder(ctx context.Context, side model.Side, price, qty decimal.Decimal, clientID string) (string, error)

	// CancelOrders cancels the given venue order ids.
	CancelOrders(ctx context.Context, venueIDs []string) error

	// QueryOpenOrders returns the venue's view of resting orders.
	QueryOpenOrders(ctx context.Context) ([]model.OrderEvent, error)

	// QueryPosition returns the signed position for the traded instrument.
	QueryPosition(ctx context.Context) (decimal.Decimal, error)

	// QueryMarkPrice returns the current mark price.
	QueryMarkPrice(ctx context.Context) (decimal.Decimal, error)
}

// Hedger is the secondary venue where offsetting exposure is opened.
type Hedger interface {
	// Connect establishes the hedge venue session.
	Connect(ctx context.Context) error

	// PlaceHedgeOrder opens offsetting exposure. A zero price means take
	// the current market price.
	PlaceHedgeOrder(ctx context.Context, side model.Side, qty, price decimal.Decimal) error

	// PlaceMarketCloseOrder flattens exposure with a reduce-only market
	// order.
	PlaceMarketCloseOrder(ctx context.Context, side model.Side, qty decimal.Decimal) error

	// GetPosition returns the signed position on the hedge venue.
	GetPosition(ctx context.Context) (decimal.Decimal, error)

	// GetBalance returns account balances by currency.
	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}
