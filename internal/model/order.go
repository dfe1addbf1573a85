package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackedOrder is the ledger's view of an order this process created.
//
// ClientID is assigned at creation and never changes. VenueID is empty
// until the venue confirms the order and is set at most once.
type TrackedOrder struct {
	ClientID     string
	VenueID      string
	Side         Side
	Price        decimal.Decimal
	RequestedQty decimal.Decimal
	FilledQty    decimal.Decimal
	Status       OrderStatus
	IsCloseOrder bool
	CreatedAt    time.Time
}

// RemainingQty returns the unfilled quantity.
func (o *TrackedOrder) RemainingQty() decimal.Decimal {
	return o.RequestedQty.Sub(o.FilledQty)
}

// IsFullyFilled reports whether the filled quantity covers the request.
func (o *TrackedOrder) IsFullyFilled() bool {
	return o.FilledQty.GreaterThanOrEqual(o.RequestedQty) && !o.RequestedQty.IsZero()
}

// HedgeRequest is an ephemeral request to offset a fill on the hedge venue.
type HedgeRequest struct {
	Side          Side
	Quantity      decimal.Decimal
	CorrelationID string
	Attempt       int
}

// StatusSnapshot is the controller's externally visible state summary.
type StatusSnapshot struct {
	State         BotState
	TrackedOrders int
	PendingPlace  int
	PendingCancel int
	MakerPosition decimal.Decimal
	HedgePosition decimal.Decimal
}

// NetExposure returns the signed position summed across both venues.
func (s StatusSnapshot) NetExposure() decimal.Decimal {
	return s.MakerPosition.Add(s.HedgePosition)
}
