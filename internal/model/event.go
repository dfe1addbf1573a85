package model

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// EventStatus is the canonical status of a decoded order-stream record.
type EventStatus uint8

const (
	_eventStatus_beg EventStatus = iota
	EventStatusOpen
	EventStatusPartiallyFilled
	EventStatusFilled
	EventStatusCancelled
	EventStatusRejected
	_eventStatus_end
)

func (s EventStatus) IsAvailable() bool {
	return s > _eventStatus_beg && s < _eventStatus_end
}

func (s EventStatus) String() string {
	switch s {
	case EventStatusOpen:
		return "open"
	case EventStatusPartiallyFilled:
		return "partially_filled"
	case EventStatusFilled:
		return "filled"
	case EventStatusCancelled:
		return "cancelled"
	case EventStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseEventStatus normalizes the venue's status strings into the canonical
// enum. Unknown values are an error: the stream decoder fails loudly instead
// of defaulting a status and silently dropping a fill.
func ParseEventStatus(value string) (EventStatus, error) {
	switch value {
	case "open", "new":
		return EventStatusOpen, nil
	case "partially_filled", "partial_filled":
		return EventStatusPartiallyFilled, nil
	case "filled", "completed":
		return EventStatusFilled, nil
	case "cancelled", "canceled":
		return EventStatusCancelled, nil
	case "rejected":
		return EventStatusRejected, nil
	default:
		return 0, errors.Errorf("unsupported order event status: %q", value)
	}
}

// OrderEvent is the one canonical decoded record delivered by the maker
// venue's event stream. All field-shape variants are resolved at the
// decoding boundary; everything past that boundary sees only this form.
type OrderEvent struct {
	VenueID   string
	ClientID  string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	Status    EventStatus
}

// Validate rejects records that would corrupt downstream bookkeeping.
func (e OrderEvent) Validate() error {
	if e.VenueID == "" {
		return errors.New("order event missing venue id")
	}
	if !e.Side.IsAvailable() {
		return errors.Errorf("order event %s has invalid side", e.VenueID)
	}
	if !e.Status.IsAvailable() {
		return errors.Errorf("order event %s has invalid status", e.VenueID)
	}
	if e.FilledQty.IsNegative() {
		return errors.Errorf("order event %s has negative filled qty %s", e.VenueID, e.FilledQty)
	}
	if e.Qty.IsNegative() {
		return errors.Errorf("order event %s has negative qty %s", e.VenueID, e.Qty)
	}
	return nil
}
