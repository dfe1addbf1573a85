package standx

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

// flexString tolerates venue fields that arrive as either JSON strings or
// bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// orderRecord is the venue's order shape as it appears both on the stream
// and in query_open_orders. Field names vary between the two surfaces, so
// every alternate is declared and resolved during canonicalization.
type orderRecord struct {
	ID         flexString      `json:"id"`
	OrderID    flexString      `json:"order_id"`
	ClOrdID    string          `json:"cl_ord_id"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Size       decimal.Decimal `json:"size"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Status     string          `json:"status"`
}

// canonical collapses the alternate field names into one model.OrderEvent
// and fails loudly on anything it cannot map.
func (r orderRecord) canonical() (model.OrderEvent, error) {
	venueID := string(r.ID)
	if venueID == "" {
		venueID = string(r.OrderID)
	}
	if venueID == "" {
		return model.OrderEvent{}, errors.New("order record missing id")
	}

	side, err := model.ParseSide(strings.ToLower(r.Side))
	if err != nil {
		return model.OrderEvent{}, errors.Wrapf(err, "order %s", venueID)
	}
	status, err := model.ParseEventStatus(strings.ToLower(r.Status))
	if err != nil {
		return model.OrderEvent{}, errors.Wrapf(err, "order %s", venueID)
	}

	qty := r.Qty
	if qty.IsZero() {
		qty = r.Size
	}
	filled := r.FilledQty
	if filled.IsZero() {
		filled = r.FilledSize
	}

	e := model.OrderEvent{
		VenueID:   venueID,
		ClientID:  r.ClOrdID,
		Side:      side,
		Price:     r.Price,
		Qty:       qty,
		FilledQty: filled,
		Status:    status,
	}
	if err := e.Validate(); err != nil {
		return model.OrderEvent{}, err
	}
	return e, nil
}
