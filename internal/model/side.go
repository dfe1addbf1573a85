package model

import (
	"bytes"

	"github.com/yanun0323/errors"
)

// Side is the direction of an order.
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

var (
	sideBuyJSON  = []byte(`"buy"`)
	sideSellJSON = []byte(`"sell"`)
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the offsetting direction.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

func ParseSide(value string) (Side, error) {
	switch value {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, errors.Errorf("unsupported side: %q", value)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	switch s {
	case SideBuy:
		return sideBuyJSON, nil
	case SideSell:
		return sideSellJSON, nil
	default:
		return nil, errors.Errorf("invalid side: %d", s)
	}
}

func (s *Side) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, sideBuyJSON):
		*s = SideBuy
	case bytes.Equal(data, sideSellJSON):
		*s = SideSell
	default:
		return errors.Errorf("unsupported side: %s", string(data))
	}
	return nil
}
