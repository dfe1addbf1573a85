package model

// OrderStatus is the tri-state lifecycle of a tracked order.
//
// An order moves Open -> PartiallyResolved -> Terminal through fill and
// cancel events only. A fill always wins over a racing cancel: an order
// with non-zero filled quantity is never treated as purely cancelled.
type OrderStatus uint8

const (
	_orderStatus_beg OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyResolved
	OrderStatusTerminal
	_orderStatus_end
)

func (s OrderStatus) IsAvailable() bool {
	return s > _orderStatus_beg && s < _orderStatus_end
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusTerminal
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusPartiallyResolved:
		return "partially_resolved"
	case OrderStatusTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// BotState is the process-wide state gating which operations are legal.
type BotState uint8

const (
	_botState_beg BotState = iota
	BotStateIdle
	BotStatePlacing
	BotStateMarketMaking
	BotStateCancelling
	BotStateHedging
	BotStateClosing
	_botState_end
)

func (s BotState) IsAvailable() bool {
	return s > _botState_beg && s < _botState_end
}

func (s BotState) String() string {
	switch s {
	case BotStateIdle:
		return "IDLE"
	case BotStatePlacing:
		return "PLACING"
	case BotStateMarketMaking:
		return "MARKET_MAKING"
	case BotStateCancelling:
		return "CANCELLING"
	case BotStateHedging:
		return "HEDGING"
	case BotStateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
