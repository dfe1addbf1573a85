// Package fsm owns the process-wide bot state. Every other component reads
// the state through the machine's guards; only the machine mutates it.
package fsm

import "github.com/bitwii/standx-maker-hedger/internal/model"

// Event is an input to the state machine.
type Event uint8

const (
	_event_beg Event = iota
	EventPlaceRequested
	EventAllPlacedConfirmed
	EventPlacingTimeout
	EventCancelRequested
	EventAllCancelsConfirmed
	EventCancellingTimeout
	EventFillQualified
	EventHedgeSucceeded
	EventResolvedOrdersRemain
	EventResolvedNoOrders
	_event_end
)

func (e Event) String() string {
	switch e {
	case EventPlaceRequested:
		return "place_requested"
	case EventAllPlacedConfirmed:
		return "all_placed_confirmed"
	case EventPlacingTimeout:
		return "placing_timeout"
	case EventCancelRequested:
		return "cancel_requested"
	case EventAllCancelsConfirmed:
		return "all_cancels_confirmed"
	case EventCancellingTimeout:
		return "cancelling_timeout"
	case EventFillQualified:
		return "fill_qualified"
	case EventHedgeSucceeded:
		return "hedge_succeeded"
	case EventResolvedOrdersRemain:
		return "resolved_orders_remain"
	case EventResolvedNoOrders:
		return "resolved_no_orders"
	default:
		return "unknown"
	}
}

// Next is the pure transition function. It returns the next state and
// whether the event is legal from the given state. It has no side effects,
// which keeps the transition table testable without any venue mocks.
func Next(from model.BotState, ev Event) (model.BotState, bool) {
	switch ev {
	case EventPlaceRequested:
		if from == model.BotStateIdle || from == model.BotStateMarketMaking {
			return model.BotStatePlacing, true
		}
	case EventAllPlacedConfirmed, EventPlacingTimeout:
		if from == model.BotStatePlacing {
			return model.BotStateMarketMaking, true
		}
	case EventCancelRequested:
		// cancellation must never race the hedge critical section
		if from == model.BotStateMarketMaking || from == model.BotStateClosing {
			return model.BotStateCancelling, true
		}
	case EventAllCancelsConfirmed, EventCancellingTimeout:
		if from == model.BotStateCancelling {
			return model.BotStateIdle, true
		}
	case EventFillQualified:
		if from != model.BotStateCancelling {
			return model.BotStateHedging, true
		}
	case EventHedgeSucceeded:
		if from == model.BotStateHedging {
			return model.BotStateClosing, true
		}
	case EventResolvedOrdersRemain:
		if from == model.BotStateClosing {
			return model.BotStateMarketMaking, true
		}
	case EventResolvedNoOrders:
		if from == model.BotStateClosing {
			return model.BotStateIdle, true
		}
	}
	return from, false
}
