// Package risk enforces position and loss limits and owns the process-wide
// emergency-stop flag. A tripped stop halts new placement and hedging; it
// is only cleared by an explicit external reset.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Config defines the static risk limits.
type Config struct {
	MaxPositionSize decimal.Decimal `json:"maxPositionSize"`
	MaxDailyLoss    decimal.Decimal `json:"maxDailyLoss"`
	TotalStopLoss   decimal.Decimal `json:"totalStopLoss"`
	MaxOpenOrders   int             `json:"maxOpenOrders"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	EmergencyStop bool
	DailyPNL      decimal.Decimal
	TotalPNL      decimal.Decimal
	TradeCount    int
}

// Engine evaluates risk decisions and tracks realized PNL.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	dailyPNL   decimal.Decimal
	totalPNL   decimal.Decimal
	tradeCount int
	resetDate  time.Time

	stopped bool

	now func() time.Time
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxOpenOrders <= 0 {
		cfg.MaxOpenOrders = 10
	}
	return &Engine{
		cfg:       cfg,
		resetDate: time.Now().Truncate(24 * time.Hour),
		now:       time.Now,
	}
}

// EmergencyStopped reports whether the stop flag is set.
func (e *Engine) EmergencyStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// ForceStop trips the emergency stop. An unhedged fill is unbounded
// directional risk, so callers escalate here instead of retrying forever.
func (e *Engine) ForceStop(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stopped {
		logs.Errorf("risk: EMERGENCY STOP: %s", reason)
	}
	e.stopped = true
}

// ResetEmergencyStop clears the stop flag. Operator action only.
func (e *Engine) ResetEmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	logs.Warnf("risk: emergency stop flag reset")
	e.stopped = false
}

// CanOpenPosition checks whether an exposure of the given size may be
// taken on.
func (e *Engine) CanOpenPosition(size decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		logs.Warnf("risk: emergency stop active, refusing position of %s", size)
		return false
	}
	if e.cfg.MaxPositionSize.IsPositive() && size.Abs().GreaterThan(e.cfg.MaxPositionSize) {
		logs.Warnf("risk: position size %s exceeds limit %s", size, e.cfg.MaxPositionSize)
		return false
	}

	e.rollDay()
	if e.cfg.MaxDailyLoss.IsPositive() && e.dailyPNL.LessThanOrEqual(e.cfg.MaxDailyLoss.Neg()) {
		logs.Warnf("risk: daily loss limit reached: %s", e.dailyPNL)
		return false
	}
	return true
}

// CanPlaceOrder checks the open-order ceiling.
func (e *Engine) CanPlaceOrder(openOrders int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	if openOrders >= e.cfg.MaxOpenOrders {
		logs.Warnf("risk: max open orders reached: %d", openOrders)
		return false
	}
	return true
}

// RecordTrade applies realized PNL and re-checks the loss stops.
func (e *Engine) RecordTrade(pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollDay()
	e.dailyPNL = e.dailyPNL.Add(pnl)
	e.totalPNL = e.totalPNL.Add(pnl)
	e.tradeCount++

	if e.cfg.MaxDailyLoss.IsPositive() && e.dailyPNL.LessThanOrEqual(e.cfg.MaxDailyLoss.Neg()) {
		logs.Errorf("risk: EMERGENCY STOP: daily loss %s breached limit %s", e.dailyPNL, e.cfg.MaxDailyLoss)
		e.stopped = true
	}
	if e.cfg.TotalStopLoss.IsPositive() && e.totalPNL.LessThanOrEqual(e.cfg.TotalStopLoss.Neg()) {
		logs.Errorf("risk: EMERGENCY STOP: total loss %s breached limit %s", e.totalPNL, e.cfg.TotalStopLoss)
		e.stopped = true
	}
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollDay()
	return Status{
		EmergencyStop: e.stopped,
		DailyPNL:      e.dailyPNL,
		TotalPNL:      e.totalPNL,
		TradeCount:    e.tradeCount,
	}
}

// rollDay resets the daily counter when the date changes. Caller holds e.mu.
func (e *Engine) rollDay() {
	day := e.now().Truncate(24 * time.Hour)
	if day.After(e.resetDate) {
		logs.Infof("risk: new day, resetting daily PNL (previous %s)", e.dailyPNL)
		e.dailyPNL = decimal.Zero
		e.resetDate = day
	}
}
