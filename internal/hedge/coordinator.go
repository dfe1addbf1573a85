// Package hedge serializes all hedge placements for the instrument into a
// single critical section. Two fills arriving together must not both read
// the same net position and place overlapping hedges; the coordinator turns
// "read position, compute complement, place order" into one atomic decision
// from the bot's point of view.
package hedge

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/internal/risk"
	"github.com/bitwii/standx-maker-hedger/internal/venue"
	"github.com/bitwii/standx-maker-hedger/pkg/exception"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Config tunes the bounded retry behavior.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Section records one pass through the critical section, for observability
// and for verifying that decision sections never overlap.
type Section struct {
	CorrelationID string
	AcquiredAt    time.Time
	ReleasedAt    time.Time
}

// Coordinator owns the hedge mutex and the local net-position estimate for
// the hedge venue.
type Coordinator struct {
	cfg    Config
	hedger venue.Hedger
	risk   *risk.Engine

	// mu is the hedge critical section. It queues concurrent requests and
	// is held across the decision and submission steps.
	mu sync.Mutex

	posMu    sync.Mutex
	position decimal.Decimal

	secMu    sync.Mutex
	sections []Section

	sleep func(time.Duration)
}

func New(cfg Config, hedger venue.Hedger, riskEngine *risk.Engine) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Coordinator{
		cfg:    cfg,
		hedger: hedger,
		risk:   riskEngine,
		sleep:  time.Sleep,
	}
}

// Hedge places an offsetting order for a genuine fill. Concurrent calls
// queue on the coordinator's lock; the second call's decision step begins
// only after the first call's effect is confirmed or terminally failed.
// Terminal failure escalates to emergency stop: an unhedged fill is
// unbounded directional risk and must halt the bot, not loop.
func (c *Coordinator) Hedge(ctx context.Context, req model.HedgeRequest) error {
	if c.risk.EmergencyStopped() {
		return errors.Wrap(exception.ErrEmergencyStopActive, "hedge").With("correlationID", req.CorrelationID)
	}
	if !c.risk.CanOpenPosition(req.Quantity) {
		c.risk.ForceStop("risk limits prevent hedging, manual intervention required")
		return errors.Wrap(exception.ErrRiskLimitExceeded, "hedge").With("qty", req.Quantity)
	}

	c.mu.Lock()
	section := Section{CorrelationID: req.CorrelationID, AcquiredAt: time.Now()}
	defer func() {
		section.ReleasedAt = time.Now()
		c.recordSection(section)
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		req.Attempt = attempt

		logs.Infof("hedge: %s %s (correlation %s, attempt %d/%d)",
			req.Side, req.Quantity, req.CorrelationID, attempt, c.cfg.MaxAttempts)

		err := c.hedger.PlaceHedgeOrder(ctx, req.Side, req.Quantity, decimal.Zero)
		if err == nil {
			c.applyFill(req.Side, req.Quantity)
			logs.Infof("hedge: placed successfully (correlation %s)", req.CorrelationID)
			return nil
		}

		lastErr = err
		logs.Warnf("hedge: attempt %d/%d failed (correlation %s): %v",
			attempt, c.cfg.MaxAttempts, req.CorrelationID, err)
		if attempt < c.cfg.MaxAttempts {
			c.sleep(time.Duration(attempt) * c.cfg.RetryBackoff)
		}
	}

	c.risk.ForceStop("failed to hedge, manual intervention required")
	return errors.Wrap(exception.ErrHedgeRetryExhausted, "hedge").
		With("correlationID", req.CorrelationID).
		With("cause", lastErr)
}

// Position returns the locally tracked signed hedge-venue position.
func (c *Coordinator) Position() decimal.Decimal {
	c.posMu.Lock()
	defer c.posMu.Unlock()
	return c.position
}

// Reconcile replaces the local estimate with an authoritative venue query,
// logging when optimistic tracking has drifted.
func (c *Coordinator) Reconcile(actual decimal.Decimal) {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	if !c.position.Equal(actual) {
		logs.Warnf("hedge: position drift, local=%s venue=%s, correcting", c.position, actual)
	}
	c.position = actual
}

// Sections returns the recorded critical-section windows.
func (c *Coordinator) Sections() []Section {
	c.secMu.Lock()
	defer c.secMu.Unlock()
	out := make([]Section, len(c.sections))
	copy(out, c.sections)
	return out
}

// applyFill optimistically updates the local position after a successful
// placement. A later Reconcile with the venue's number corrects any drift.
func (c *Coordinator) applyFill(side model.Side, qty decimal.Decimal) {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	if side == model.SideBuy {
		c.position = c.position.Add(qty)
	} else {
		c.position = c.position.Sub(qty)
	}
}

func (c *Coordinator) recordSection(s Section) {
	c.secMu.Lock()
	defer c.secMu.Unlock()
	c.sections = append(c.sections, s)
}
