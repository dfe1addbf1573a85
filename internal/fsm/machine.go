package fsm

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

const (
	DefaultPlacingTimeout    = 10 * time.Second
	DefaultCancellingTimeout = 10 * time.Second
)

// Config tunes the stuck-state force-release timeouts.
type Config struct {
	PlacingTimeout    time.Duration
	CancellingTimeout time.Duration
}

// Machine wraps the pure transition table with order-confirmation
// bookkeeping, timeout force-release, and transition logging.
type Machine struct {
	mu sync.Mutex

	state     model.BotState
	changedAt time.Time

	pendingPlace  map[string]struct{}
	pendingCancel map[string]struct{}

	placingTimeout    time.Duration
	cancellingTimeout time.Duration

	now func() time.Time
}

func New(cfg Config) *Machine {
	if cfg.PlacingTimeout <= 0 {
		cfg.PlacingTimeout = DefaultPlacingTimeout
	}
	if cfg.CancellingTimeout <= 0 {
		cfg.CancellingTimeout = DefaultCancellingTimeout
	}
	return &Machine{
		state:             model.BotStateIdle,
		changedAt:         time.Now(),
		pendingPlace:      make(map[string]struct{}),
		pendingCancel:     make(map[string]struct{}),
		placingTimeout:    cfg.PlacingTimeout,
		cancellingTimeout: cfg.CancellingTimeout,
		now:               time.Now,
	}
}

func (m *Machine) State() model.BotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateAge returns the time spent in the current state.
func (m *Machine) StateAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.changedAt)
}

// CanPlaceOrders reports whether new maker orders may be placed. A PLACING
// state past its timeout is force-released first so a lost confirmation
// cannot deadlock placement.
func (m *Machine) CanPlaceOrders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseStuck()
	return m.state == model.BotStateIdle || m.state == model.BotStateMarketMaking
}

// CanCancelOrders reports whether cancels may be requested. Cancellation is
// forbidden while HEDGING.
func (m *Machine) CanCancelOrders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == model.BotStateHedging {
		return false
	}
	return m.state == model.BotStateMarketMaking || m.state == model.BotStateClosing
}

// CanCheckOrders reports whether the quote-maintenance logic should run.
func (m *Machine) CanCheckOrders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == model.BotStateMarketMaking
}

// IsCancelPending reports whether a cancel for clientID is already in
// flight; a concurrent cancel request for the same id is then a no-op.
func (m *Machine) IsCancelPending(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingCancel[clientID]
	return ok
}

// OnPlacingOrders marks the given client ids as awaiting confirmation.
func (m *Machine) OnPlacingOrders(clientIDs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.apply(EventPlaceRequested) {
		return false
	}
	m.pendingPlace = make(map[string]struct{}, len(clientIDs))
	for _, id := range clientIDs {
		m.pendingPlace[id] = struct{}{}
	}
	return true
}

// OnOrderConfirmed clears one pending placement; once all child orders are
// confirmed PLACING resolves to MARKET_MAKING.
func (m *Machine) OnOrderConfirmed(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pendingPlace, clientID)
	if len(m.pendingPlace) == 0 && m.state == model.BotStatePlacing {
		m.apply(EventAllPlacedConfirmed)
	}
}

// OnCancellingOrders marks the targeted client ids as awaiting cancel
// confirmation. Ids already pending are skipped so a repeated cancel
// request while CANCELLING is a no-op.
func (m *Machine) OnCancellingOrders(clientIDs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == model.BotStateCancelling {
		return false
	}
	if !m.apply(EventCancelRequested) {
		return false
	}
	m.pendingCancel = make(map[string]struct{}, len(clientIDs))
	for _, id := range clientIDs {
		m.pendingCancel[id] = struct{}{}
	}
	return true
}

// OnOrderCancelled clears one pending cancel; once all targeted cancels
// confirm CANCELLING resolves to IDLE.
func (m *Machine) OnOrderCancelled(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pendingCancel, clientID)
	if len(m.pendingCancel) == 0 && m.state == model.BotStateCancelling {
		m.apply(EventAllCancelsConfirmed)
	}
}

// OnHedgingStart enters HEDGING. Refused while CANCELLING; the caller
// retries once the cancels resolve.
func (m *Machine) OnHedgingStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(EventFillQualified)
}

// OnHedgingComplete moves HEDGING to CLOSING.
func (m *Machine) OnHedgingComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(EventHedgeSucceeded)
}

// OnPositionResolved leaves CLOSING once the underlying position is flat.
func (m *Machine) OnPositionResolved(makerOrdersRemain bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if makerOrdersRemain {
		return m.apply(EventResolvedOrdersRemain)
	}
	return m.apply(EventResolvedNoOrders)
}

// Tick force-releases stuck states. The control loop calls it every pass.
func (m *Machine) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseStuck()
}

// PendingCounts returns the outstanding placement and cancel confirmations.
func (m *Machine) PendingCounts() (place, cancel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingPlace), len(m.pendingCancel)
}

// releaseStuck applies timeout transitions. Caller holds m.mu.
func (m *Machine) releaseStuck() {
	age := m.now().Sub(m.changedAt)
	switch m.state {
	case model.BotStatePlacing:
		if age > m.placingTimeout {
			logs.Warnf("fsm: PLACING stuck for %s, force releasing", age)
			m.pendingPlace = make(map[string]struct{})
			m.apply(EventPlacingTimeout)
		}
	case model.BotStateCancelling:
		if age > m.cancellingTimeout {
			logs.Warnf("fsm: CANCELLING stuck for %s, force releasing", age)
			m.pendingCancel = make(map[string]struct{})
			m.apply(EventCancellingTimeout)
		}
	}
}

// apply runs one event through the transition table and logs the change
// with the dwell time of the previous state. Caller holds m.mu.
func (m *Machine) apply(ev Event) bool {
	next, ok := Next(m.state, ev)
	if !ok {
		logs.Debugf("fsm: event %s illegal in state %s", ev, m.state)
		return false
	}
	if next != m.state {
		now := m.now()
		logs.Infof("fsm: %s -> %s (%s, after %s)", m.state, next, ev, now.Sub(m.changedAt))
		m.state = next
		m.changedAt = now
	}
	return true
}
