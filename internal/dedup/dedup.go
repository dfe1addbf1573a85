// Package dedup admits each distinct fill event exactly once.
//
// The maker venue redelivers order events after reconnects, and the polling
// reconciliation can surface a fill the stream already pushed. Without this
// gate a single economic fill could trigger multiple hedges and accumulate
// unintended exposure, so this is the system's idempotence boundary.
package dedup

import (
	"sync"

	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/idset"
)

// Config bounds how many admitted fill ids the deduplicator retains.
type Config struct {
	Ceiling int
	Retain  int
}

// Deduplicator is a bounded seen-set over fill identifiers.
type Deduplicator struct {
	mu   sync.Mutex
	seen *idset.Set
}

func New(cfg Config) *Deduplicator {
	return &Deduplicator{seen: idset.New(cfg.Ceiling, cfg.Retain)}
}

// Admit reports whether this fill identifier is seen for the first time.
// Every later delivery of the same identifier returns false.
func (d *Deduplicator) Admit(venueID string) bool {
	if venueID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.seen.Add(venueID) {
		logs.Debugf("dedup: duplicate fill notification for %s dropped", venueID)
		return false
	}
	return true
}

// Len returns the number of retained fill identifiers.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}
