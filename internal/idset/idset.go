// Package idset provides a bounded, insertion-ordered identifier set.
//
// Both the order ledger's terminal-id retention and the fill deduplicator
// keep identifiers around so late or redelivered venue events can still be
// classified. The set enforces a hard ceiling and evicts oldest first so a
// long-running process never grows without bound.
package idset

const (
	DefaultCeiling = 1000
	DefaultRetain  = 500
)

// Set is a bounded string set. Not safe for concurrent use; callers hold
// their own lock.
type Set struct {
	ceiling int
	retain  int
	members map[string]struct{}
	order   []string
}

// New creates a set that evicts down to retain entries once the ceiling is
// exceeded. Non-positive arguments fall back to the defaults.
func New(ceiling, retain int) *Set {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if retain <= 0 || retain > ceiling {
		retain = ceiling / 2
	}
	return &Set{
		ceiling: ceiling,
		retain:  retain,
		members: make(map[string]struct{}, ceiling),
	}
}

// Add inserts id and reports whether it was absent before the call.
func (s *Set) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.members) > s.ceiling {
		s.evict()
	}
	return true
}

// Contains reports whether id is currently retained.
func (s *Set) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Remove deletes id if present.
func (s *Set) Remove(id string) {
	delete(s.members, id)
}

// Len returns the number of retained identifiers.
func (s *Set) Len() int {
	return len(s.members)
}

// evict drops oldest entries until only retain remain. The order slice can
// hold ids already removed from members; those are skipped and compacted.
func (s *Set) evict() {
	kept := s.order[:0]
	drop := len(s.members) - s.retain
	for _, id := range s.order {
		if _, ok := s.members[id]; !ok {
			continue
		}
		if drop > 0 {
			delete(s.members, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
