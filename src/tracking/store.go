package tracking

import (
	"sort"
	"sync"
	"time"

	"stopguard/src/policy"

	"github.com/shopspring/decimal"
)

// Entry is the engine's memory of one open ticket.
type Entry struct {
	Ticket uint64
	Symbol string

	policy.State

	LastAppliedPrice  decimal.Decimal
	LastAttemptTime   time.Time
	LastAttemptProfit decimal.Decimal
	LastRateLimitTime time.Time

	SLVerified    bool
	FastPolling   bool
	DebounceCount int

	FirstSeen time.Time
	Closed    bool
}

// Snapshot is a read-only copy of an Entry. It has no path back into the store.
type Snapshot struct {
	Entry
}

type slot struct {
	mu    sync.RWMutex // guards entry fields
	write sync.Mutex   // held by the lease for a whole apply sequence
	entry Entry
}

// Store is the registry of tracked tickets. The map itself is guarded by a short mutex
// that is only held while looking up, creating or removing slots.
type Store struct {
	mu    sync.Mutex
	slots map[uint64]*slot
}

func NewStore() *Store {
	return &Store{slots: make(map[uint64]*slot)}
}

// Track returns the entry for ticket, creating it on first observation.
func (s *Store) Track(ticket uint64, symbol string, now time.Time) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.slots[ticket]; ok {
		sl.mu.RLock()
		defer sl.mu.RUnlock()
		return Snapshot{Entry: sl.entry}, false
	}

	sl := &slot{entry: Entry{Ticket: ticket, Symbol: symbol, FirstSeen: now}}
	s.slots[ticket] = sl
	return Snapshot{Entry: sl.entry}, true
}

func (s *Store) lookup(ticket uint64) (*slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[ticket]
	return sl, ok
}

// Snapshot returns a copy of the ticket's entry.
func (s *Store) Snapshot(ticket uint64) (Snapshot, bool) {
	sl, ok := s.lookup(ticket)
	if !ok {
		return Snapshot{}, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return Snapshot{Entry: sl.entry}, true
}

// Observe runs fn against the live entry inside a short critical section. fn may update
// observation state (peak, timers, polling flags) but the applied level is restored afterwards:
// only a Lease can move it.
func (s *Store) Observe(ticket uint64, fn func(e *Entry)) (Snapshot, bool) {
	sl, ok := s.lookup(ticket)
	if !ok {
		return Snapshot{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	price := sl.entry.LastAppliedPrice
	profit := sl.entry.LastAppliedProfit
	applied := sl.entry.HasApplied
	breakEven := sl.entry.BreakEvenApplied

	fn(&sl.entry)

	sl.entry.LastAppliedPrice = price
	sl.entry.LastAppliedProfit = profit
	sl.entry.HasApplied = applied
	sl.entry.BreakEvenApplied = breakEven
	return Snapshot{Entry: sl.entry}, true
}

// List returns snapshots of every tracked ticket ordered by ticket.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(slots))
	for _, sl := range slots {
		sl.mu.RLock()
		out = append(out, Snapshot{Entry: sl.entry})
		sl.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Tickets returns the tracked ticket ids.
func (s *Store) Tickets() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.slots))
	for t := range s.slots {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// MarkClosed flags the ticket for removal on the next cleanup.
func (s *Store) MarkClosed(ticket uint64) bool {
	sl, ok := s.lookup(ticket)
	if !ok {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.entry.Closed {
		return false
	}
	sl.entry.Closed = true
	return true
}

// Remove deletes the ticket and its write lock.
func (s *Store) Remove(ticket uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[ticket]; !ok {
		return false
	}
	delete(s.slots, ticket)
	return true
}
