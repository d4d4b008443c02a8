package tracking

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrBusy     = errors.New("ticket is being updated by another worker")
	ErrNotFound = errors.New("ticket is not tracked")
	ErrReleased = errors.New("lease already released")
)

// Lease is the exclusive write handle for one ticket. Holding it is the only way to
// change the applied protective level, so at most one apply sequence runs per ticket.
type Lease struct {
	ticket   uint64
	slot     *slot
	released bool
}

// Acquire tries to take the ticket's write lease without blocking.
func (s *Store) Acquire(ticket uint64) (*Lease, error) {
	sl, ok := s.lookup(ticket)
	if !ok {
		return nil, ErrNotFound
	}
	if !sl.write.TryLock() {
		return nil, ErrBusy
	}
	return &Lease{ticket: ticket, slot: sl}, nil
}

func (l *Lease) Ticket() uint64 { return l.ticket }

// Snapshot reads the entry under the lease.
func (l *Lease) Snapshot() Snapshot {
	l.slot.mu.RLock()
	defer l.slot.mu.RUnlock()
	return Snapshot{Entry: l.slot.entry}
}

func (l *Lease) update(fn func(e *Entry)) error {
	if l.released {
		return ErrReleased
	}
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	fn(&l.slot.entry)
	return nil
}

// RecordApplied stores a level the venue accepted. verified reflects the post-submit re-read.
func (l *Lease) RecordApplied(price, profit decimal.Decimal, atEntry, verified bool) error {
	return l.update(func(e *Entry) {
		e.LastAppliedPrice = price
		e.LastAppliedProfit = profit
		e.HasApplied = true
		e.SLVerified = verified
		if atEntry || !profit.IsNegative() {
			e.BreakEvenApplied = true
		}
	})
}

// RecordAttempt stamps a submission so the debounce window can be enforced.
func (l *Lease) RecordAttempt(at time.Time, targetProfit decimal.Decimal) error {
	return l.update(func(e *Entry) {
		e.LastAttemptTime = at
		e.LastAttemptProfit = targetProfit
	})
}

func (l *Lease) RecordRateLimited(at time.Time) error {
	return l.update(func(e *Entry) { e.LastRateLimitTime = at })
}

func (l *Lease) MarkUnverified() error {
	return l.update(func(e *Entry) { e.SLVerified = false })
}

func (l *Lease) MarkVerified() error {
	return l.update(func(e *Entry) { e.SLVerified = true })
}

// Release gives the write lease back. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.slot.write.Unlock()
}
