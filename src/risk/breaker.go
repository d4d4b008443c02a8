package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	// UnlimitedLosses disables the consecutive-loss trip.
	UnlimitedLosses = -1
	// WindowSize is how many closed results feed the rolling sum.
	WindowSize = 50
)

type BreakerConfig struct {
	MaxConsecutiveLosses int             `envconfig:"BREAKER_MAX_CONSECUTIVE_LOSSES" default:"3" yaml:"max_consecutive_losses"`
	RollingLossFloor     decimal.Decimal `envconfig:"BREAKER_ROLLING_LOSS_FLOOR" default:"-10" yaml:"rolling_loss_floor"`
	Cooldown             time.Duration   `envconfig:"BREAKER_COOLDOWN" default:"1h" yaml:"cooldown"`
}

func GetBreakerConfig() BreakerConfig {
	var config BreakerConfig
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Decision is the admission answer. A blocked decision always carries a reason and the time left.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Status is a read-only view of the breaker for the ops surface and metrics.
type Status struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	RollingSum        decimal.Decimal `json:"rolling_sum"`
	WindowLen         int             `json:"window_len"`
	Tripped           bool            `json:"tripped"`
	PausedUntil       time.Time       `json:"paused_until"`
	Reason            string          `json:"reason,omitempty"`
}

// CircuitBreaker gates new trade admission on realized losses. It never affects the
// protection of positions that are already open.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	window            []decimal.Decimal
	consecutiveLosses int
	pausedUntil       time.Time
	reason            string
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, window: make([]decimal.Decimal, 0, WindowSize)}
}

// Allow reports whether a new trade may be admitted at now. An expired cool-down clears the
// pause and the consecutive-loss counter.
func (b *CircuitBreaker) Allow(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.expire(now) || b.pausedUntil.IsZero() {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: b.reason, Remaining: b.pausedUntil.Sub(now)}
}

// expire clears a pause that ended at or before now, together with the consecutive-loss counter.
func (b *CircuitBreaker) expire(now time.Time) bool {
	if b.pausedUntil.IsZero() || now.Before(b.pausedUntil) {
		return false
	}
	b.pausedUntil = time.Time{}
	b.reason = ""
	b.consecutiveLosses = 0
	return true
}

// RecordResult feeds one closed-trade result. A cool-down that ended before at is cleared
// first, so the result counts against a fresh streak. Trips are evaluated here, against at.
func (b *CircuitBreaker) RecordResult(profit decimal.Decimal, at time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(at)
	b.push(profit)
	if profit.IsNegative() {
		b.consecutiveLosses++
	} else {
		b.consecutiveLosses = 0
	}
	return b.evaluate(at)
}

// Restore rebuilds the window from persisted results, oldest first, without tripping.
func (b *CircuitBreaker) Restore(results []decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = b.window[:0]
	b.consecutiveLosses = 0
	for _, r := range results {
		b.push(r)
		if r.IsNegative() {
			b.consecutiveLosses++
		} else {
			b.consecutiveLosses = 0
		}
	}
}

func (b *CircuitBreaker) Status(now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire(now)
	return Status{
		ConsecutiveLosses: b.consecutiveLosses,
		RollingSum:        b.sum(),
		WindowLen:         len(b.window),
		Tripped:           !b.pausedUntil.IsZero() && now.Before(b.pausedUntil),
		PausedUntil:       b.pausedUntil,
		Reason:            b.reason,
	}
}

func (b *CircuitBreaker) push(profit decimal.Decimal) {
	if len(b.window) == WindowSize {
		copy(b.window, b.window[1:])
		b.window = b.window[:WindowSize-1]
	}
	b.window = append(b.window, profit)
}

func (b *CircuitBreaker) sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range b.window {
		total = total.Add(v)
	}
	return total
}

func (b *CircuitBreaker) evaluate(at time.Time) Decision {
	if !b.pausedUntil.IsZero() && at.Before(b.pausedUntil) {
		return Decision{Allowed: false, Reason: b.reason, Remaining: b.pausedUntil.Sub(at)}
	}

	switch {
	case b.cfg.MaxConsecutiveLosses != UnlimitedLosses && b.cfg.MaxConsecutiveLosses > 0 &&
		b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.trip(at, fmt.Sprintf("%d consecutive losses (limit %d)", b.consecutiveLosses, b.cfg.MaxConsecutiveLosses))
	case b.sum().LessThan(b.cfg.RollingLossFloor):
		b.trip(at, fmt.Sprintf("rolling result %s over last %d trades below floor %s",
			b.sum().StringFixed(2), len(b.window), b.cfg.RollingLossFloor.StringFixed(2)))
	default:
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: b.reason, Remaining: b.cfg.Cooldown}
}

func (b *CircuitBreaker) trip(at time.Time, reason string) {
	b.pausedUntil = at.Add(b.cfg.Cooldown)
	b.reason = reason
}
