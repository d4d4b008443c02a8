package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stopguard/src/model"
	"stopguard/src/policy"
	"stopguard/src/risk"
	"stopguard/src/tp_sl"
	"stopguard/src/tracking"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Engine keeps every open position protected. One Engine owns one tracking store; it is safe
// for the baseline and fast loops to call RunCycleFor concurrently.
type Engine struct {
	cfg    Config
	policy policy.Config

	gw      Gateway
	store   *tracking.Store
	breaker *risk.CircuitBreaker
	limiter *rate.Limiter
	clock   Clock

	audit    AuditLog
	results  TradeResults
	report   ExceptionReporter
	newReqID func() string

	constraintsMu sync.RWMutex
	constraints   map[string]model.SymbolConstraints
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithBreaker(b *risk.CircuitBreaker) Option { return func(e *Engine) { e.breaker = b } }

func WithAuditLog(a AuditLog) Option { return func(e *Engine) { e.audit = a } }

func WithTradeResults(r TradeResults) Option { return func(e *Engine) { e.results = r } }

func WithExceptionReporter(r ExceptionReporter) Option { return func(e *Engine) { e.report = r } }

func WithLimiter(l *rate.Limiter) Option { return func(e *Engine) { e.limiter = l } }

func WithStore(s *tracking.Store) Option { return func(e *Engine) { e.store = s } }

func New(gw Gateway, cfg Config, pcfg policy.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		policy:      pcfg,
		gw:          gw,
		store:       tracking.NewStore(),
		clock:       systemClock{},
		newReqID:    func() string { return uuid.New().String() },
		constraints: make(map[string]model.SymbolConstraints),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSecond), max(cfg.GlobalBurst, 1))
	}
	if e.breaker == nil {
		e.breaker = risk.NewCircuitBreaker(risk.BreakerConfig{MaxConsecutiveLosses: risk.UnlimitedLosses})
	}
	return e
}

func (e *Engine) Store() *tracking.Store { return e.store }

func (e *Engine) Breaker() *risk.CircuitBreaker { return e.breaker }

func (e *Engine) PolicyConfig() policy.Config { return e.policy }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// symbolConstraints returns cached static rules for symbol. Contract size, point and
// distance levels do not change during a session so only the first call reaches the venue.
func (e *Engine) symbolConstraints(ctx context.Context, symbol string) (model.SymbolConstraints, error) {
	e.constraintsMu.RLock()
	c, ok := e.constraints[symbol]
	e.constraintsMu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := e.gw.GetSymbolConstraints(ctx, symbol)
	if err != nil {
		return model.SymbolConstraints{}, fmt.Errorf("symbol constraints %s: %w", symbol, err)
	}
	if !c.ContractSize.IsPositive() || !c.Point.IsPositive() {
		return model.SymbolConstraints{}, fmt.Errorf("symbol %s contract %s point %s: %w",
			symbol, c.ContractSize, c.Point, ErrDegenerateInputs)
	}

	e.constraintsMu.Lock()
	e.constraints[symbol] = c
	e.constraintsMu.Unlock()
	return c, nil
}

// CalculateInitialProtectivePrice returns the loss-cap price for a position about to be opened.
// Every new position must carry it from the moment it is submitted.
func (e *Engine) CalculateInitialProtectivePrice(
	ctx context.Context,
	symbol string,
	dir model.Direction,
	size decimal.Decimal,
	entry decimal.Decimal,
	maxLoss decimal.Decimal,
) (decimal.Decimal, error) {
	c, err := e.symbolConstraints(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	price, ok := tp_sl.LossCapPrice(entry, dir, size, c.ContractSize, maxLoss)
	if !ok {
		return decimal.Zero, fmt.Errorf("initial loss cap %s %s size %s max loss %s: %w",
			symbol, dir, size, maxLoss, ErrDegenerateInputs)
	}
	price = tp_sl.RoundTowardEntry(price, entry, c.Point)

	quote, err := e.gw.GetQuote(ctx, symbol)
	if err != nil {
		logger.WithField("symbol", symbol).WithError(err).Warn("No quote for initial protective price, skipping distance check")
		return price, nil
	}
	adj, ok := tp_sl.Adjust(tp_sl.AdjustInput{
		Price:       price,
		Direction:   dir,
		Bid:         quote.Bid,
		Ask:         quote.Ask,
		MinDistance: c.MinDistance(),
		Point:       c.Point,
	})
	if !ok || adj.Clipped {
		return decimal.Zero, fmt.Errorf("initial loss cap %s at %s: %w", symbol, price, ErrLossCapUnreachable)
	}

	logger.WithFields(map[string]interface{}{
		"symbol":    symbol,
		"direction": dir,
		"entry":     entry.String(),
		"size":      size.String(),
		"max_loss":  maxLoss.String(),
		"price":     adj.Price.String(),
	}).Info("Initial protective price calculated")
	return adj.Price, nil
}

// GetEffectiveProtectiveProfit returns the monetary result the venue's protective price
// guarantees. It never consults tracking state; ok is false when the venue shows no level.
func (e *Engine) GetEffectiveProtectiveProfit(ctx context.Context, pos model.Position) (decimal.Decimal, bool, error) {
	if !pos.HasStopLoss() {
		return decimal.Zero, false, nil
	}
	c, err := e.symbolConstraints(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, false, err
	}
	profit, ok := tp_sl.ProfitAtPrice(pos.EntryPrice, pos.Direction, pos.Size, c.ContractSize, pos.StopLoss)
	if !ok {
		return decimal.Zero, false, fmt.Errorf("ticket %d: %w", pos.Ticket, ErrDegenerateInputs)
	}
	return profit, true, nil
}

// CleanupClosed drops all tracking state for ticket.
func (e *Engine) CleanupClosed(ticket uint64) {
	if e.store.Remove(ticket) {
		logger.WithField("ticket", ticket).Debug("Tracking state removed for closed ticket")
	}
}
