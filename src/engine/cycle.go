package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stopguard/src/metrics"
	"stopguard/src/model"
	"stopguard/src/policy"
	"stopguard/src/tp_sl"
	"stopguard/src/tracking"
	"stopguard/src/utils"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

type Cadence int

const (
	// CadenceBaseline visits every open position and handles closures.
	CadenceBaseline Cadence = iota
	// CadenceFast visits only tickets promoted to fast polling.
	CadenceFast
)

func (c Cadence) String() string {
	if c == CadenceFast {
		return "fast"
	}
	return "baseline"
}

// CycleReport summarises one pass over the open positions.
type CycleReport struct {
	Cadence   string        `json:"cadence"`
	Positions int           `json:"positions"`
	Applied   int           `json:"applied"`
	Deferred  int           `json:"deferred"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Closed    int           `json:"closed"`
	Removed   int           `json:"removed"`
	Duration  time.Duration `json:"duration"`
}

// RunCycle performs one baseline pass.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	return e.RunCycleFor(ctx, CadenceBaseline)
}

// RunCycleFor performs one pass at the given cadence. Tickets already being updated by the
// other loop are skipped, never waited on.
func (e *Engine) RunCycleFor(ctx context.Context, cadence Cadence) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{Cadence: cadence.String()}
	defer func() {
		report.Duration = time.Since(start)
		metrics.CycleSeconds.WithLabelValues(cadence.String()).Observe(report.Duration.Seconds())
		metrics.TrackedTickets.Set(float64(e.store.Len()))
		metrics.SetBreaker(e.breaker.Status(e.clock.Now()).Tripped)
	}()

	positions, err := e.gw.ListOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("list open positions: %w", err)
	}

	if cadence == CadenceBaseline {
		report.Removed, report.Closed = e.sweepClosed(ctx, positions)
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if cadence == CadenceFast {
			snap, ok := e.store.Snapshot(pos.Ticket)
			if !ok || !snap.FastPolling {
				continue
			}
		}
		report.Positions++

		err := e.processPosition(ctx, pos)
		switch {
		case err == nil:
		case errors.Is(err, errNothingToDo):
		case errors.Is(err, errApplied):
			report.Applied++
		case errors.Is(err, tracking.ErrBusy):
			report.Skipped++
		case errors.Is(err, ErrDebounced), errors.Is(err, ErrRateLimited):
			report.Deferred++
		case errors.Is(err, ErrPositionClosed):
			if e.markClosed(ctx, pos.Ticket, pos.Symbol) {
				report.Closed++
			}
		default:
			report.Failed++
		}
	}

	logger.WithFields(map[string]interface{}{
		"cadence":   report.Cadence,
		"positions": report.Positions,
		"applied":   report.Applied,
		"deferred":  report.Deferred,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"closed":    report.Closed,
	}).Debug("Monitoring cycle finished")
	return report, nil
}

var (
	errNothingToDo = errors.New("nothing to apply")
	errApplied     = errors.New("protective level applied")
)

// processPosition observes pos, reconciles with the venue and applies the best candidate.
func (e *Engine) processPosition(ctx context.Context, pos model.Position) error {
	if !pos.Direction.Valid() {
		return fmt.Errorf("ticket %d direction %q: %w", pos.Ticket, pos.Direction, ErrDegenerateInputs)
	}
	now := e.clock.Now()

	if _, created := e.store.Track(pos.Ticket, pos.Symbol, now); created {
		logger.WithFields(map[string]interface{}{
			"ticket":    pos.Ticket,
			"symbol":    pos.Symbol,
			"direction": pos.Direction,
			"entry":     pos.EntryPrice.String(),
			"stop_loss": pos.StopLoss.String(),
		}).Info("Tracking new position")
	}

	snap, _ := e.store.Observe(pos.Ticket, func(entry *tracking.Entry) {
		policy.Observe(&entry.State, pos.Profit, now, e.policy)
		e.updatePolling(entry, pos.Profit)
	})
	if snap.Closed {
		return errNothingToDo
	}

	lease, err := e.store.Acquire(pos.Ticket)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := e.reconcile(ctx, lease, pos); err != nil {
		return err
	}
	snap = lease.Snapshot()

	cand, ok := policy.Select(policy.Input{
		Profit: pos.Profit,
		Now:    now,
		State:  snap.State,
		Config: e.policy,
	})

	var req request
	switch {
	case ok:
		req = request{candidate: cand}
	case snap.HasApplied && !snap.SLVerified:
		req = request{
			candidate: policy.Candidate{
				Kind:         policy.KindLossCap,
				TargetProfit: snap.LastAppliedProfit,
				Reason:       "re-apply unverified level",
			},
			fixed: snap.LastAppliedPrice,
		}
	default:
		return errNothingToDo
	}

	if err := e.apply(ctx, lease, pos, req); err != nil {
		return err
	}
	return errApplied
}

// updatePolling promotes a ticket to fast polling above the threshold and demotes it only
// after FastPollDebounce consecutive observations below.
func (e *Engine) updatePolling(entry *tracking.Entry, profit decimal.Decimal) {
	if profit.GreaterThanOrEqual(e.cfg.FastPollThreshold) {
		if !entry.FastPolling {
			logger.WithFields(map[string]interface{}{
				"ticket": entry.Ticket,
				"profit": profit.String(),
			}).Info("Ticket promoted to fast polling")
		}
		entry.FastPolling = true
		entry.DebounceCount = 0
		return
	}
	if !entry.FastPolling {
		return
	}
	entry.DebounceCount++
	if entry.DebounceCount >= max(e.cfg.FastPollDebounce, 1) {
		entry.FastPolling = false
		entry.DebounceCount = 0
		logger.WithField("ticket", entry.Ticket).Info("Ticket demoted to baseline polling")
	}
}

// reconcile compares the cached intent with the venue's protective price once per observation.
// A better venue level is adopted, a worse or missing one marks the cache unverified.
func (e *Engine) reconcile(ctx context.Context, lease *tracking.Lease, pos model.Position) error {
	snap := lease.Snapshot()

	if !pos.HasStopLoss() {
		if snap.HasApplied && snap.SLVerified {
			logger.WithField("ticket", pos.Ticket).Warn("Venue shows no protective price for a tracked level")
			return lease.MarkUnverified()
		}
		return nil
	}

	c, err := e.symbolConstraints(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	if !snap.HasApplied || tp_sl.IsImprovement(pos.Direction, snap.LastAppliedPrice, pos.StopLoss) {
		if snap.HasApplied && utils.WithinTolerance(snap.LastAppliedPrice, pos.StopLoss, e.tolerance(pos.Symbol)) {
			return lease.MarkVerified()
		}
		profit, ok := tp_sl.ProfitAtPrice(pos.EntryPrice, pos.Direction, pos.Size, c.ContractSize, pos.StopLoss)
		if !ok {
			return fmt.Errorf("ticket %d: %w", pos.Ticket, ErrDegenerateInputs)
		}
		logger.WithFields(map[string]interface{}{
			"ticket":    pos.Ticket,
			"venue":     pos.StopLoss.String(),
			"cached":    snap.LastAppliedPrice.String(),
			"protected": profit.String(),
		}).Info("Adopting venue protective price")
		return lease.RecordApplied(pos.StopLoss, profit, false, true)
	}

	if utils.WithinTolerance(snap.LastAppliedPrice, pos.StopLoss, e.tolerance(pos.Symbol)) {
		return lease.MarkVerified()
	}

	logger.WithFields(map[string]interface{}{
		"ticket": pos.Ticket,
		"venue":  pos.StopLoss.String(),
		"cached": snap.LastAppliedPrice.String(),
	}).Warn("Venue protective price is worse than the applied level")
	return lease.MarkUnverified()
}

// sweepClosed removes tickets whose closure was seen last cycle and marks newly closed ones.
// A closed slot stays while a lagging position list still reports its ticket, so the ticket is
// neither tracked afresh nor fed to the breaker twice. It is removed once the list drops it.
func (e *Engine) sweepClosed(ctx context.Context, open []model.Position) (removed, closed int) {
	live := make(map[uint64]struct{}, len(open))
	for _, p := range open {
		live[p.Ticket] = struct{}{}
	}

	for _, snap := range e.store.List() {
		if _, ok := live[snap.Ticket]; ok {
			continue
		}
		if snap.Closed {
			e.CleanupClosed(snap.Ticket)
			removed++
			continue
		}
		if e.markClosed(ctx, snap.Ticket, snap.Symbol) {
			closed++
		}
	}
	return removed, closed
}

// markClosed flags ticket as closed, fetches its realized result and feeds the breaker.
// It returns false if the closure was already handled.
func (e *Engine) markClosed(ctx context.Context, ticket uint64, symbol string) bool {
	if !e.store.MarkClosed(ticket) {
		return false
	}
	log := logger.WithFields(map[string]interface{}{"ticket": ticket, "symbol": symbol})

	res, ok, err := e.gw.GetClosedTradeResult(ctx, ticket)
	if err != nil {
		log.WithError(err).Warn("Closed trade result lookup failed")
		return true
	}
	if !ok {
		log.Info("Position closed, no realized result available yet")
		return true
	}

	decision := e.breaker.RecordResult(res.RealizedProfit, e.clock.Now())
	log.WithFields(map[string]interface{}{
		"realized": res.RealizedProfit.String(),
		"reason":   res.Reason,
		"admit":    decision.Allowed,
	}).Info("Position closed")
	if !decision.Allowed {
		log.WithFields(map[string]interface{}{
			"breaker_reason": decision.Reason,
			"remaining":      decision.Remaining.String(),
		}).Warn("Circuit breaker tripped, new trade admission paused")
	}

	if e.results != nil {
		reason := res.Reason
		if reason == "" {
			reason = model.CloseReasonUnknown
		}
		row := &model.TradeResult{
			Ticket:         ticket,
			Symbol:         symbol,
			RealizedProfit: res.RealizedProfit,
			Reason:         reason,
			ClosedAt:       res.ClosedAt,
		}
		if row.Symbol == "" {
			row.Symbol = res.Symbol
		}
		if err := e.results.Save(ctx, row); err != nil {
			log.WithError(err).Warn("Failed to persist trade result")
		}
	}
	return true
}
