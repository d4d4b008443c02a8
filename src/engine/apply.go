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

type applyState int

const (
	statePending applyState = iota
	stateSubmitted
	stateVerifying
	stateVerified
	stateFailed
	stateExhausted
)

func (s applyState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSubmitted:
		return "submitted"
	case stateVerifying:
		return "verifying"
	case stateVerified:
		return "verified"
	case stateFailed:
		return "failed"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// request is one protective level to push to the venue.
type request struct {
	candidate policy.Candidate
	// fixed re-applies a previously cached price instead of converting the target
	fixed decimal.Decimal
}

func (r request) reapply() bool { return !r.fixed.IsZero() }

func (r request) lossCap() bool {
	if r.reapply() {
		return r.candidate.TargetProfit.IsNegative()
	}
	return r.candidate.Kind == policy.KindLossCap
}

func (r request) label() string {
	if r.reapply() {
		return "reapply"
	}
	return r.candidate.Kind.String()
}

// applyRun carries one apply sequence through its states.
type applyRun struct {
	e     *Engine
	lease *tracking.Lease
	req   request
	reqID string

	state    applyState
	attempts int
	pos      model.Position
	price    decimal.Decimal
	profit   decimal.Decimal
	lastErr  error
	log      *logger.Entry
}

// apply runs the full submit/verify/retry sequence. The caller holds the lease.
func (e *Engine) apply(ctx context.Context, lease *tracking.Lease, pos model.Position, req request) error {
	run := &applyRun{
		e:     e,
		lease: lease,
		req:   req,
		reqID: e.newReqID(),
		state: statePending,
		pos:   pos,
	}
	run.log = logger.WithFields(map[string]interface{}{
		"ticket":     pos.Ticket,
		"symbol":     pos.Symbol,
		"policy":     req.label(),
		"target":     req.candidate.TargetProfit.String(),
		"request_id": run.reqID,
	})

	if err := e.gate(lease.Snapshot(), req); err != nil {
		outcome := metrics.OutcomeThrottled
		if errors.Is(err, ErrDebounced) {
			outcome = metrics.OutcomeDebounced
		}
		metrics.Mutations.WithLabelValues(req.label(), outcome).Inc()
		run.log.WithError(err).Debug("Protective update deferred")
		return err
	}

	err := run.loop(ctx)
	run.finish(ctx, err)
	return err
}

// gate applies the venue backoff and the per-ticket debounce. Both defer to the next cycle.
// The global budget is charged per submission inside the loop.
func (e *Engine) gate(snap tracking.Snapshot, req request) error {
	now := e.clock.Now()

	if !snap.LastRateLimitTime.IsZero() && now.Sub(snap.LastRateLimitTime) < e.cfg.RateLimitBackoff {
		return fmt.Errorf("ticket %d venue backoff: %w", snap.Ticket, ErrRateLimited)
	}

	if !snap.LastAttemptTime.IsZero() && now.Sub(snap.LastAttemptTime) < e.cfg.MinAttemptInterval {
		gain := req.candidate.TargetProfit.Sub(snap.LastAttemptProfit)
		if gain.LessThanOrEqual(e.cfg.AttemptTolerance) {
			return fmt.Errorf("ticket %d last attempt %s ago: %w",
				snap.Ticket, now.Sub(snap.LastAttemptTime).Truncate(time.Millisecond), ErrDebounced)
		}
	}

	return nil
}

func (r *applyRun) transition(next applyState) {
	r.log.WithFields(map[string]interface{}{
		"from":    r.state.String(),
		"to":      next.String(),
		"attempt": r.attempts,
	}).Debug("Apply state transition")
	r.state = next
}

func (r *applyRun) loop(ctx context.Context) error {
	e := r.e
	attempts := max(e.cfg.MaxAttempts, 1)

	for r.attempts < attempts {
		r.attempts++

		if r.attempts > 1 {
			if err := e.clock.Sleep(ctx, e.cfg.RetryBackoff*time.Duration(r.attempts-1)); err != nil {
				return err
			}
		}

		// retry boundary: the position may have closed or moved since the last attempt
		pos, err := e.gw.GetPosition(ctx, r.pos.Ticket)
		if err != nil {
			if errors.Is(err, ErrPositionClosed) {
				return err
			}
			r.lastErr = err
			r.transition(stateFailed)
			continue
		}
		r.pos = pos

		if err := r.prepare(ctx); err != nil {
			return err
		}

		if pos.HasStopLoss() && utils.WithinTolerance(pos.StopLoss, r.price, e.tolerance(pos.Symbol)) {
			r.transition(stateVerified)
			return r.lease.RecordApplied(r.price, r.profit, r.req.candidate.AtEntry, true)
		}

		// every venue mutation, retries included, spends one token of the global budget
		if !e.limiter.Allow() {
			return fmt.Errorf("ticket %d attempt %d global budget: %w", r.pos.Ticket, r.attempts, ErrRateLimited)
		}

		if err := r.lease.RecordAttempt(e.clock.Now(), r.req.candidate.TargetProfit); err != nil {
			return err
		}

		if err := r.submit(ctx); err != nil {
			if errors.Is(err, ErrRateLimited) {
				_ = r.lease.RecordRateLimited(e.clock.Now())
				return err
			}
			if errors.Is(err, ErrPositionClosed) {
				return err
			}
			r.lastErr = err
			r.transition(stateFailed)
			continue
		}

		verified, err := r.verify(ctx)
		if err != nil {
			if errors.Is(err, ErrPositionClosed) || ctx.Err() != nil {
				return err
			}
			r.lastErr = err
			r.transition(stateFailed)
			continue
		}
		if verified {
			return r.lease.RecordApplied(r.price, r.profit, r.req.candidate.AtEntry, true)
		}
		r.transition(stateFailed)
	}

	// the venue accepted at least one request but never confirmed it: keep the intent, re-apply next cycle
	if r.lastErr == nil || errors.Is(r.lastErr, ErrVerificationMismatch) {
		if !r.price.IsZero() {
			_ = r.lease.RecordApplied(r.price, r.profit, r.req.candidate.AtEntry, false)
		}
	}
	r.transition(stateExhausted)
	return fmt.Errorf("ticket %d after %d attempts: %w (last: %v)", r.pos.Ticket, r.attempts, ErrRetriesExhausted, r.lastErr)
}

// prepare converts the request into a venue price for the current market.
func (r *applyRun) prepare(ctx context.Context) error {
	e := r.e
	pos := r.pos
	cand := r.req.candidate

	// profit locks are only valid while the position still holds that profit
	if !r.req.lossCap() && !r.req.reapply() && pos.Profit.LessThan(cand.TargetProfit) {
		return fmt.Errorf("ticket %d profit %s fell below lock %s: %w",
			pos.Ticket, pos.Profit, cand.TargetProfit, ErrConstraintRejected)
	}

	c, err := e.symbolConstraints(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	quote, err := e.gw.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", pos.Symbol, err)
	}

	var price decimal.Decimal
	switch {
	case r.req.reapply():
		price = r.req.fixed
	case cand.AtEntry:
		price = pos.EntryPrice
	default:
		p, ok := tp_sl.ProtectivePrice(pos.EntryPrice, pos.Direction, pos.Size, c.ContractSize, cand.TargetProfit)
		if !ok {
			return fmt.Errorf("ticket %d: %w", pos.Ticket, ErrDegenerateInputs)
		}
		price = tp_sl.RoundTowardEntry(p, pos.EntryPrice, c.Point)
	}

	adj, ok := tp_sl.Adjust(tp_sl.AdjustInput{
		Price:       price,
		CurrentSL:   pos.StopLoss,
		Direction:   pos.Direction,
		Bid:         quote.Bid,
		Ask:         quote.Ask,
		MinDistance: c.MinDistance(),
		Point:       c.Point,
	})
	if !ok {
		if r.req.lossCap() {
			return fmt.Errorf("ticket %d loss cap %s: %w", pos.Ticket, price, ErrLossCapUnreachable)
		}
		return fmt.Errorf("ticket %d price %s bid %s ask %s: %w", pos.Ticket, price, quote.Bid, quote.Ask, ErrConstraintRejected)
	}
	if adj.Clipped && r.req.lossCap() {
		// clipping a loss cap moves it further from entry, past the maximum loss
		return fmt.Errorf("ticket %d loss cap %s clipped to %s: %w", pos.Ticket, price, adj.Price, ErrLossCapUnreachable)
	}

	profit, ok := tp_sl.ProfitAtPrice(pos.EntryPrice, pos.Direction, pos.Size, c.ContractSize, adj.Price)
	if !ok {
		return fmt.Errorf("ticket %d: %w", pos.Ticket, ErrDegenerateInputs)
	}

	// never replace the cached level with something worse
	snap := r.lease.Snapshot()
	if snap.HasApplied && !r.req.reapply() && !tp_sl.IsImprovement(pos.Direction, snap.LastAppliedPrice, adj.Price) {
		return fmt.Errorf("ticket %d adjusted %s does not improve on %s: %w",
			pos.Ticket, adj.Price, snap.LastAppliedPrice, ErrConstraintRejected)
	}

	if adj.Clipped {
		r.log.WithFields(map[string]interface{}{
			"calculated": price.String(),
			"adjusted":   adj.Price.String(),
		}).Info("Protective price clipped to venue distance")
	}
	r.price = adj.Price
	r.profit = profit
	return nil
}

func (r *applyRun) submit(ctx context.Context) error {
	e := r.e
	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.ModifyTimeout)
	defer cancel()

	r.log.WithFields(map[string]interface{}{
		"price":   r.price.String(),
		"attempt": r.attempts,
	}).Info("Submitting protective update")

	if err := e.gw.SubmitProtectiveUpdate(submitCtx, r.pos.Ticket, r.price); err != nil {
		r.log.WithError(err).Warn("Protective update rejected")
		return fmt.Errorf("submit ticket %d: %w", r.pos.Ticket, err)
	}
	r.transition(stateSubmitted)
	return nil
}

// verify waits for the venue to settle and re-reads the position.
func (r *applyRun) verify(ctx context.Context) (bool, error) {
	e := r.e
	r.transition(stateVerifying)

	if err := e.clock.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return false, err
	}
	pos, err := e.gw.GetPosition(ctx, r.pos.Ticket)
	if err != nil {
		return false, fmt.Errorf("verify ticket %d: %w", r.pos.Ticket, err)
	}
	r.pos = pos

	if utils.WithinTolerance(pos.StopLoss, r.price, e.tolerance(pos.Symbol)) {
		r.transition(stateVerified)
		return true, nil
	}

	metrics.VerifyMismatches.Inc()
	r.lastErr = fmt.Errorf("ticket %d requested %s venue %s: %w", pos.Ticket, r.price, pos.StopLoss, ErrVerificationMismatch)
	r.log.WithFields(map[string]interface{}{
		"requested": r.price.String(),
		"venue":     pos.StopLoss.String(),
	}).Warn("Protective update not reflected by venue")
	return false, nil
}

func (e *Engine) tolerance(symbol string) decimal.Decimal {
	e.constraintsMu.RLock()
	c, ok := e.constraints[symbol]
	e.constraintsMu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	return c.Point.Mul(decimal.NewFromInt(e.cfg.PriceTolerancePoints))
}

// finish records the outcome and escalates to the fail-safe when the position is left at risk.
func (r *applyRun) finish(ctx context.Context, err error) {
	e := r.e
	kind := r.req.label()

	status := model.ApplyStatusVerified
	outcome := metrics.OutcomeVerified
	switch {
	case err == nil:
		r.log.WithFields(map[string]interface{}{
			"price":    r.price.String(),
			"profit":   r.profit.String(),
			"attempts": r.attempts,
			"reason":   r.req.candidate.Reason,
		}).Info("Protective level applied and verified")
	case errors.Is(err, ErrPositionClosed):
		status, outcome = model.ApplyStatusAborted, metrics.OutcomeAborted
		r.log.Info("Position closed during protective update")
	case errors.Is(err, ErrRateLimited):
		status, outcome = model.ApplyStatusAborted, metrics.OutcomeThrottled
		r.log.WithError(err).Warn("Protective update rate limited, deferred to next cycle")
	case errors.Is(err, ErrRetriesExhausted):
		status, outcome = model.ApplyStatusExhausted, metrics.OutcomeExhausted
		if errors.Is(r.lastErr, ErrVerificationMismatch) {
			status, outcome = model.ApplyStatusUnverified, metrics.OutcomeUnverified
		}
		r.log.WithError(err).Error("Protective update exhausted")
	case errors.Is(err, ErrConstraintRejected), errors.Is(err, ErrDegenerateInputs), errors.Is(err, ErrLossCapUnreachable):
		status, outcome = model.ApplyStatusAborted, metrics.OutcomeRejected
		r.log.WithError(err).Warn("Protective update not possible")
	default:
		status, outcome = model.ApplyStatusAborted, metrics.OutcomeAborted
		r.log.WithError(err).Warn("Protective update aborted")
	}
	metrics.Mutations.WithLabelValues(kind, outcome).Inc()
	e.recordAudit(ctx, r, status, err)

	if errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrLossCapUnreachable) {
		e.failSafe(ctx, r.pos, err)
	}
}

func (e *Engine) recordAudit(ctx context.Context, r *applyRun, status string, err error) {
	if e.audit == nil {
		return
	}
	row := &model.ProtectiveLevelLog{
		RequestID:      r.reqID,
		Ticket:         r.pos.Ticket,
		Symbol:         r.pos.Symbol,
		Direction:      string(r.pos.Direction),
		Policy:         r.req.label(),
		Reason:         r.req.candidate.Reason,
		TargetProfit:   r.req.candidate.TargetProfit,
		RequestedPrice: r.price,
		PreviousPrice:  r.pos.StopLoss,
		Profit:         r.pos.Profit,
		Attempts:       r.attempts,
		Status:         status,
		CreatedAt:      e.clock.Now(),
	}
	if err != nil {
		msg := err.Error()
		row.ErrorMessage = &msg
	}
	if aerr := e.audit.Create(ctx, row); aerr != nil {
		r.log.WithError(aerr).Warn("Failed to persist protective level log")
	}
}

// atRisk reports whether pos has lost its protection badly enough to close it.
func (e *Engine) atRisk(pos model.Position) bool {
	if pos.Profit.LessThanOrEqual(e.policy.MaxLoss.Neg()) {
		return true
	}
	return pos.Profit.IsNegative() && !pos.HasStopLoss()
}

// failSafe closes pos synchronously when protection could not be established and the
// position is exposed beyond the loss cap.
func (e *Engine) failSafe(ctx context.Context, pos model.Position, cause error) {
	if latest, err := e.gw.GetPosition(ctx, pos.Ticket); err == nil {
		pos = latest
	} else if errors.Is(err, ErrPositionClosed) {
		return
	}
	if !e.atRisk(pos) {
		return
	}

	fields := map[string]interface{}{
		"severity":  "critical",
		"ticket":    pos.Ticket,
		"symbol":    pos.Symbol,
		"profit":    pos.Profit.String(),
		"stop_loss": pos.StopLoss.String(),
		"max_loss":  e.policy.MaxLoss.String(),
	}
	log := logger.WithFields(fields).WithError(cause)
	log.Error("Protection exhausted with position at risk, closing position")

	closeCtx, cancel := context.WithTimeout(ctx, e.cfg.ModifyTimeout)
	defer cancel()
	closeErr := e.gw.ClosePosition(closeCtx, pos.Ticket)

	metrics.FailSafeCloses.Inc()
	status := model.ApplyStatusFailSafe
	if closeErr != nil {
		fields["close_error"] = closeErr.Error()
		log.WithField("close_error", closeErr.Error()).Error("Fail-safe close failed")
	}
	if e.report != nil {
		e.report(ctx, "failSafe", model.ExceptionLevelCritical, cause, fields)
	}
	if e.audit != nil {
		msg := cause.Error()
		if closeErr != nil {
			msg = fmt.Sprintf("%s; close: %s", msg, closeErr)
		}
		row := &model.ProtectiveLevelLog{
			RequestID:     e.newReqID(),
			Ticket:        pos.Ticket,
			Symbol:        pos.Symbol,
			Direction:     string(pos.Direction),
			Policy:        policy.KindLossCap.String(),
			Reason:        "fail-safe close",
			PreviousPrice: pos.StopLoss,
			Profit:        pos.Profit,
			Status:        status,
			ErrorMessage:  &msg,
			CreatedAt:     e.clock.Now(),
		}
		if err := e.audit.Create(ctx, row); err != nil {
			log.WithError(err).Warn("Failed to persist fail-safe log")
		}
	}
}
