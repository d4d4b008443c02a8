package policy

import (
	"fmt"
	"time"

	"stopguard/src/utils"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of candidate modules.
type Kind int

const (
	KindLossCap Kind = iota
	KindSweetSpot
	KindStepLock
	KindElasticTrail
	KindBreakEven
)

// ProfitGated lists the modules consulted when profit is not negative, in tie-break order.
var ProfitGated = []Kind{KindSweetSpot, KindStepLock, KindElasticTrail, KindBreakEven}

func (k Kind) String() string {
	switch k {
	case KindLossCap:
		return "loss_cap"
	case KindSweetSpot:
		return "sweet_spot"
	case KindStepLock:
		return "step_lock"
	case KindElasticTrail:
		return "elastic_trail"
	case KindBreakEven:
		return "break_even"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Priority orders modules on equal targets; lower wins. Narrower applicability comes first.
func (k Kind) Priority() int {
	switch k {
	case KindSweetSpot:
		return 0
	case KindStepLock:
		return 1
	case KindElasticTrail:
		return 2
	case KindBreakEven:
		return 3
	default:
		return 4
	}
}

// State is the per-ticket memory the modules read. It is owned by the tracking store.
type State struct {
	PeakProfit        decimal.Decimal
	LastAppliedProfit decimal.Decimal
	HasApplied        bool

	SweetSpotMinProfit decimal.Decimal
	InSweetSpot        bool

	PositiveProfitSince time.Time // zero while profit <= 0
	BreakEvenApplied    bool

	LastProfit    decimal.Decimal
	PrevProfit    decimal.Decimal // profit observed the cycle before LastProfit
	HasPrevProfit bool
	observed      bool
}

type Input struct {
	Profit decimal.Decimal
	Now    time.Time
	State  State
	Config Config
}

// Candidate is a proposed protective level expressed as a monetary target.
// AtEntry candidates lock at the entry price rather than converting TargetProfit.
type Candidate struct {
	Kind         Kind
	TargetProfit decimal.Decimal
	AtEntry      bool
	Reason       string
}

// Observe folds one profit observation into s. It must run once per cycle before Propose.
func Observe(s *State, profit decimal.Decimal, now time.Time, cfg Config) {
	if s.observed {
		s.PrevProfit = s.LastProfit
		s.HasPrevProfit = true
	}
	s.LastProfit = profit
	s.observed = true

	if profit.GreaterThan(s.PeakProfit) {
		s.PeakProfit = profit
	}

	if profit.IsPositive() {
		if s.PositiveProfitSince.IsZero() {
			s.PositiveProfitSince = now
		}
	} else {
		s.PositiveProfitSince = time.Time{}
	}

	switch {
	case profit.LessThan(cfg.SweetSpotMin):
		// left the band from below, next entry re-initialises the minimum
		s.InSweetSpot = false
		s.SweetSpotMinProfit = decimal.Zero
	case profit.LessThanOrEqual(cfg.SweetSpotMax):
		if !s.InSweetSpot {
			s.InSweetSpot = true
			s.SweetSpotMinProfit = profit
		} else if profit.LessThan(s.SweetSpotMinProfit) {
			s.SweetSpotMinProfit = profit
		}
	}
}

// Propose asks one module for a candidate. ok is false when the module has nothing to offer.
func Propose(kind Kind, in Input) (Candidate, bool) {
	switch kind {
	case KindLossCap:
		return lossCap(in)
	case KindSweetSpot:
		return sweetSpot(in)
	case KindStepLock:
		return stepLock(in)
	case KindElasticTrail:
		return elasticTrail(in)
	case KindBreakEven:
		return breakEven(in)
	default:
		return Candidate{}, false
	}
}

// Select returns the best candidate for in. Negative profit consults only the loss cap.
func Select(in Input) (Candidate, bool) {
	if in.Profit.IsNegative() {
		return Propose(KindLossCap, in)
	}

	var (
		best  Candidate
		found bool
	)
	for _, kind := range append([]Kind{KindLossCap}, ProfitGated...) {
		c, ok := Propose(kind, in)
		if !ok {
			continue
		}
		if !found || c.TargetProfit.GreaterThan(best.TargetProfit) ||
			(c.TargetProfit.Equal(best.TargetProfit) && c.Kind.Priority() < best.Kind.Priority()) {
			best = c
			found = true
		}
	}
	return best, found
}

// improves reports whether target beats the last applied level by at least the minimum increment.
func improves(in Input, target decimal.Decimal) bool {
	if !in.State.HasApplied {
		return true
	}
	return target.GreaterThanOrEqual(in.State.LastAppliedProfit.Add(in.Config.MinImprovement)) &&
		target.GreaterThan(in.State.LastAppliedProfit)
}

// lossCap proposes -MaxLoss while nothing is applied or the applied level allows a larger loss,
// as happens when a wider venue stop is adopted after a restart.
func lossCap(in Input) (Candidate, bool) {
	if !in.Config.MaxLoss.IsPositive() {
		return Candidate{}, false
	}
	if in.State.HasApplied && !in.State.LastAppliedProfit.LessThan(in.Config.MaxLoss.Neg()) {
		return Candidate{}, false
	}
	return Candidate{
		Kind:         KindLossCap,
		TargetProfit: in.Config.MaxLoss.Neg(),
		Reason:       fmt.Sprintf("loss cap at -%s", in.Config.MaxLoss.StringFixed(2)),
	}, true
}

func sweetSpot(in Input) (Candidate, bool) {
	cfg := in.Config
	if !cfg.SweetSpotEnabled || !in.State.InSweetSpot {
		return Candidate{}, false
	}
	if in.Profit.LessThan(cfg.SweetSpotMin) || in.Profit.GreaterThan(cfg.SweetSpotMax) {
		return Candidate{}, false
	}

	target := utils.MaxDecimal(in.Profit.Sub(cfg.SweetSpotTolerance), in.State.SweetSpotMinProfit)
	if in.State.HasApplied {
		target = utils.MaxDecimal(target, in.State.LastAppliedProfit)
	}
	target = utils.MinDecimal(target, in.Profit)

	if !target.IsPositive() || !improves(in, target) {
		return Candidate{}, false
	}
	return Candidate{
		Kind:         KindSweetSpot,
		TargetProfit: target,
		Reason: fmt.Sprintf("sweet spot lock %s (profit %s, band min %s)",
			target.StringFixed(2), in.Profit.StringFixed(2), in.State.SweetSpotMinProfit.StringFixed(2)),
	}, true
}

func stepLock(in Input) (Candidate, bool) {
	cfg := in.Config
	if !cfg.StepLockEnabled || !cfg.StepSize.IsPositive() || !in.Profit.GreaterThan(cfg.SweetSpotMax) {
		return Candidate{}, false
	}

	index := in.Profit.Div(cfg.StepSize).Floor()
	target := index.Sub(decimal.NewFromInt(1)).Mul(cfg.StepSize)
	target = utils.MinDecimal(target, in.Profit)

	if !target.IsPositive() || !improves(in, target) {
		return Candidate{}, false
	}
	return Candidate{
		Kind:         KindStepLock,
		TargetProfit: target,
		Reason:       fmt.Sprintf("step lock %s (step %s of %s)", target.StringFixed(2), index.String(), cfg.StepSize.String()),
	}, true
}

func elasticTrail(in Input) (Candidate, bool) {
	cfg := in.Config
	if !cfg.TrailEnabled || in.Profit.LessThan(cfg.MinLockIncrement) {
		return Candidate{}, false
	}

	one := decimal.NewFromInt(1)
	peak := utils.MaxDecimal(in.State.PeakProfit, in.Profit)
	step := cfg.MinLockIncrement

	target := utils.FloorToStep(peak.Mul(one.Sub(cfg.TrailPullback)), step)
	reason := "trail floor"

	if in.State.HasPrevProfit && in.Profit.Sub(in.State.PrevProfit).GreaterThan(cfg.JumpThreshold) {
		jump := utils.FloorToStep(peak.Mul(cfg.JumpLockFraction), step)
		if jump.GreaterThan(target) {
			target = jump
			reason = "trail jump lock"
		}
	}

	target = utils.MinDecimal(target, utils.FloorToStep(in.Profit, step))
	if cfg.TrailMaxLock.IsPositive() {
		target = utils.MinDecimal(target, cfg.TrailMaxLock)
	}

	if !target.IsPositive() || !improves(in, target) {
		return Candidate{}, false
	}
	return Candidate{
		Kind:         KindElasticTrail,
		TargetProfit: target,
		Reason:       fmt.Sprintf("%s %s (peak %s)", reason, target.StringFixed(2), peak.StringFixed(2)),
	}, true
}

func breakEven(in Input) (Candidate, bool) {
	cfg := in.Config
	s := in.State
	if !cfg.BreakEvenEnabled || s.BreakEvenApplied || !in.Profit.IsPositive() || s.PositiveProfitSince.IsZero() {
		return Candidate{}, false
	}
	held := in.Now.Sub(s.PositiveProfitSince)
	if held < cfg.BreakEvenAfter {
		return Candidate{}, false
	}
	if !improves(in, decimal.Zero) {
		return Candidate{}, false
	}
	return Candidate{
		Kind:         KindBreakEven,
		TargetProfit: decimal.Zero,
		AtEntry:      true,
		Reason:       fmt.Sprintf("break even after %s positive", held.Truncate(time.Second)),
	}, true
}
