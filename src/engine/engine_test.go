package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stopguard/src/model"
	"stopguard/src/policy"
	"stopguard/src/risk"
	"stopguard/src/tp_sl"
	"stopguard/src/tracking"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCalculateInitialProtectivePrice_EndToEnd(t *testing.T) {
	h := newHarness(testEngineConfig())
	ctx := context.Background()

	price, err := h.engine.CalculateInitialProtectivePrice(ctx, "EURUSD", model.DirectionLong, d("0.01"), d("1.10000"), d("2.00"))
	require.NoError(t, err)
	if !price.Equal(d("1.09800")) {
		t.Fatalf("expected 1.09800, got %s", price)
	}

	profit, ok := tp_sl.ProfitAtPrice(d("1.10000"), model.DirectionLong, d("0.01"), d("100000"), price)
	require.True(t, ok)
	if !profit.Equal(d("-2")) {
		t.Fatalf("inverse must return -2.00, got %s", profit)
	}

	_, err = h.engine.CalculateInitialProtectivePrice(ctx, "EURUSD", model.DirectionShort, d("0.01"), d("1.10000"), d("2.00"))
	require.NoError(t, err)
	require.Equal(t, 1, h.gw.constraintCalls, "contract size must be cached per symbol")
}

func TestCalculateInitialProtectivePrice_Errors(t *testing.T) {
	h := newHarness(testEngineConfig())
	ctx := context.Background()

	_, err := h.engine.CalculateInitialProtectivePrice(ctx, "EURUSD", model.DirectionLong, d("0"), d("1.1"), d("2"))
	require.True(t, errors.Is(err, ErrDegenerateInputs))

	// 2.00 / (1 * 100000) is two points, inside the ten point stops level
	_, err = h.engine.CalculateInitialProtectivePrice(ctx, "EURUSD", model.DirectionLong, d("1"), d("1.1"), d("2"))
	require.True(t, errors.Is(err, ErrLossCapUnreachable))

	_, err = h.engine.CalculateInitialProtectivePrice(ctx, "XAUUSD", model.DirectionLong, d("1"), d("2000"), d("2"))
	require.Error(t, err)
}

func TestRunCycle_AppliesLossCapToUnprotectedPosition(t *testing.T) {
	tests := []struct {
		name string
		dir  model.Direction
		bid  string
		want string
	}{
		{name: "long", dir: model.DirectionLong, bid: "1.09950", want: "1.098"},
		{name: "short", dir: model.DirectionShort, bid: "1.10048", want: "1.102"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(testEngineConfig())
			h.gw.open(1, tc.dir, "0.01")
			h.gw.setBid(tc.bid)

			report, err := h.engine.RunCycle(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, report.Applied)
			require.Equal(t, 1, h.gw.submitCount())
			if got := h.gw.lastSubmit().Price; !got.Equal(d(tc.want)) {
				t.Fatalf("expected loss cap %s, got %s", tc.want, got)
			}

			snap, ok := h.engine.Store().Snapshot(1)
			require.True(t, ok)
			require.True(t, snap.SLVerified)
			require.True(t, snap.LastAppliedProfit.Equal(d("-2")))
			require.Equal(t, []string{model.ApplyStatusVerified}, h.audit.statuses())
		})
	}
}

func TestRunCycle_IdempotentWithoutProfitChange(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)

	if n := h.gw.submitCount(); n != 1 {
		t.Fatalf("expected exactly one venue mutation, got %d", n)
	}
}

func TestApply_SecondCallInSuccessionIsDebounced(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxAttempts = 1
	h := newHarness(cfg)
	h.gw.ignoreSubmits = true
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.10044")
	ctx := context.Background()

	h.engine.Store().Track(1, "EURUSD", h.clock.Now())
	lease, err := h.engine.Store().Acquire(1)
	require.NoError(t, err)
	defer lease.Release()

	pos, err := h.gw.GetPosition(ctx, 1)
	require.NoError(t, err)
	req := request{candidate: policy.Candidate{Kind: policy.KindStepLock, TargetProfit: d("0.30")}}

	err = h.engine.apply(ctx, lease, pos, req)
	require.True(t, errors.Is(err, ErrRetriesExhausted), "got %v", err)

	err = h.engine.apply(ctx, lease, pos, req)
	require.True(t, errors.Is(err, ErrDebounced), "got %v", err)
	require.Equal(t, 1, h.gw.submitCount())

	// the unconfirmed intent is kept but flagged for re-application
	snap := lease.Snapshot()
	require.True(t, snap.HasApplied)
	require.False(t, snap.SLVerified)
	require.Empty(t, h.gw.closes)
}

func TestRunCycle_LevelNeverRegresses(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.10044")
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, h.gw.lastSubmit().Price.Equal(d("1.1003")), "expected step lock at 0.30, got %s", h.gw.lastSubmit().Price)

	h.gw.setBid("1.10035")
	h.clock.Advance(time.Minute)
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, h.gw.submitCount())
	snap, _ := h.engine.Store().Snapshot(1)
	require.True(t, snap.LastAppliedProfit.Equal(d("0.3")))
	require.True(t, snap.PeakProfit.Equal(d("0.44")))
}

func TestRunCycle_WorseVenueLevelIsReapplied(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.10044")
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)

	h.gw.setStopLoss(1, "1.09900")
	h.clock.Advance(11 * time.Second)
	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)

	require.Equal(t, 2, h.gw.submitCount())
	require.True(t, h.gw.lastSubmit().Price.Equal(d("1.1003")))
	snap, _ := h.engine.Store().Snapshot(1)
	require.True(t, snap.SLVerified)
}

func TestRunCycle_BetterVenueLevelIsAdopted(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.setStopLoss(1, "1.09900")

	_, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 0, h.gw.submitCount())
	snap, _ := h.engine.Store().Snapshot(1)
	require.True(t, snap.LastAppliedPrice.Equal(d("1.099")))
	require.True(t, snap.LastAppliedProfit.Equal(d("-1")))
}

func TestApply_RetriesWithBackoffThenVerifies(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.submitErrs = []error{errors.New("bridge timeout"), errors.New("bridge timeout")}

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 3, h.gw.submitCount())
	// 1s + 2s backoff plus one settle delay
	require.Equal(t, 3500*time.Millisecond, h.clock.slept)
	require.Empty(t, h.gw.closes)
}

func TestApply_ExhaustedAtRiskTriggersFailSafe(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.submitErrs = []error{errors.New("rejected"), errors.New("rejected"), errors.New("rejected")}

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, []uint64{1}, h.gw.closes)
	require.Len(t, h.reported, 1)
	require.Equal(t, model.ExceptionLevelCritical, h.reported[0].level)
	require.True(t, errors.Is(h.reported[0].err, ErrRetriesExhausted))
	require.Equal(t, []string{model.ApplyStatusExhausted, model.ApplyStatusFailSafe}, h.audit.statuses())
}

func TestApply_UnreachableLossCapClosesPosition(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	// profit -2.50, the -2.00 cap sits above the bid
	h.gw.setBid("1.09750")

	_, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, h.gw.submitCount())
	require.Equal(t, []uint64{1}, h.gw.closes)
	require.True(t, errors.Is(h.reported[0].err, ErrLossCapUnreachable))
}

func TestApply_ExhaustedNotAtRiskKeepsPosition(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.10044")
	h.gw.submitErrs = []error{errors.New("rejected"), errors.New("rejected"), errors.New("rejected")}

	_, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.gw.closes)
	require.Empty(t, h.reported)
}

func TestRunCycle_VenueRateLimitBacksOff(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.submitErrs = []error{fmt.Errorf("retcode 10024: %w", ErrRateLimited)}
	ctx := context.Background()

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)

	h.clock.Advance(time.Second)
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 1, h.gw.submitCount())

	h.clock.Advance(31 * time.Second)
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 2, h.gw.submitCount())
}

func TestRunCycle_GlobalRateLimit(t *testing.T) {
	h := newHarness(testEngineConfig(), WithLimiter(rate.NewLimiter(0, 1)))
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.open(2, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, uint64(1), h.gw.lastSubmit().Ticket)
}

func TestRunCycle_BusyTicketSkipped(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")

	h.engine.Store().Track(1, "EURUSD", h.clock.Now())
	lease, err := h.engine.Store().Acquire(1)
	require.NoError(t, err)
	defer lease.Release()

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 0, h.gw.submitCount())
}

func TestRunCycle_ClosureFeedsBreakerThenCleansUp(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: 1,
		RollingLossFloor:     d("-100"),
		Cooldown:             time.Hour,
	})
	h := newHarness(testEngineConfig(), WithBreaker(breaker))
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)

	h.gw.vanish(1, "-2")
	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)
	require.Equal(t, 1, h.engine.Store().Len(), "entry is kept until the next cycle")
	require.Len(t, h.results.rows, 1)
	require.True(t, h.results.rows[0].RealizedProfit.Equal(d("-2")))
	require.False(t, breaker.Allow(h.clock.Now()).Allowed)

	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Removed)
	require.Equal(t, 0, h.engine.Store().Len())
	require.Len(t, h.results.rows, 1, "closure must be recorded once")
}

func TestRunCycle_PositionClosedDuringApply(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.ghosts[1] = true

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)
	require.Equal(t, 0, h.gw.submitCount())
	require.Empty(t, h.gw.closes)
}

func TestUpdatePolling_Hysteresis(t *testing.T) {
	h := newHarness(testEngineConfig())
	e := &tracking.Entry{Ticket: 1}

	h.engine.updatePolling(e, d("0.60"))
	require.True(t, e.FastPolling)

	h.engine.updatePolling(e, d("0.40"))
	require.True(t, e.FastPolling, "one observation below must not demote")
	require.Equal(t, 1, e.DebounceCount)

	h.engine.updatePolling(e, d("0.55"))
	require.Equal(t, 0, e.DebounceCount, "back above threshold resets the debounce")

	h.engine.updatePolling(e, d("0.40"))
	h.engine.updatePolling(e, d("0.30"))
	require.False(t, e.FastPolling)
}

func TestRunCycleFor_FastVisitsPromotedOnly(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.open(2, model.DirectionLong, "0.01")

	store := h.engine.Store()
	store.Track(1, "EURUSD", h.clock.Now())
	store.Track(2, "EURUSD", h.clock.Now())
	store.Observe(1, func(e *tracking.Entry) { e.FastPolling = true })

	report, err := h.engine.RunCycleFor(context.Background(), CadenceFast)
	require.NoError(t, err)
	require.Equal(t, 1, report.Positions)
	require.Equal(t, "fast", report.Cadence)
}

func TestGetEffectiveProtectiveProfit(t *testing.T) {
	h := newHarness(testEngineConfig())
	ctx := context.Background()
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.open(2, model.DirectionLong, "0.01")
	h.gw.setStopLoss(1, "1.10030")

	pos, _ := h.gw.GetPosition(ctx, 1)
	profit, ok, err := h.engine.GetEffectiveProtectiveProfit(ctx, pos)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, profit.Equal(d("0.3")), "got %s", profit)

	pos, _ = h.gw.GetPosition(ctx, 2)
	_, ok, err = h.engine.GetEffectiveProtectiveProfit(ctx, pos)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunCycle_LossNeverExceedsCap(t *testing.T) {
	sizes := []string{"0.01", "0.05", "0.10", "0.50", "1.00"}
	dirs := []model.Direction{model.DirectionLong, model.DirectionShort}
	maxLoss := testPolicyConfig().MaxLoss

	for _, size := range sizes {
		for _, dir := range dirs {
			t.Run(fmt.Sprintf("%s_%s", dir, size), func(t *testing.T) {
				h := newHarness(testEngineConfig())
				h.gw.open(1, dir, size)

				_, err := h.engine.RunCycle(context.Background())
				require.NoError(t, err)

				for _, call := range h.gw.submits {
					profit, ok := tp_sl.ProfitAtPrice(d("1.10000"), dir, d(size), d("100000"), call.Price)
					require.True(t, ok)
					if profit.LessThan(maxLoss.Neg()) {
						t.Fatalf("protective price %s implies loss %s beyond cap %s", call.Price, profit, maxLoss)
					}
				}
			})
		}
	}
}

func TestCleanupClosed(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.engine.Store().Track(9, "EURUSD", time.Now())
	h.engine.CleanupClosed(9)
	_, ok := h.engine.Store().Snapshot(9)
	require.False(t, ok)
	h.engine.CleanupClosed(9)
}


func TestRunCycle_LooserVenueStopTightenedToCap(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	// venue stop allows a 5.00 loss against a 2.00 cap
	h.gw.setStopLoss(1, "1.09500")
	ctx := context.Background()

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, h.gw.submitCount())
	require.True(t, h.gw.lastSubmit().Price.Equal(d("1.098")), "got %s", h.gw.lastSubmit().Price)

	pos, err := h.gw.GetPosition(ctx, 1)
	require.NoError(t, err)
	require.True(t, pos.StopLoss.Equal(d("1.098")))
	snap, ok := h.engine.Store().Snapshot(1)
	require.True(t, ok)
	require.True(t, snap.LastAppliedProfit.Equal(d("-2")))

	h.clock.Advance(time.Minute)
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.gw.submitCount(), "capped level is not resubmitted")
}

func TestApply_RetriesChargeGlobalBudget(t *testing.T) {
	h := newHarness(testEngineConfig(), WithLimiter(rate.NewLimiter(0, 1)))
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.submitErrs = []error{errors.New("bridge timeout"), errors.New("bridge timeout")}

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 1, h.gw.submitCount(), "a retry without budget must not reach the venue")
	require.Empty(t, h.gw.closes)
}

func TestApply_SingleAttemptExhaustedAtRiskFailSafe(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxAttempts = 1
	h := newHarness(cfg)
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.submitErrs = []error{errors.New("rejected")}

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, h.gw.submitCount())
	require.Equal(t, []uint64{1}, h.gw.closes)
	require.Len(t, h.reported, 1)
	require.Equal(t, model.ExceptionLevelCritical, h.reported[0].level)
	require.Equal(t, []string{model.ApplyStatusExhausted, model.ApplyStatusFailSafe}, h.audit.statuses())
}

func TestGetEffectiveProtectiveProfit_IgnoresTrackedLevel(t *testing.T) {
	h := newHarness(testEngineConfig())
	ctx := context.Background()
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	snap, ok := h.engine.Store().Snapshot(1)
	require.True(t, ok)
	require.True(t, snap.HasApplied)

	// stop removed at the venue behind the engine's back
	h.gw.setStopLoss(1, "0")
	pos, err := h.gw.GetPosition(ctx, 1)
	require.NoError(t, err)
	_, ok, err = h.engine.GetEffectiveProtectiveProfit(ctx, pos)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunCycle_ClosedSlotKeptWhileListIsStale(t *testing.T) {
	h := newHarness(testEngineConfig())
	h.gw.open(1, model.DirectionLong, "0.01")
	h.gw.setBid("1.09950")
	h.gw.ghosts[1] = true
	h.gw.closed[1] = model.ClosedTradeResult{Ticket: 1, Symbol: "EURUSD", RealizedProfit: d("-0.5"), Reason: model.CloseReasonUnknown}
	ctx := context.Background()

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)
	require.Len(t, h.results.rows, 1)

	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Closed)
	require.Equal(t, 0, report.Removed)
	require.Equal(t, 1, h.engine.Store().Len())
	require.Len(t, h.results.rows, 1, "closure must be recorded once")

	h.gw.mu.Lock()
	delete(h.gw.positions, 1)
	h.gw.mu.Unlock()
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Removed)
	require.Equal(t, 0, h.engine.Store().Len())
}
