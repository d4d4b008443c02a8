package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"stopguard/src/engine"
)

type cycleRunner interface {
	RunCycleFor(ctx context.Context, cadence engine.Cadence) (engine.CycleReport, error)
}

// StartLoop runs one cycle per period at the given cadence until ctx is cancelled.
// A failed cycle is logged and retried on the next tick.
func StartLoop(ctx context.Context, runner cycleRunner, cadence engine.Cadence, period time.Duration, maxErrors int) error {
	if period <= 0 {
		return fmt.Errorf("%s loop: period must be positive, got %s", cadence, period)
	}

	ticker := time.NewTicker(period) // Set up a ticker that fires periodically
	defer ticker.Stop()

	log := logger.WithFields(map[string]interface{}{
		"loop":   cadence.String(),
		"period": period.String(),
	})
	log.Info("loop started")

	failures := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("loop stopped")
			return nil

		case <-ticker.C:
			report, err := runner.RunCycleFor(ctx, cadence)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					log.Info("loop stopped")
					return nil
				}
				failures++
				log.WithError(err).WithField("consecutive_failures", failures).Error("cycle failed")
				if maxErrors > 0 && failures >= maxErrors {
					return fmt.Errorf("%s loop: %d consecutive failed cycles: %w", cadence, failures, err)
				}
				continue
			}
			failures = 0

			entry := log.WithFields(map[string]interface{}{
				"positions": report.Positions,
				"applied":   report.Applied,
				"deferred":  report.Deferred,
				"failed":    report.Failed,
				"closed":    report.Closed,
				"duration":  report.Duration.String(),
			})
			if report.Applied > 0 || report.Failed > 0 || report.Closed > 0 {
				entry.Info("loop tick")
			} else {
				entry.Debug("loop tick")
			}
		}
	}
}

// StartMonitors runs the baseline loop and, when enabled, the fast loop. It returns when ctx
// is cancelled or when either loop gives up; the other loop is stopped in that case.
func StartMonitors(ctx context.Context, runner cycleRunner, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	run := func(cadence engine.Cadence, period time.Duration) {
		defer wg.Done()
		if err := StartLoop(ctx, runner, cadence, period, cfg.MaxConsecutiveErrors); err != nil {
			errOnce.Do(func() { firstErr = err })
			cancel()
		}
	}

	wg.Add(1)
	go run(engine.CadenceBaseline, cfg.LoopPeriod)
	if cfg.FastLoopEnabled {
		wg.Add(1)
		go run(engine.CadenceFast, cfg.FastLoopPeriod)
	}
	wg.Wait()
	return firstErr
}
