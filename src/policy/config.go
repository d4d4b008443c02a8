package policy

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds the thresholds shared by every candidate module. Monetary values are in account currency.
type Config struct {
	MaxLoss decimal.Decimal `envconfig:"MAX_LOSS" default:"2.00" yaml:"max_loss"`

	SweetSpotEnabled   bool            `envconfig:"SWEET_SPOT_ENABLED" default:"true" yaml:"sweet_spot_enabled"`
	SweetSpotMin       decimal.Decimal `envconfig:"SWEET_SPOT_MIN" default:"0.03" yaml:"sweet_spot_min"`
	SweetSpotMax       decimal.Decimal `envconfig:"SWEET_SPOT_MAX" default:"0.10" yaml:"sweet_spot_max"`
	SweetSpotTolerance decimal.Decimal `envconfig:"SWEET_SPOT_TOLERANCE" default:"0.02" yaml:"sweet_spot_tolerance"`

	MinImprovement decimal.Decimal `envconfig:"MIN_IMPROVEMENT" default:"0.01" yaml:"min_improvement"`

	StepLockEnabled bool            `envconfig:"STEP_LOCK_ENABLED" default:"true" yaml:"step_lock_enabled"`
	StepSize        decimal.Decimal `envconfig:"STEP_SIZE" default:"0.10" yaml:"step_size"`

	TrailEnabled     bool            `envconfig:"TRAIL_ENABLED" default:"true" yaml:"trail_enabled"`
	MinLockIncrement decimal.Decimal `envconfig:"MIN_LOCK_INCREMENT" default:"0.10" yaml:"min_lock_increment"`
	TrailPullback    decimal.Decimal `envconfig:"TRAIL_PULLBACK" default:"0.40" yaml:"trail_pullback"`
	JumpThreshold    decimal.Decimal `envconfig:"JUMP_THRESHOLD" default:"0.30" yaml:"jump_threshold"`
	JumpLockFraction decimal.Decimal `envconfig:"JUMP_LOCK_FRACTION" default:"0.75" yaml:"jump_lock_fraction"`
	TrailMaxLock     decimal.Decimal `envconfig:"TRAIL_MAX_LOCK" default:"0" yaml:"trail_max_lock"` // 0 = no cap

	BreakEvenEnabled bool          `envconfig:"BREAK_EVEN_ENABLED" default:"true" yaml:"break_even_enabled"`
	BreakEvenAfter   time.Duration `envconfig:"BREAK_EVEN_AFTER" default:"5m" yaml:"break_even_after"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("POLICY", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Validate rejects configurations that would make the modules misbehave.
func (c Config) Validate() error {
	if !c.MaxLoss.IsPositive() {
		return fmt.Errorf("max loss must be positive, got %s", c.MaxLoss)
	}
	if c.SweetSpotEnabled && c.SweetSpotMin.GreaterThan(c.SweetSpotMax) {
		return fmt.Errorf("sweet spot band is inverted: [%s, %s]", c.SweetSpotMin, c.SweetSpotMax)
	}
	if c.StepLockEnabled && !c.StepSize.IsPositive() {
		return fmt.Errorf("step size must be positive, got %s", c.StepSize)
	}
	if c.TrailEnabled {
		if c.TrailPullback.IsNegative() || c.TrailPullback.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("trail pullback must be in [0, 1), got %s", c.TrailPullback)
		}
		if c.JumpLockFraction.IsNegative() || c.JumpLockFraction.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("jump lock fraction must be in [0, 1], got %s", c.JumpLockFraction)
		}
	}
	if c.MinImprovement.IsNegative() {
		return fmt.Errorf("min improvement must not be negative, got %s", c.MinImprovement)
	}
	return nil
}
