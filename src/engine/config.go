package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"stopguard" yaml:"service_name"`

	FastPollThreshold decimal.Decimal `envconfig:"FAST_POLL_THRESHOLD" default:"0.50" yaml:"fast_poll_threshold"`
	FastPollDebounce  int             `envconfig:"FAST_POLL_DEBOUNCE" default:"3" yaml:"fast_poll_debounce"`

	MinAttemptInterval time.Duration   `envconfig:"MIN_ATTEMPT_INTERVAL" default:"10s" yaml:"min_attempt_interval"`
	AttemptTolerance   decimal.Decimal `envconfig:"ATTEMPT_TOLERANCE" default:"0.01" yaml:"attempt_tolerance"`
	RateLimitBackoff   time.Duration   `envconfig:"RATE_LIMIT_BACKOFF" default:"30s" yaml:"rate_limit_backoff"`

	// global mutation budget shared by every ticket
	GlobalRatePerSecond float64 `envconfig:"GLOBAL_RATE_PER_SECOND" default:"5" yaml:"global_rate_per_second"`
	GlobalBurst         int     `envconfig:"GLOBAL_BURST" default:"5" yaml:"global_burst"`

	ModifyTimeout        time.Duration `envconfig:"MODIFY_TIMEOUT" default:"5s" yaml:"modify_timeout"`
	SettleDelay          time.Duration `envconfig:"SETTLE_DELAY" default:"500ms" yaml:"settle_delay"`
	PriceTolerancePoints int64         `envconfig:"PRICE_TOLERANCE_POINTS" default:"2" yaml:"price_tolerance_points"`
	MaxAttempts          int           `envconfig:"MAX_ATTEMPTS" default:"3" yaml:"max_attempts"`
	RetryBackoff         time.Duration `envconfig:"RETRY_BACKOFF" default:"1s" yaml:"retry_backoff"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Validate rejects settings that would stall or disable protective updates.
func (c Config) Validate() error {
	if c.GlobalRatePerSecond <= 0 {
		return fmt.Errorf("global rate per second must be positive, got %v", c.GlobalRatePerSecond)
	}
	if c.GlobalBurst < 1 {
		return fmt.Errorf("global burst must be at least 1, got %d", c.GlobalBurst)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ModifyTimeout <= 0 {
		return fmt.Errorf("modify timeout must be positive, got %s", c.ModifyTimeout)
	}
	return nil
}
