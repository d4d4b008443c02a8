package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LoopPeriod      time.Duration `envconfig:"LOOP_PERIOD" default:"10s"`
	FastLoopPeriod  time.Duration `envconfig:"FAST_LOOP_PERIOD" default:"1s"`
	FastLoopEnabled bool          `envconfig:"FAST_LOOP_ENABLED" default:"true"`
	// MaxConsecutiveErrors stops the loop after that many failed cycles in a row; 0 never stops.
	MaxConsecutiveErrors int `envconfig:"LOOP_MAX_CONSECUTIVE_ERRORS" default:"0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
