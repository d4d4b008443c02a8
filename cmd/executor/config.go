package executor

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// YAML policy profile applied over the environment, see config.Load
	PolicyFile string `envconfig:"POLICY_FILE"`
	// symbols subscribed on the tick stream
	StreamSymbols []string `envconfig:"STREAM_SYMBOLS" default:"EURUSD"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
