package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BridgeBaseURL   string        `envconfig:"BRIDGE_BASE_URL" default:"http://127.0.0.1:8228"`
	BridgeWSURL     string        `envconfig:"BRIDGE_WS_URL" default:"ws://127.0.0.1:8228/ws/ticks"`
	BridgeAPIKey    string        `envconfig:"BRIDGE_API_KEY"`
	BridgeAPISecret string        `envconfig:"BRIDGE_API_SECRET"`
	BridgeTimeout   time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"15s"`

	// encrypted secrets are decrypted with security.DecryptString before use
	BridgeSecretEncrypted bool `envconfig:"BRIDGE_SECRET_ENCRYPTED" default:"false"`

	CloseDeviationPoints int           `envconfig:"BRIDGE_CLOSE_DEVIATION" default:"20"`
	QuoteMaxAge          time.Duration `envconfig:"BRIDGE_QUOTE_MAX_AGE" default:"2s"`
	StreamReconnect      time.Duration `envconfig:"BRIDGE_STREAM_RECONNECT" default:"5s"`
	StreamEnabled        bool          `envconfig:"BRIDGE_STREAM_ENABLED" default:"false"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
