package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	logger "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stopguard/src/engine"
	"stopguard/src/policy"
	"stopguard/src/risk"
)

// Settings is everything the monitor needs to build an engine.
type Settings struct {
	Engine  engine.Config      `yaml:"engine"`
	Policy  policy.Config      `yaml:"policy"`
	Breaker risk.BreakerConfig `yaml:"breaker"`
}

// LoadDotEnv loads .env files when present. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

// Load builds the settings from the environment, then overlays the YAML profile at
// profilePath when one is given. Keys present in the profile win over the environment.
func Load(profilePath string) (Settings, error) {
	s := Settings{
		Engine:  engine.GetConfig(),
		Policy:  policy.GetConfig(),
		Breaker: risk.GetBreakerConfig(),
	}

	if profilePath != "" {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			return Settings{}, fmt.Errorf("config.Load: read %q: %w", profilePath, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
		logger.WithField("profile", profilePath).Info("Policy profile applied")
	}

	if err := s.Policy.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config.Load: policy: %w", err)
	}
	if err := s.Engine.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config.Load: engine: %w", err)
	}
	return s, nil
}
