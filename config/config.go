// Package config loads and validates the service's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/relaykit/txmgr/txm"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Listen    string
	AuthToken string
	RedisURL  string

	ChainConnectorURL string
	KeyManagerURL     string
	GasManagerURL     string

	ProviderCacheTTL  Duration
	ClientTimeout     Duration
	BalancePollPeriod Duration

	Txm TxmConfig
}

type TxmConfig struct {
	MaxPending         int
	MaxRetries         int
	RetryBaseDelay     Duration
	TxTimeout          Duration
	ConfirmationBlocks uint64
	ConfirmPollPeriod  Duration
	NonceSyncInterval  Duration
	RetentionPeriod    Duration
	ReapInterval       Duration
}

// Config converts the TOML shape into the manager's runtime settings.
func (c TxmConfig) Config() txm.Config {
	return txm.Config{
		MaxPending:         c.MaxPending,
		MaxRetries:         c.MaxRetries,
		RetryBaseDelay:     c.RetryBaseDelay.Duration,
		TxTimeout:          c.TxTimeout.Duration,
		ConfirmationBlocks: c.ConfirmationBlocks,
		ConfirmPollPeriod:  c.ConfirmPollPeriod.Duration,
		NonceSyncInterval:  c.NonceSyncInterval.Duration,
		RetentionPeriod:    c.RetentionPeriod.Duration,
		ReapInterval:       c.ReapInterval.Duration,
	}
}

// Default returns the configuration used when a field is absent from the
// file. The retry and timeout values mirror the platform-wide defaults.
func Default() Config {
	return Config{
		Listen:            ":3008",
		ChainConnectorURL: "http://localhost:3001",
		KeyManagerURL:     "http://localhost:3006",
		GasManagerURL:     "http://localhost:3007",
		ProviderCacheTTL:  Duration{time.Hour},
		ClientTimeout:     Duration{10 * time.Second},
		BalancePollPeriod: Duration{time.Minute},
		Txm: TxmConfig{
			MaxPending:         100,
			MaxRetries:         3,
			RetryBaseDelay:     Duration{time.Second},
			TxTimeout:          Duration{5 * time.Minute},
			ConfirmationBlocks: 1,
			ConfirmPollPeriod:  Duration{3 * time.Second},
			NonceSyncInterval:  Duration{time.Minute},
			RetentionPeriod:    Duration{24 * time.Hour},
			ReapInterval:       Duration{time.Minute},
		},
	}
}

// Load reads a TOML file over the defaults. Unknown fields are rejected.
// TXMGR_REDIS_URL and TXMGR_AUTH_TOKEN override the file so secrets can
// stay out of it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		decoder := toml.NewDecoder(strings.NewReader(string(raw)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if v := os.Getenv("TXMGR_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("TXMGR_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("Listen is required")
	}
	if c.ChainConnectorURL == "" {
		return fmt.Errorf("ChainConnectorURL is required")
	}
	if c.KeyManagerURL == "" {
		return fmt.Errorf("KeyManagerURL is required")
	}
	if c.GasManagerURL == "" {
		return fmt.Errorf("GasManagerURL is required")
	}
	if c.Txm.MaxPending <= 0 {
		return fmt.Errorf("Txm.MaxPending must be positive")
	}
	if c.Txm.MaxRetries < 0 {
		return fmt.Errorf("Txm.MaxRetries must not be negative")
	}
	if c.Txm.TxTimeout.Duration <= 0 {
		return fmt.Errorf("Txm.TxTimeout must be positive")
	}
	if c.Txm.ConfirmPollPeriod.Duration <= 0 {
		return fmt.Errorf("Txm.ConfirmPollPeriod must be positive")
	}
	return nil
}
