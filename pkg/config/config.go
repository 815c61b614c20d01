// Package config holds the process-wide x402 client configuration.
//
// The configuration is read from the environment once at startup and passed
// by pointer into the components that need it. Nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	x402 "github.com/x402-foundation/paidfetch"
)

const (
	DefaultMaxAttempts     = 2
	DefaultSettlementPath  = "/api/payments/x402/settle"
	DefaultRegisterPath    = "/api/x402/resources/register"
	DefaultRegisterTimeout = 5 * time.Second
	DefaultHTTPTimeout     = 30 * time.Second
)

// Config is the immutable x402 client configuration
type Config struct {
	// MaxAttempts bounds the number of requests sent to the target per call
	MaxAttempts    int    `env:"X402_MAX_ATTEMPTS" envDefault:"2" validate:"min=1"`
	SettlementPath string `env:"X402_SETTLEMENT_PATH" envDefault:"/api/payments/x402/settle" validate:"required"`
	Enabled        bool   `env:"X402_ENABLED" envDefault:"true"`

	RegisterEnabled bool          `env:"X402_REGISTER_ENABLED" envDefault:"true"`
	RegisterPath    string        `env:"X402_REGISTER_PATH" envDefault:"/api/x402/resources/register"`
	RegisterToken   string        `env:"X402_REGISTER_TOKEN"`
	RegisterTimeout time.Duration `env:"X402_REGISTER_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	// PayTo is the default payee reported with challenge snapshots
	PayTo          string `env:"X402_PAY_TO" validate:"omitempty,payto"`
	APIBaseURL     string `env:"X402_API_BASE_URL" validate:"omitempty,url"`
	FacilitatorURL string `env:"X402_FACILITATOR_URL" validate:"omitempty,url"`

	PreferredNetworks []string `env:"X402_PREFERRED_NETWORKS" envDefault:"solana" envSeparator:","`

	HTTPTimeout    time.Duration `env:"X402_HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	LogLevel       string        `env:"X402_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	MetricsEnabled bool          `env:"X402_METRICS_ENABLED" envDefault:"false"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("payto", validatePayToTag); err != nil {
		panic(err)
	}
}

func validatePayToTag(fl validator.FieldLevel) bool {
	_, err := x402.NormalizePayTo(fl.Field().String())
	return err == nil
}

// Default returns the configuration with every default applied
func Default() *Config {
	return &Config{
		MaxAttempts:       DefaultMaxAttempts,
		SettlementPath:    DefaultSettlementPath,
		Enabled:           true,
		RegisterEnabled:   true,
		RegisterPath:      DefaultRegisterPath,
		RegisterTimeout:   DefaultRegisterTimeout,
		PreferredNetworks: append([]string(nil), x402.DefaultPreferredNetworks...),
		HTTPTimeout:       DefaultHTTPTimeout,
		LogLevel:          "info",
	}
}

// Load parses the environment and validates the result
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PayTo != "" {
		// validated above
		cfg.PayTo, _ = x402.NormalizePayTo(cfg.PayTo)
	}
	return cfg, nil
}

// Validate checks the struct constraints
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
