package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is built once at startup and passed by reference into each
// component. No component reads viper (or the environment) directly.
type Config struct {
	Risk       RiskConfig
	Compliance ComplianceConfig
	Retry      RetryConfig
	Rail       RailConfig
	Signer     SignerConfig
	Rates      RatesConfig
	JWTSecret  []byte
}

type RiskConfig struct {
	MediumThreshold int
	HighThreshold   int
	AmountLowTier   decimal.Decimal
	AmountMidTier   decimal.Decimal
	AmountHighTier  decimal.Decimal
	VelocityWindow  time.Duration
}

type ComplianceConfig struct {
	DailyCeiling      decimal.Decimal
	SingleCeiling     decimal.Decimal
	LowValueExemption decimal.Decimal
	ReportingCurrency string
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type RailConfig struct {
	ExecutionTimeout time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	// Endpoints maps rail identifier to the provider base URL.
	Endpoints map[string]string
}

type SignerConfig struct {
	Secret []byte
}

type RatesConfig struct {
	BaseURL string
	MaxAge  time.Duration
	Timeout time.Duration
}

// Load reads configuration from .env / environment via viper and
// materializes the immutable Config.
func Load() *Config {
	viper.SetDefault("risk.medium_threshold", 50)
	viper.SetDefault("risk.high_threshold", 75)
	viper.SetDefault("risk.amount_low_tier", "1000")
	viper.SetDefault("risk.amount_mid_tier", "5000")
	viper.SetDefault("risk.amount_high_tier", "10000")
	viper.SetDefault("risk.velocity_window", time.Hour)

	viper.SetDefault("compliance.daily_ceiling", "20000")
	viper.SetDefault("compliance.single_ceiling", "10000")
	viper.SetDefault("compliance.low_value_exemption", "50")
	viper.SetDefault("compliance.reporting_currency", "USD")

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", 500*time.Millisecond)

	viper.SetDefault("rail.execution_timeout", 10*time.Second)
	viper.SetDefault("rail.probe_interval", 30*time.Second)
	viper.SetDefault("rail.probe_timeout", 5*time.Second)
	viper.SetDefault("rail.bank_endpoint", "http://localhost:9801")
	viper.SetDefault("rail.wallet_endpoint", "http://localhost:9802")
	viper.SetDefault("rail.corridor_endpoint", "http://localhost:9803")

	viper.SetDefault("signer.secret", "dev-only-signing-secret")

	viper.SetDefault("rates.base_url", "http://localhost:9810")
	viper.SetDefault("rates.max_age", 15*time.Minute)
	viper.SetDefault("rates.timeout", 5*time.Second)

	viper.SetDefault("jwt.secret_key", "dev-only-jwt-secret")

	return &Config{
		Risk: RiskConfig{
			MediumThreshold: viper.GetInt("risk.medium_threshold"),
			HighThreshold:   viper.GetInt("risk.high_threshold"),
			AmountLowTier:   mustDecimal(viper.GetString("risk.amount_low_tier")),
			AmountMidTier:   mustDecimal(viper.GetString("risk.amount_mid_tier")),
			AmountHighTier:  mustDecimal(viper.GetString("risk.amount_high_tier")),
			VelocityWindow:  viper.GetDuration("risk.velocity_window"),
		},
		Compliance: ComplianceConfig{
			DailyCeiling:      mustDecimal(viper.GetString("compliance.daily_ceiling")),
			SingleCeiling:     mustDecimal(viper.GetString("compliance.single_ceiling")),
			LowValueExemption: mustDecimal(viper.GetString("compliance.low_value_exemption")),
			ReportingCurrency: viper.GetString("compliance.reporting_currency"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("retry.max_attempts"),
			BaseDelay:   viper.GetDuration("retry.base_delay"),
		},
		Rail: RailConfig{
			ExecutionTimeout: viper.GetDuration("rail.execution_timeout"),
			ProbeInterval:    viper.GetDuration("rail.probe_interval"),
			ProbeTimeout:     viper.GetDuration("rail.probe_timeout"),
			Endpoints: map[string]string{
				"BANK":     viper.GetString("rail.bank_endpoint"),
				"WALLET":   viper.GetString("rail.wallet_endpoint"),
				"CORRIDOR": viper.GetString("rail.corridor_endpoint"),
			},
		},
		Signer: SignerConfig{
			Secret: []byte(viper.GetString("signer.secret")),
		},
		Rates: RatesConfig{
			BaseURL: viper.GetString("rates.base_url"),
			MaxAge:  viper.GetDuration("rates.max_age"),
			Timeout: viper.GetDuration("rates.timeout"),
		},
		JWTSecret: []byte(viper.GetString("jwt.secret_key")),
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
