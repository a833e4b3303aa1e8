package services

import (
	"github.com/crosspay/backend/internal/config"
	"github.com/shopspring/decimal"
)

// Risk advisory flags attached to a transaction.
const (
	FlagHighAmount       = "HIGH_AMOUNT"
	FlagElevatedAmount   = "ELEVATED_AMOUNT"
	FlagNotableAmount    = "NOTABLE_AMOUNT"
	FlagOffHours         = "OFF_HOURS"
	FlagNewDevice        = "NEW_DEVICE"
	FlagHighVelocity     = "HIGH_VELOCITY"
	FlagElevatedVelocity = "ELEVATED_VELOCITY"
	FlagCrossCurrency    = "CROSS_CURRENCY"
)

// RiskFeatures are pre-fetched by the caller; the scorer performs no I/O.
type RiskFeatures struct {
	Amount        decimal.Decimal
	HourOfDay     int
	KnownDevice   bool
	RecentTxCount int
	CrossCurrency bool
}

// RiskScorer is a pure weighted additive model. Identical features always
// produce an identical score.
type RiskScorer struct {
	cfg *config.RiskConfig
}

func NewRiskScorer(cfg *config.RiskConfig) *RiskScorer {
	return &RiskScorer{cfg: cfg}
}

// Score returns the risk score and the flags that contributed to it.
func (rs *RiskScorer) Score(f RiskFeatures) (int, []string) {
	score := 0
	flags := []string{}

	switch {
	case f.Amount.GreaterThan(rs.cfg.AmountHighTier):
		score += 30
		flags = append(flags, FlagHighAmount)
	case f.Amount.GreaterThan(rs.cfg.AmountMidTier):
		score += 20
		flags = append(flags, FlagElevatedAmount)
	case f.Amount.GreaterThan(rs.cfg.AmountLowTier):
		score += 10
		flags = append(flags, FlagNotableAmount)
	}

	if f.HourOfDay < 6 || f.HourOfDay >= 22 {
		score += 15
		flags = append(flags, FlagOffHours)
	}

	if !f.KnownDevice {
		score += 25
		flags = append(flags, FlagNewDevice)
	}

	switch {
	case f.RecentTxCount > 5:
		score += 20
		flags = append(flags, FlagHighVelocity)
	case f.RecentTxCount > 3:
		score += 10
		flags = append(flags, FlagElevatedVelocity)
	}

	if f.CrossCurrency {
		score += 15
		flags = append(flags, FlagCrossCurrency)
	}

	return score, flags
}
