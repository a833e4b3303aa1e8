package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rail identifiers.
const (
	RailBank     = "BANK"
	RailWallet   = "WALLET"
	RailCorridor = "CORRIDOR"
)

type RailAvailability string

const (
	RailUp       RailAvailability = "UP"
	RailDegraded RailAvailability = "DEGRADED"
	RailDown     RailAvailability = "DOWN"
)

// RailStatus is the live per-rail record owned exclusively by the health
// monitor; it is overwritten on each probe cycle and read-only elsewhere.
type RailStatus struct {
	RailID       string           `json:"rail_id"`
	Availability RailAvailability `json:"availability"`
	LastSuccess  time.Time        `json:"last_success"`
	Latency      time.Duration    `json:"latency"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// RoutePlan is the resolved execution plan for a transaction.
type RoutePlan struct {
	SourceRail   string          `json:"source_rail"`
	TargetRail   string          `json:"target_rail"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	RateAsOf     time.Time       `json:"rate_as_of"`
}
