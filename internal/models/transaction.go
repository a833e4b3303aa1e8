package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending           TransactionStatus = "PENDING"
	StatusRiskChecked       TransactionStatus = "RISK_CHECKED"
	StatusComplianceChecked TransactionStatus = "COMPLIANCE_CHECKED"
	StatusSigned            TransactionStatus = "SIGNED"
	StatusRouted            TransactionStatus = "ROUTED"
	StatusProcessing        TransactionStatus = "PROCESSING"
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusFailed            TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlightStatuses are the states that count toward a user's daily
// compliance total: everything past the compliance gate plus COMPLETED.
// A concurrent submission sees these rows in the aggregate, which closes
// the window between the gate check and PROCESSING.
var InFlightStatuses = []string{
	string(StatusComplianceChecked),
	string(StatusSigned),
	string(StatusRouted),
	string(StatusProcessing),
	string(StatusCompleted),
}

// Transaction is the unit of work moved through the orchestration
// pipeline. Mutated only by the orchestrator; immutable once terminal.
type Transaction struct {
	ID              string            `json:"transaction_id" db:"transaction_id"`
	UserID          string            `json:"user_id" db:"user_id"`
	SourceAccountID string            `json:"source_account_id" db:"source_account_id"`
	TargetAccountID string            `json:"target_account_id" db:"target_account_id"`
	SourceAmount    decimal.Decimal   `json:"source_amount" db:"source_amount"`
	SourceCurrency  string            `json:"source_currency" db:"source_currency"`
	TargetAmount    decimal.Decimal   `json:"target_amount" db:"target_amount"`
	TargetCurrency  string            `json:"target_currency" db:"target_currency"`
	ReportingAmount decimal.Decimal   `json:"reporting_amount" db:"reporting_amount"`
	ExchangeRate    decimal.Decimal   `json:"exchange_rate" db:"exchange_rate"`
	SourceRail      string            `json:"source_rail" db:"source_rail"`
	TargetRail      string            `json:"target_rail" db:"target_rail"`
	Status          TransactionStatus `json:"status" db:"status"`
	RiskScore       *int              `json:"risk_score" db:"risk_score"`
	RiskFlags       Metadata          `json:"risk_flags,omitempty" db:"risk_flags"`
	Signature       string            `json:"signature,omitempty" db:"signature"`
	SignedAt        *time.Time        `json:"signed_at,omitempty" db:"signed_at"`
	FailureReason   string            `json:"failure_reason,omitempty" db:"failure_reason"`
	Narration       string            `json:"narration,omitempty" db:"narration"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// PaymentRequest is the inbound intake DTO.
type PaymentRequest struct {
	SourceAccountID string          `json:"sourceAccountId" validate:"required,max=36"`
	TargetAccountID string          `json:"targetAccountId" validate:"required,max=36"`
	Amount          decimal.Decimal `json:"amount" validate:"required"`
	SourceCurrency  string          `json:"sourceCurrency" validate:"required,len=3"`
	TargetCurrency  string          `json:"targetCurrency" validate:"required,len=3"`
	Narration       string          `json:"narration" validate:"max=200"`
}

// DeviceContext is derived per request and used transiently for risk
// scoring; it is never persisted as a first-class entity.
type DeviceContext struct {
	Fingerprint string `json:"fingerprint"`
	IPAddress   string `json:"ip_address"`
	UserAgent   string `json:"user_agent"`
}
