package models

import "time"

// Audit action kinds.
const (
	AuditLargeTransaction = "LARGE_TRANSACTION"
	AuditComplianceBlock  = "COMPLIANCE_BLOCK"
	AuditSecurityBlock    = "SECURITY_BLOCK"
)

// AuditRecord is append-only evidence of a compliance-relevant event.
// Records are never mutated or deleted.
type AuditRecord struct {
	ID          int       `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Action      string    `json:"action" db:"action"`
	Details     Metadata  `json:"details" db:"details"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
