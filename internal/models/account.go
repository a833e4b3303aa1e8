package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a linked funding or receiving endpoint on a specific rail.
// Accounts are deactivated on unlink, never hard-deleted.
type Account struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Rail      string          `json:"rail" db:"rail"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Active    bool            `json:"active" db:"active"`
	Primary   bool            `json:"primary" db:"is_primary"`
	Version   int             `json:"version" db:"version"` // optimistic locking
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
