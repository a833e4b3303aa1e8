package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crosspay/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrAlreadyTerminal is returned when a terminal write targets a
// transaction that already reached a terminal state. Duplicate completion
// callbacks rely on it for idempotence.
var ErrAlreadyTerminal = errors.New("transaction already in terminal state")

// TransactionStore is the durable contract for transaction records.
type TransactionStore interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	MarkStatus(ctx context.Context, id string, status models.TransactionStatus) error
	MarkRiskChecked(ctx context.Context, id string, score int, flags models.Metadata) error
	SetSignature(ctx context.Context, id, signature string, signedAt time.Time) error
	SetRoute(ctx context.Context, id string, plan *models.RoutePlan) error
	Fail(ctx context.Context, id, reason string) error
	Complete(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	DailyTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// AccountStore reads linked accounts.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// AuditStore appends compliance evidence. Records are never updated.
type AuditStore interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
}

// PostgresStore implements the store contracts on database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `transaction_id, user_id, source_account_id, target_account_id,
	       source_amount, source_currency, target_amount, target_currency,
	       reporting_amount, exchange_rate, source_rail, target_rail, status,
	       risk_score, risk_flags, COALESCE(signature, '') as signature, signed_at,
	       COALESCE(failure_reason, '') as failure_reason, COALESCE(narration, '') as narration,
	       created_at, completed_at`

func (s *PostgresStore) Insert(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO transactions
        (transaction_id, user_id, source_account_id, target_account_id,
         source_amount, source_currency, target_amount, target_currency,
         reporting_amount, exchange_rate, status, narration, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `, tx.ID, tx.UserID, tx.SourceAccountID, tx.TargetAccountID,
		tx.SourceAmount, tx.SourceCurrency, tx.TargetAmount, tx.TargetCurrency,
		tx.ReportingAmount, tx.ExchangeRate, tx.Status, tx.Narration, tx.CreatedAt)
	return err
}

func (s *PostgresStore) MarkStatus(ctx context.Context, id string, status models.TransactionStatus) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET status = $1
        WHERE transaction_id = $2 AND status NOT IN ('COMPLETED', 'FAILED')
    `, status, id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

func (s *PostgresStore) MarkRiskChecked(ctx context.Context, id string, score int, flags models.Metadata) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET status = $1, risk_score = $2, risk_flags = $3
        WHERE transaction_id = $4 AND status NOT IN ('COMPLETED', 'FAILED')
    `, models.StatusRiskChecked, score, flags, id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

func (s *PostgresStore) SetSignature(ctx context.Context, id, signature string, signedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET status = $1, signature = $2, signed_at = $3
        WHERE transaction_id = $4 AND status NOT IN ('COMPLETED', 'FAILED')
    `, models.StatusSigned, signature, signedAt, id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

func (s *PostgresStore) SetRoute(ctx context.Context, id string, plan *models.RoutePlan) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions
        SET status = $1, target_amount = $2, exchange_rate = $3, source_rail = $4, target_rail = $5
        WHERE transaction_id = $6 AND status NOT IN ('COMPLETED', 'FAILED')
    `, models.StatusRouted, plan.TargetAmount, plan.ExchangeRate, plan.SourceRail, plan.TargetRail, id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// Fail writes the FAILED terminal state. A transaction already terminal is
// left untouched.
func (s *PostgresStore) Fail(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET status = 'FAILED', failure_reason = $1, completed_at = NOW()
        WHERE transaction_id = $2 AND status NOT IN ('COMPLETED', 'FAILED')
    `, reason, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// Complete applies both balance adjustments and the COMPLETED status write
// in a single database transaction: both succeed or both roll back.
func (s *PostgresStore) Complete(ctx context.Context, tx *models.Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var current string
	err = dbTx.QueryRowContext(ctx, `
        SELECT status FROM transactions WHERE transaction_id = $1 FOR UPDATE
    `, tx.ID).Scan(&current)
	if err != nil {
		return err
	}
	if models.TransactionStatus(current).Terminal() {
		return ErrAlreadyTerminal
	}

	// Lock accounts in consistent order to prevent deadlocks.
	firstLock, secondLock := tx.SourceAccountID, tx.TargetAccountID
	if firstLock > secondLock {
		firstLock, secondLock = secondLock, firstLock
	}
	for _, accountID := range []string{firstLock, secondLock} {
		var id string
		if err := dbTx.QueryRowContext(ctx, `
            SELECT id FROM accounts WHERE id = $1 FOR UPDATE
        `, accountID).Scan(&id); err != nil {
			return fmt.Errorf("failed to lock account %s: %w", accountID, err)
		}
	}

	result, err := dbTx.ExecContext(ctx, `
        UPDATE accounts
        SET balance = balance - $1, version = version + 1, updated_at = NOW()
        WHERE id = $2 AND balance >= $1
    `, tx.SourceAmount, tx.SourceAccountID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("insufficient balance on account %s", tx.SourceAccountID)
	}

	if _, err := dbTx.ExecContext(ctx, `
        UPDATE accounts
        SET balance = balance + $1, version = version + 1, updated_at = NOW()
        WHERE id = $2
    `, tx.TargetAmount, tx.TargetAccountID); err != nil {
		return err
	}

	if _, err := dbTx.ExecContext(ctx, `
        UPDATE transactions SET status = 'COMPLETED', completed_at = NOW()
        WHERE transaction_id = $1
    `, tx.ID); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+transactionColumns+`
        FROM transactions
        WHERE transaction_id = $1
    `, id)
	return scanTransaction(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+transactionColumns+`
        FROM transactions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// DailyTotal sums reporting-currency amounts for the user's in-flight and
// completed transactions since the given instant.
func (s *PostgresStore) DailyTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var totalStr string
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(reporting_amount), 0)::text
        FROM transactions
        WHERE user_id = $1 AND status = ANY($2) AND created_at >= $3
    `, userID, pq.Array(models.InFlightStatuses), since).Scan(&totalStr)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(totalStr)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var riskScore sql.NullInt64
	var signedAt, completedAt sql.NullTime
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.SourceAccountID, &tx.TargetAccountID,
		&tx.SourceAmount, &tx.SourceCurrency, &tx.TargetAmount, &tx.TargetCurrency,
		&tx.ReportingAmount, &tx.ExchangeRate, &tx.SourceRail, &tx.TargetRail, &tx.Status,
		&riskScore, &tx.RiskFlags, &tx.Signature, &signedAt,
		&tx.FailureReason, &tx.Narration, &tx.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if riskScore.Valid {
		score := int(riskScore.Int64)
		tx.RiskScore = &score
	}
	if signedAt.Valid {
		tx.SignedAt = &signedAt.Time
	}
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	return tx, nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s not found or already terminal", id)
	}
	return nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, rail, currency, balance, active, is_primary, version, created_at, updated_at
        FROM accounts
        WHERE id = $1
    `, id).Scan(
		&account.ID, &account.UserID, &account.Rail, &account.Currency, &account.Balance,
		&account.Active, &account.Primary, &account.Version, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// PostgresAccountStore adapts PostgresStore to the AccountStore contract.
type PostgresAccountStore struct {
	*PostgresStore
}

func (s *PostgresAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return s.GetAccountByID(ctx, id)
}

// PostgresAuditStore persists append-only audit records and mirrors each
// one as a structured log line.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Record(ctx context.Context, rec *models.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, _ := json.Marshal(rec)
	log.Printf("AUDIT: %s", string(data))

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_records (user_id, action, details, ip_address, fingerprint, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, rec.UserID, rec.Action, rec.Details, rec.IPAddress, rec.Fingerprint, rec.CreatedAt)
	return err
}
