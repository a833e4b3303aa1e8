package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crosspay/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	t.Run("marks an in-flight transaction failed", func(t *testing.T) {
		mock.ExpectExec("UPDATE transactions SET status = 'FAILED'").
			WithArgs("RAIL_FAILURE", "tx-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Fail(context.Background(), "tx-1", "RAIL_FAILURE")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal transaction yields ErrAlreadyTerminal", func(t *testing.T) {
		mock.ExpectExec("UPDATE transactions SET status = 'FAILED'").
			WithArgs("RAIL_FAILURE", "tx-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Fail(context.Background(), "tx-1", "RAIL_FAILURE")
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Complete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	tx := &models.Transaction{
		ID:              "tx-1",
		SourceAccountID: "acc-b",
		TargetAccountID: "acc-a",
		SourceAmount:    decimal.RequireFromString("150.00"),
		TargetAmount:    decimal.RequireFromString("18.30"),
	}

	t.Run("debits, credits and completes atomically", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))

		// Accounts are locked in lexicographic id order.
		mock.ExpectQuery("SELECT id FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-a"))
		mock.ExpectQuery("SELECT id FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("acc-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-b"))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(tx.SourceAmount, "acc-b").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(tx.TargetAmount, "acc-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions SET status = 'COMPLETED'").
			WithArgs("tx-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.Complete(context.Background(), tx)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal rolls back without writes", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))
		mock.ExpectRollback()

		err := store.Complete(context.Background(), tx)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))
		mock.ExpectQuery("SELECT id FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-a"))
		mock.ExpectQuery("SELECT id FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("acc-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acc-b"))

		// The guarded debit touches zero rows.
		mock.ExpectExec("UPDATE accounts").
			WithArgs(tx.SourceAmount, "acc-b").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.Complete(context.Background(), tx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient balance")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_DailyTotal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	since := time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(reporting_amount\\), 0\\)::text").
		WithArgs("user-1", pq.Array(models.InFlightStatuses), since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("12345.67"))

	total, err := store.DailyTotal(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("12345.67")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	t.Run("updates a non-terminal transaction", func(t *testing.T) {
		mock.ExpectExec("UPDATE transactions SET status = \\$1").
			WithArgs(models.StatusProcessing, "tx-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.MarkStatus(context.Background(), "tx-1", models.StatusProcessing))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal transaction is not updated", func(t *testing.T) {
		mock.ExpectExec("UPDATE transactions SET status = \\$1").
			WithArgs(models.StatusProcessing, "tx-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.Error(t, store.MarkStatus(context.Background(), "tx-1", models.StatusProcessing))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	now := time.Now()
	signedAt := now.Add(-time.Minute)
	columns := []string{
		"transaction_id", "user_id", "source_account_id", "target_account_id",
		"source_amount", "source_currency", "target_amount", "target_currency",
		"reporting_amount", "exchange_rate", "source_rail", "target_rail", "status",
		"risk_score", "risk_flags", "signature", "signed_at",
		"failure_reason", "narration", "created_at", "completed_at",
	}

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"tx-1", "user-1", "acc-1", "acc-2",
			"150.00", "THB", "18.30", "MYR",
			"4.25", "0.122", "BANK", "WALLET", "PROCESSING",
			int64(20), []byte(`{"flags":["ELEVATED_AMOUNT"]}`), "deadbeef", signedAt,
			"", "rent", now, nil,
		))

	tx, err := store.GetByID(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	require.NotNil(t, tx.RiskScore)
	assert.Equal(t, 20, *tx.RiskScore)
	require.NotNil(t, tx.SignedAt)
	assert.Nil(t, tx.CompletedAt)
	assert.True(t, tx.SourceAmount.Equal(decimal.RequireFromString("150.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
