package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func railTransaction() *models.Transaction {
	return &models.Transaction{
		ID:              "tx-rail-1",
		UserID:          "user-1",
		SourceAccountID: "acc-1",
		TargetAccountID: "acc-2",
		SourceAmount:    decimal.RequireFromString("150.00"),
		SourceCurrency:  "THB",
		TargetAmount:    decimal.RequireFromString("18.30"),
		TargetCurrency:  "MYR",
		TargetRail:      models.RailWallet,
		Signature:       "deadbeef",
		Narration:       "invoice 42",
	}
}

func railClientFor(railID, endpoint string) *HTTPRailClient {
	return NewHTTPRailClient(&config.RailConfig{
		Endpoints: map[string]string{railID: endpoint},
	})
}

func TestHTTPRailClient_Execute(t *testing.T) {
	t.Run("wallet rail receives signed JSON", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/execute", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "deadbeef", r.Header.Get("X-Payload-Signature"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := railClientFor(models.RailWallet, server.URL)
		err := client.Execute(context.Background(), models.RailWallet, railTransaction())
		require.NoError(t, err)

		assert.Equal(t, "tx-rail-1", got["transactionId"])
		assert.Equal(t, "18.3", got["amount"])
		assert.Equal(t, "MYR", got["currency"])
		assert.Equal(t, "deadbeef", got["signature"])
	})

	t.Run("bank rail receives a pacs.008 document", func(t *testing.T) {
		var body string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			body = string(raw)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		tx := railTransaction()
		tx.TargetRail = models.RailBank
		client := railClientFor(models.RailBank, server.URL)
		require.NoError(t, client.Execute(context.Background(), models.RailBank, tx))

		assert.Contains(t, body, "<GrpHdr>")
		assert.Contains(t, body, "tx-rail-1")
		assert.Contains(t, body, "MYR")
		assert.Contains(t, body, "CROSSPAY")
	})

	t.Run("5xx is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := railClientFor(models.RailWallet, server.URL)
		err := client.Execute(context.Background(), models.RailWallet, railTransaction())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("explicit UNAVAILABLE status is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"status": "UNAVAILABLE", "reason": "maintenance window"})
		}))
		defer server.Close()

		client := railClientFor(models.RailWallet, server.URL)
		err := client.Execute(context.Background(), models.RailWallet, railTransaction())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Contains(t, err.Error(), "maintenance window")
	})

	t.Run("4xx rejection is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"status": "REJECTED", "reason": "beneficiary not found"})
		}))
		defer server.Close()

		client := railClientFor(models.RailWallet, server.URL)
		err := client.Execute(context.Background(), models.RailWallet, railTransaction())
		require.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.Contains(t, err.Error(), "beneficiary not found")
	})

	t.Run("timeout is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := railClientFor(models.RailWallet, server.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := client.Execute(ctx, models.RailWallet, railTransaction())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.True(t, strings.Contains(err.Error(), "timed out"))
	})

	t.Run("unknown rail is permanent", func(t *testing.T) {
		client := railClientFor(models.RailWallet, "http://127.0.0.1:1")
		err := client.Execute(context.Background(), "TELEGRAPH", railTransaction())
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})
}
