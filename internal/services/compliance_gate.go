package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/models"
	"github.com/shopspring/decimal"
)

type Decision string

const (
	DecisionAllow       Decision = "ALLOW"
	DecisionBlockDaily  Decision = "BLOCK_DAILY"
	DecisionBlockSingle Decision = "BLOCK_SINGLE"
)

// DailyTotalSource supplies the user's rolling daily total in the
// reporting currency.
type DailyTotalSource interface {
	DailyTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// ComplianceGate enforces the AML limits. All amounts passed in are
// already normalized to the reporting currency.
//
// The daily-total read and the reservation of the new amount are
// serialized per user: the gate holds a per-user lock across both, and the
// reserve step moves the transaction into a state the aggregate counts, so
// concurrent submissions from the same user cannot jointly exceed the
// ceiling.
type ComplianceGate struct {
	cfg    *config.ComplianceConfig
	totals DailyTotalSource
	audit  AuditStore

	userLocks sync.Map // userID -> *sync.Mutex
	now       func() time.Time
}

func NewComplianceGate(cfg *config.ComplianceConfig, totals DailyTotalSource, audit AuditStore) *ComplianceGate {
	return &ComplianceGate{cfg: cfg, totals: totals, audit: audit, now: time.Now}
}

// Check evaluates the limits for a new transaction of the given
// reporting-currency amount. On allow, reserve is invoked while the
// per-user lock is still held; it must make the amount visible to
// subsequent daily-total reads.
func (g *ComplianceGate) Check(ctx context.Context, userID string, txID string, amount decimal.Decimal, dctx *models.DeviceContext, reserve func(context.Context) error) (Decision, error) {
	lock := g.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	// Explicit low-value exemption: no limit checks at all.
	if amount.LessThan(g.cfg.LowValueExemption) {
		return DecisionAllow, reserve(ctx)
	}

	if amount.GreaterThan(g.cfg.SingleCeiling) {
		// Evidentiary trail is written even for blocked attempts.
		g.record(ctx, userID, txID, models.AuditComplianceBlock, amount, dctx, map[string]any{
			"limit": g.cfg.SingleCeiling.String(),
			"kind":  "single_transaction_ceiling",
		})
		return DecisionBlockSingle, nil
	}

	since := midnightOf(g.now())
	total, err := g.totals.DailyTotal(ctx, userID, since)
	if err != nil {
		return "", err
	}

	if total.Add(amount).GreaterThan(g.cfg.DailyCeiling) {
		g.record(ctx, userID, txID, models.AuditComplianceBlock, amount, dctx, map[string]any{
			"limit":       g.cfg.DailyCeiling.String(),
			"daily_total": total.String(),
			"kind":        "daily_ceiling",
		})
		return DecisionBlockDaily, nil
	}

	// Allowed but large enough to flag for the evidence trail.
	if amount.GreaterThanOrEqual(g.cfg.SingleCeiling.Div(decimal.NewFromInt(2))) {
		g.record(ctx, userID, txID, models.AuditLargeTransaction, amount, dctx, nil)
	}

	return DecisionAllow, reserve(ctx)
}

func (g *ComplianceGate) lockFor(userID string) *sync.Mutex {
	lock, _ := g.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (g *ComplianceGate) record(ctx context.Context, userID, txID, action string, amount decimal.Decimal, dctx *models.DeviceContext, extra map[string]any) {
	details := models.Metadata{
		"transaction_id": txID,
		"amount":         amount.String(),
		"currency":       g.cfg.ReportingCurrency,
	}
	for k, v := range extra {
		details[k] = v
	}

	rec := &models.AuditRecord{
		UserID:  userID,
		Action:  action,
		Details: details,
	}
	if dctx != nil {
		rec.IPAddress = dctx.IPAddress
		rec.Fingerprint = dctx.Fingerprint
	}

	if err := g.audit.Record(ctx, rec); err != nil {
		log.Printf("[COMPLIANCE] Failed to write audit record for %s: %v", userID, err)
	}
}

// midnightOf returns local midnight of the day containing t; daily totals
// roll over at server-local midnight.
func midnightOf(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
