package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/metrics"
	"github.com/crosspay/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orchestrator drives the per-transaction state machine:
//
//	PENDING -> RISK_CHECKED -> COMPLIANCE_CHECKED -> SIGNED -> ROUTED ->
//	PROCESSING -> {COMPLETED | FAILED}
//
// It is the only component that mutates a transaction.
type Orchestrator struct {
	cfg      *config.Config
	store    TransactionStore
	accounts AccountStore
	audit    AuditStore
	scorer   *RiskScorer
	gate     *ComplianceGate
	signer   *IntegritySigner
	router   *Router
	rail     RailClient
	features FeatureSource
	notifier Notifier

	now   func() time.Time
	sleep func(time.Duration)
}

func NewOrchestrator(
	cfg *config.Config,
	store TransactionStore,
	accounts AccountStore,
	audit AuditStore,
	features FeatureSource,
	router *Router,
	rail RailClient,
	notifier Notifier,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		accounts: accounts,
		audit:    audit,
		scorer:   NewRiskScorer(&cfg.Risk),
		gate:     NewComplianceGate(&cfg.Compliance, store, audit),
		signer:   NewIntegritySigner(cfg.Signer.Secret),
		router:   router,
		rail:     rail,
		features: features,
		notifier: notifier,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Submit runs a payment request through the full pipeline and returns the
// transaction in its terminal (or rejected) state. Policy and validation
// rejections surface as *PipelineError with a stable reason code.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req *models.PaymentRequest, dctx *models.DeviceContext) (*models.Transaction, error) {
	source, target, err := o.validate(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	reporting, err := o.reportingAmount(ctx, req.Amount, source.Currency)
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		ID:              uuid.New().String(),
		UserID:          userID,
		SourceAccountID: source.ID,
		TargetAccountID: target.ID,
		SourceAmount:    req.Amount,
		SourceCurrency:  source.Currency,
		TargetCurrency:  target.Currency,
		ReportingAmount: reporting,
		Status:          models.StatusPending,
		Narration:       req.Narration,
		CreatedAt:       o.now(),
	}
	if err := o.store.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}
	o.notify(ctx, tx)

	if err := o.features.RecordSubmission(ctx, userID, tx.ID); err != nil {
		log.Printf("[ORCHESTRATOR] Failed to record submission for velocity window: %v", err)
	}

	if err := o.riskStage(ctx, tx, dctx, source, target); err != nil {
		return tx, err
	}
	if err := o.complianceStage(ctx, tx, dctx); err != nil {
		return tx, err
	}
	if err := o.signStage(ctx, tx); err != nil {
		return tx, err
	}
	if err := o.routeStage(ctx, tx, source, target); err != nil {
		return tx, err
	}
	if err := o.executeStage(ctx, tx); err != nil {
		return tx, err
	}

	return tx, nil
}

func (o *Orchestrator) validate(ctx context.Context, userID string, req *models.PaymentRequest) (*models.Account, *models.Account, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, ValidationError("amount must be positive")
	}
	if req.SourceAccountID == req.TargetAccountID {
		return nil, nil, ValidationError("cannot transfer to the same account")
	}

	source, err := o.loadAccount(ctx, req.SourceAccountID, "source")
	if err != nil {
		return nil, nil, err
	}
	if source.UserID != userID {
		return nil, nil, ValidationError("source account does not belong to the requesting user")
	}
	if source.Currency != req.SourceCurrency {
		return nil, nil, ValidationError("source currency does not match the source account")
	}

	target, err := o.loadAccount(ctx, req.TargetAccountID, "target")
	if err != nil {
		return nil, nil, err
	}
	if target.Currency != req.TargetCurrency {
		return nil, nil, ValidationError("target currency does not match the target account")
	}

	return source, target, nil
}

func (o *Orchestrator) loadAccount(ctx context.Context, id, role string) (*models.Account, error) {
	account, err := o.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ValidationError(role + " account not found")
		}
		return nil, fmt.Errorf("failed to load %s account: %w", role, err)
	}
	if !account.Active {
		return nil, ValidationError(role + " account is not active")
	}
	return account, nil
}

// reportingAmount normalizes an amount into the reporting currency so
// compliance aggregates compare like with like.
func (o *Orchestrator) reportingAmount(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	reportingCurrency := o.cfg.Compliance.ReportingCurrency
	if currency == reportingCurrency {
		return amount, nil
	}
	rate, _, err := o.router.rates.GetRate(ctx, currency, reportingCurrency)
	if err != nil {
		return decimal.Zero, newPipelineError(ReasonNoRoute,
			fmt.Sprintf("no rate for %s/%s", currency, reportingCurrency), err)
	}
	return amount.Mul(rate).Round(decimalsFor(reportingCurrency)), nil
}

func (o *Orchestrator) riskStage(ctx context.Context, tx *models.Transaction, dctx *models.DeviceContext, source, target *models.Account) error {
	fingerprint := ""
	if dctx != nil {
		fingerprint = dctx.Fingerprint
	}

	known, err := o.features.KnownDevice(ctx, tx.UserID, fingerprint)
	if err != nil {
		log.Printf("[ORCHESTRATOR] Device lookup failed for %s, treating as known: %v", tx.UserID, err)
		known = true
	}
	recent, err := o.features.RecentTransactionCount(ctx, tx.UserID)
	if err != nil {
		log.Printf("[ORCHESTRATOR] Velocity lookup failed for %s: %v", tx.UserID, err)
		recent = 0
	}

	score, flags := o.scorer.Score(RiskFeatures{
		Amount:        tx.ReportingAmount,
		HourOfDay:     o.now().Hour(),
		KnownDevice:   known,
		RecentTxCount: recent,
		CrossCurrency: source.Currency != target.Currency,
	})

	if score > o.cfg.Risk.HighThreshold {
		o.recordSecurityBlock(ctx, tx, dctx, score, flags)
		o.fail(ctx, tx, string(ReasonSecurityBlocked))
		metrics.PolicyRejections.WithLabelValues(string(ReasonSecurityBlocked)).Inc()
		return newPipelineError(ReasonSecurityBlocked, "request blocked by security policy", nil)
	}

	riskFlags := models.Metadata{"flags": flags}
	if score > o.cfg.Risk.MediumThreshold {
		riskFlags["advisory"] = true
	}
	tx.RiskScore = &score
	tx.RiskFlags = riskFlags

	if err := o.store.MarkRiskChecked(ctx, tx.ID, score, riskFlags); err != nil {
		return fmt.Errorf("failed to persist risk result: %w", err)
	}
	tx.Status = models.StatusRiskChecked
	o.notify(ctx, tx)

	if fingerprint != "" {
		if err := o.features.RecordDevice(ctx, tx.UserID, fingerprint); err != nil {
			log.Printf("[ORCHESTRATOR] Failed to record device for %s: %v", tx.UserID, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordSecurityBlock(ctx context.Context, tx *models.Transaction, dctx *models.DeviceContext, score int, flags []string) {
	rec := &models.AuditRecord{
		UserID: tx.UserID,
		Action: models.AuditSecurityBlock,
		Details: models.Metadata{
			"transaction_id": tx.ID,
			"score":          score,
			"flags":          flags,
		},
	}
	if dctx != nil {
		rec.IPAddress = dctx.IPAddress
		rec.Fingerprint = dctx.Fingerprint
	}
	if err := o.audit.Record(ctx, rec); err != nil {
		log.Printf("[ORCHESTRATOR] Failed to write security audit record: %v", err)
	}
}

func (o *Orchestrator) complianceStage(ctx context.Context, tx *models.Transaction, dctx *models.DeviceContext) error {
	decision, err := o.gate.Check(ctx, tx.UserID, tx.ID, tx.ReportingAmount, dctx, func(rctx context.Context) error {
		return o.store.MarkStatus(rctx, tx.ID, models.StatusComplianceChecked)
	})
	if err != nil {
		return fmt.Errorf("compliance check failed: %w", err)
	}
	if decision != DecisionAllow {
		o.fail(ctx, tx, string(ReasonComplianceBlocked))
		metrics.PolicyRejections.WithLabelValues(string(ReasonComplianceBlocked)).Inc()
		return newPipelineError(ReasonComplianceBlocked, "request blocked by compliance policy", nil)
	}

	tx.Status = models.StatusComplianceChecked
	o.notify(ctx, tx)
	return nil
}

func (o *Orchestrator) signStage(ctx context.Context, tx *models.Transaction) error {
	signedAt := o.now()
	tx.SignedAt = &signedAt
	signature := o.signer.Sign(o.payloadFor(tx))
	if err := o.store.SetSignature(ctx, tx.ID, signature, signedAt); err != nil {
		tx.SignedAt = nil
		return fmt.Errorf("failed to persist signature: %w", err)
	}
	tx.Signature = signature
	tx.Status = models.StatusSigned
	o.notify(ctx, tx)
	return nil
}

func (o *Orchestrator) payloadFor(tx *models.Transaction) *SignedPayload {
	payload := &SignedPayload{
		TransactionID:   tx.ID,
		UserID:          tx.UserID,
		SourceAccountID: tx.SourceAccountID,
		TargetAccountID: tx.TargetAccountID,
		Amount:          tx.SourceAmount,
		Currency:        tx.SourceCurrency,
	}
	if tx.SignedAt != nil {
		payload.IssuedAt = tx.SignedAt.Unix()
	}
	return payload
}

func (o *Orchestrator) routeStage(ctx context.Context, tx *models.Transaction, source, target *models.Account) error {
	plan, err := o.router.Route(ctx, source, target, tx.SourceAmount)
	if err != nil {
		o.fail(ctx, tx, string(ReasonNoRoute))
		return err
	}

	tx.TargetAmount = plan.TargetAmount
	tx.ExchangeRate = plan.ExchangeRate
	tx.SourceRail = plan.SourceRail
	tx.TargetRail = plan.TargetRail
	if err := o.store.SetRoute(ctx, tx.ID, plan); err != nil {
		return fmt.Errorf("failed to persist route: %w", err)
	}
	tx.Status = models.StatusRouted
	o.notify(ctx, tx)
	return nil
}

func (o *Orchestrator) executeStage(ctx context.Context, tx *models.Transaction) error {
	if err := o.store.MarkStatus(ctx, tx.ID, models.StatusProcessing); err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	tx.Status = models.StatusProcessing
	o.notify(ctx, tx)

	// The payload must verify against the signature attached at the
	// signing stage; a mismatch means the record was tampered with
	// between stages and must never leave the system.
	if !o.signer.Verify(o.payloadFor(tx), tx.Signature) {
		log.Printf("[ORCHESTRATOR] CRITICAL: integrity violation on transaction %s", tx.ID)
		o.fail(ctx, tx, string(ReasonIntegrityViolation))
		return newPipelineError(ReasonIntegrityViolation, "payload integrity verification failed", nil)
	}

	if err := o.executeWithRetry(ctx, tx); err != nil {
		reason := string(ReasonRailFailure)
		var re *RailError
		if errors.As(err, &re) {
			reason = re.Reason
		}
		o.fail(ctx, tx, reason)
		return newPipelineError(ReasonRailFailure, reason, err)
	}

	return o.complete(ctx, tx)
}

// executeWithRetry attempts the rail call up to the configured bound,
// retrying only transient failures with a linearly increasing delay.
func (o *Orchestrator) executeWithRetry(ctx context.Context, tx *models.Transaction) error {
	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= o.cfg.Retry.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, o.cfg.Rail.ExecutionTimeout)
		err := o.rail.Execute(actx, tx.TargetRail, tx)
		cancel()

		if err == nil {
			log.Printf("[ORCHESTRATOR] Transaction %s executed on rail %s, attempt %d, elapsed %s",
				tx.ID, tx.TargetRail, attempt, time.Since(started))
			return nil
		}

		log.Printf("[ORCHESTRATOR] Transaction %s attempt %d failed, elapsed %s: %v",
			tx.ID, attempt, time.Since(started), err)

		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt < o.cfg.Retry.MaxAttempts {
			metrics.RailRetries.Inc()
			o.sleep(o.cfg.Retry.BaseDelay * time.Duration(attempt))
		}
	}
	return lastErr
}

// complete persists the COMPLETED terminal state together with both
// balance adjustments. Duplicate completions are ignored.
func (o *Orchestrator) complete(ctx context.Context, tx *models.Transaction) error {
	err := o.store.Complete(ctx, tx)
	if errors.Is(err, ErrAlreadyTerminal) {
		log.Printf("[ORCHESTRATOR] Transaction %s already terminal, ignoring completion", tx.ID)
		return nil
	}
	if err != nil {
		o.fail(ctx, tx, err.Error())
		return fmt.Errorf("failed to complete transaction %s: %w", tx.ID, err)
	}

	completedAt := o.now()
	tx.Status = models.StatusCompleted
	tx.CompletedAt = &completedAt
	metrics.TransactionsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	o.notify(ctx, tx)
	return nil
}

// fail writes the FAILED terminal state; a transaction already terminal is
// left untouched.
func (o *Orchestrator) fail(ctx context.Context, tx *models.Transaction, reason string) {
	err := o.store.Fail(ctx, tx.ID, reason)
	if errors.Is(err, ErrAlreadyTerminal) {
		return
	}
	if err != nil {
		log.Printf("[ORCHESTRATOR] Failed to persist FAILED state for %s: %v", tx.ID, err)
		return
	}
	completedAt := o.now()
	tx.Status = models.StatusFailed
	tx.FailureReason = reason
	tx.CompletedAt = &completedAt
	metrics.TransactionsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	o.notify(ctx, tx)
}

// ErrCallbackNotEligible rejects callbacks for transactions that were
// never handed to a rail.
var ErrCallbackNotEligible = errors.New("transaction is not awaiting rail execution")

// ErrCallbackUnverified rejects callbacks whose signature does not match
// the stored transaction payload.
var ErrCallbackUnverified = errors.New("callback signature verification failed")

// HandleRailCallback applies an asynchronous execution result reported by
// a rail. The caller must echo the payload signature that accompanied the
// execution request, and only transactions in PROCESSING are eligible.
// Callbacks for transactions already in a terminal state are ignored, so
// duplicate success callbacks cannot double-credit.
func (o *Orchestrator) HandleRailCallback(ctx context.Context, txID, signature string, success bool, reason string) error {
	tx, err := o.store.GetByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		log.Printf("[ORCHESTRATOR] Ignoring callback for terminal transaction %s (%s)", txID, tx.Status)
		return nil
	}
	if tx.Status != models.StatusProcessing {
		log.Printf("[ORCHESTRATOR] Rejected callback for %s: status %s is not awaiting execution", txID, tx.Status)
		return ErrCallbackNotEligible
	}
	if !o.signer.Verify(o.payloadFor(tx), signature) {
		log.Printf("[ORCHESTRATOR] Rejected callback for %s: signature mismatch", txID)
		return ErrCallbackUnverified
	}

	if success {
		return o.complete(ctx, tx)
	}
	o.fail(ctx, tx, reason)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, tx *models.Transaction) {
	o.notifier.Publish(ctx, tx.ID, tx.Status, tx)
}
