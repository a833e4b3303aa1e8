package services

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/crosspay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory TransactionStore with the same terminal-state
// semantics as the Postgres implementation.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction
	signatureErr error
}

func newMemStore() *memStore {
	return &memStore{transactions: make(map[string]*models.Transaction)}
}

func (m *memStore) get(id string) *models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions[id]
}

func (m *memStore) Insert(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *tx
	m.transactions[tx.ID] = &copied
	return nil
}

func (m *memStore) MarkStatus(ctx context.Context, id string, status models.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Status.Terminal() {
		return sql.ErrNoRows
	}
	tx.Status = status
	return nil
}

func (m *memStore) MarkRiskChecked(ctx context.Context, id string, score int, flags models.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Status.Terminal() {
		return sql.ErrNoRows
	}
	tx.Status = models.StatusRiskChecked
	tx.RiskScore = &score
	tx.RiskFlags = flags
	return nil
}

func (m *memStore) SetSignature(ctx context.Context, id, signature string, signedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signatureErr != nil {
		return m.signatureErr
	}
	tx, ok := m.transactions[id]
	if !ok || tx.Status.Terminal() {
		return sql.ErrNoRows
	}
	tx.Status = models.StatusSigned
	tx.Signature = signature
	tx.SignedAt = &signedAt
	return nil
}

func (m *memStore) SetRoute(ctx context.Context, id string, plan *models.RoutePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Status.Terminal() {
		return sql.ErrNoRows
	}
	tx.Status = models.StatusRouted
	tx.TargetAmount = plan.TargetAmount
	tx.ExchangeRate = plan.ExchangeRate
	tx.SourceRail = plan.SourceRail
	tx.TargetRail = plan.TargetRail
	return nil
}

func (m *memStore) Fail(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return sql.ErrNoRows
	}
	if tx.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	now := time.Now()
	tx.Status = models.StatusFailed
	tx.FailureReason = reason
	tx.CompletedAt = &now
	return nil
}

func (m *memStore) Complete(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.transactions[tx.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if stored.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	now := time.Now()
	stored.Status = models.StatusCompleted
	stored.CompletedAt = &now
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *tx
	return &copied, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []models.Transaction{}
	for _, tx := range m.transactions {
		if tx.UserID == userID && len(result) < limit {
			result = append(result, *tx)
		}
	}
	return result, nil
}

func (m *memStore) DailyTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counted := make(map[string]bool, len(models.InFlightStatuses))
	for _, s := range models.InFlightStatuses {
		counted[s] = true
	}
	total := decimal.Zero
	for _, tx := range m.transactions {
		if tx.UserID == userID && counted[string(tx.Status)] && !tx.CreatedAt.Before(since) {
			total = total.Add(tx.ReportingAmount)
		}
	}
	return total, nil
}

// memAccounts is an in-memory AccountStore.
type memAccounts struct {
	accounts map[string]*models.Account
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*models.Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *account
	return &copied, nil
}

// memAudit records audit entries in memory.
type memAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (m *memAudit) Record(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, 0, len(m.records))
	for _, rec := range m.records {
		actions = append(actions, rec.Action)
	}
	return actions
}

// stubFeatures returns canned risk features.
type stubFeatures struct {
	knownDevice bool
	recentCount int

	recordedDevices     []string
	recordedSubmissions []string
}

func (s *stubFeatures) KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	return s.knownDevice, nil
}

func (s *stubFeatures) RecordDevice(ctx context.Context, userID, fingerprint string) error {
	s.recordedDevices = append(s.recordedDevices, fingerprint)
	return nil
}

func (s *stubFeatures) RecentTransactionCount(ctx context.Context, userID string) (int, error) {
	return s.recentCount, nil
}

func (s *stubFeatures) RecordSubmission(ctx context.Context, userID, txID string) error {
	s.recordedSubmissions = append(s.recordedSubmissions, txID)
	return nil
}

// stubRates returns a fixed rate for every pair.
type stubRates struct {
	rate decimal.Decimal
	asOf time.Time
	err  error
}

func (s *stubRates) GetRate(ctx context.Context, from, to string) (decimal.Decimal, time.Time, error) {
	if s.err != nil {
		return decimal.Zero, time.Time{}, s.err
	}
	asOf := s.asOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return s.rate, asOf, nil
}

// stubHealth serves fixed rail statuses.
type stubHealth struct {
	statuses map[string]models.RailStatus
}

func (s *stubHealth) Status(railID string) (models.RailStatus, bool) {
	status, ok := s.statuses[railID]
	return status, ok
}

// scriptedRail returns the scripted errors in order, then succeeds.
type scriptedRail struct {
	mu       sync.Mutex
	script   []error
	attempts int
}

func (r *scriptedRail) Execute(ctx context.Context, railID string, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if len(r.script) == 0 {
		return nil
	}
	err := r.script[0]
	r.script = r.script[1:]
	return err
}

// captureNotifier records every published event.
type captureNotifier struct {
	mu     sync.Mutex
	events []models.TransactionStatus
}

func (n *captureNotifier) Publish(ctx context.Context, txID string, status models.TransactionStatus, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, status)
}
