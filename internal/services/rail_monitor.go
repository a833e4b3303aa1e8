package services

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/metrics"
	"github.com/crosspay/backend/internal/models"
)

// RailHealthMonitor probes each configured rail on a fixed interval and
// keeps the latest status per rail. It is the single writer of the status
// table; readers take a snapshot and never block on an in-flight probe.
//
// Transition policy is "most recent probe wins": one failed probe marks a
// rail down, one successful probe brings it back. No hysteresis.
type RailHealthMonitor struct {
	mu       sync.RWMutex
	statuses map[string]models.RailStatus

	endpoints map[string]string
	interval  time.Duration
	timeout   time.Duration
	client    *http.Client
}

func NewRailHealthMonitor(cfg *config.RailConfig) *RailHealthMonitor {
	return &RailHealthMonitor{
		statuses:  make(map[string]models.RailStatus),
		endpoints: cfg.Endpoints,
		interval:  cfg.ProbeInterval,
		timeout:   cfg.ProbeTimeout,
		client:    &http.Client{},
	}
}

// Start launches the probe loop. It runs until ctx is cancelled.
func (m *RailHealthMonitor) Start(ctx context.Context) {
	go func() {
		m.probeAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

func (m *RailHealthMonitor) probeAll(ctx context.Context) {
	for railID, endpoint := range m.endpoints {
		m.probe(ctx, railID, endpoint)
	}
}

func (m *RailHealthMonitor) probe(ctx context.Context, railID, endpoint string) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	status := models.RailStatus{RailID: railID, CheckedAt: start}

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		m.record(railID, m.markDown(status, railID, err))
		return
	}

	resp, err := m.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		m.record(railID, m.markDown(status, railID, err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[RAIL_MONITOR] Rail %s probe returned status %d", railID, resp.StatusCode)
		status.Availability = models.RailDown
		m.record(railID, status)
		return
	}

	status.Latency = latency
	status.LastSuccess = start
	status.Availability = models.RailUp
	if latency > m.timeout/2 {
		status.Availability = models.RailDegraded
	}
	m.record(railID, status)
}

func (m *RailHealthMonitor) markDown(status models.RailStatus, railID string, err error) models.RailStatus {
	log.Printf("[RAIL_MONITOR] Rail %s probe failed: %v", railID, err)
	status.Availability = models.RailDown
	return status
}

func (m *RailHealthMonitor) record(railID string, status models.RailStatus) {
	m.mu.Lock()
	// Keep the last successful probe time across failures.
	if prev, ok := m.statuses[railID]; ok && status.LastSuccess.IsZero() {
		status.LastSuccess = prev.LastSuccess
	}
	m.statuses[railID] = status
	m.mu.Unlock()

	metrics.RailAvailability.WithLabelValues(railID).Set(availabilityValue(status.Availability))
}

func availabilityValue(a models.RailAvailability) float64 {
	switch a {
	case models.RailUp:
		return 1
	case models.RailDegraded:
		return 0.5
	default:
		return 0
	}
}

// Status returns the latest completed probe result for a rail.
func (m *RailHealthMonitor) Status(railID string) (models.RailStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[railID]
	return status, ok
}

// Snapshot returns a copy of the current status table.
func (m *RailHealthMonitor) Snapshot() map[string]models.RailStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]models.RailStatus, len(m.statuses))
	for railID, status := range m.statuses {
		snapshot[railID] = status
	}
	return snapshot
}
