package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/crosspay/backend/internal/config"
	"github.com/crosspay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// RateSource supplies current exchange rates. A missing or stale rate is
// treated by the router as no route.
type RateSource interface {
	GetRate(ctx context.Context, from, to string) (decimal.Decimal, time.Time, error)
}

// RailHealth is the read side of the rail health monitor.
type RailHealth interface {
	Status(railID string) (models.RailStatus, bool)
}

// currencyDecimals maps a currency to its minor-unit precision.
// Unlisted currencies default to 2.
var currencyDecimals = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

func decimalsFor(currency string) int32 {
	if d, ok := currencyDecimals[currency]; ok {
		return d
	}
	return 2
}

// Router resolves the execution plan for a transaction: chosen rail pair,
// exchange rate and converted target amount.
type Router struct {
	rates  RateSource
	health RailHealth
	maxAge time.Duration
}

func NewRouter(rates RateSource, health RailHealth, maxRateAge time.Duration) *Router {
	return &Router{rates: rates, health: health, maxAge: maxRateAge}
}

// Route computes the plan or fails with NO_ROUTE_AVAILABLE. Target
// amounts are rounded half-up to the target currency's minor units; the
// rounding is deterministic, so re-running with identical inputs yields
// an identical target amount.
func (r *Router) Route(ctx context.Context, source, target *models.Account, amount decimal.Decimal) (*models.RoutePlan, error) {
	for _, rail := range []string{source.Rail, target.Rail} {
		status, ok := r.health.Status(rail)
		if ok && status.Availability == models.RailDown {
			return nil, newPipelineError(ReasonNoRoute, fmt.Sprintf("rail %s is down", rail), nil)
		}
	}

	if source.Currency == target.Currency {
		return &models.RoutePlan{
			SourceRail:   source.Rail,
			TargetRail:   target.Rail,
			ExchangeRate: decimal.NewFromInt(1),
			TargetAmount: amount,
			RateAsOf:     time.Now(),
		}, nil
	}

	rate, asOf, err := r.rates.GetRate(ctx, source.Currency, target.Currency)
	if err != nil {
		return nil, newPipelineError(ReasonNoRoute,
			fmt.Sprintf("no rate for %s/%s", source.Currency, target.Currency), err)
	}
	if !rate.IsPositive() {
		return nil, newPipelineError(ReasonNoRoute,
			fmt.Sprintf("invalid rate for %s/%s", source.Currency, target.Currency), nil)
	}
	if r.maxAge > 0 && time.Since(asOf) > r.maxAge {
		return nil, newPipelineError(ReasonNoRoute,
			fmt.Sprintf("rate for %s/%s is stale", source.Currency, target.Currency), nil)
	}

	// decimal.Round is round half away from zero, which for positive
	// money amounts is round-half-up.
	targetAmount := amount.Mul(rate).Round(decimalsFor(target.Currency))

	return &models.RoutePlan{
		SourceRail:   source.Rail,
		TargetRail:   target.Rail,
		ExchangeRate: rate,
		TargetAmount: targetAmount,
		RateAsOf:     asOf,
	}, nil
}

// HTTPRateSource queries an external FX rate provider.
type HTTPRateSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRateSource(cfg *config.RatesConfig) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (rs *HTTPRateSource) GetRate(ctx context.Context, from, to string) (decimal.Decimal, time.Time, error) {
	url := fmt.Sprintf("%s/rates?from=%s&to=%s", rs.baseURL, from, to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}

	resp, err := rs.client.Do(req)
	if err != nil {
		log.Printf("[RATES] Rate lookup failed for %s/%s: %v", from, to, err)
		return decimal.Zero, time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, time.Time{}, fmt.Errorf("rate source returned status %d", resp.StatusCode)
	}

	var result struct {
		Rate string    `json:"rate"`
		AsOf time.Time `json:"asOf"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, time.Time{}, err
	}

	rate, err := decimal.NewFromString(result.Rate)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("malformed rate %q: %w", result.Rate, err)
	}
	return rate, result.AsOf, nil
}
