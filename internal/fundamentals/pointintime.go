// Package fundamentals provides point-in-time correct access to annual
// financial statements.
//
// Look-ahead bias is a correctness bug here, not a style choice: for a
// simulated date the service only ever returns statements that were
// publicly available on that date.
package fundamentals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/internal/fmp"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

const (
	rawFetchLimit = 10
	maxYearsKept  = 5
)

// PointInTime filters a raw fundamentals provider down to what was knowable
// at a simulated date, with an immutable layer-2 cache on top of the
// provider's own layer-1 response cache.
type PointInTime struct {
	logger   *zap.Logger
	provider fmp.FundamentalsProvider
	cache    *cache.Cache
}

// NewPointInTime creates the point-in-time access layer.
func NewPointInTime(logger *zap.Logger, provider fmp.FundamentalsProvider, c *cache.Cache) *PointInTime {
	return &PointInTime{logger: logger, provider: provider, cache: c}
}

// AsOfYear returns the newest fiscal year whose annual report was available
// on date. Annual reports are filed roughly 60-90 days after fiscal year
// end, so in January and February the previous year's report is not out yet
// and the cutoff moves back one more year.
func AsOfYear(date time.Time) int {
	if date.Month() < time.March {
		return date.Year() - 2
	}
	return date.Year() - 1
}

// Fundamentals returns the statement set for ticker as of date. Every
// record's fiscal year is <= AsOfYear(date); at most the five newest
// qualifying years are kept per statement list.
//
// All failure modes (provider errors, no qualifying records) surface as
// types.ErrNotAvailable. Callers skip the ticker for the tick; nothing
// here aborts a run.
func (p *PointInTime) Fundamentals(ctx context.Context, ticker string, date time.Time) (*types.FinancialStatementSet, error) {
	maxYear := AsOfYear(date)
	key := fmt.Sprintf("%s_fundamentals_year_%d", ticker, maxYear)

	if payload, ok := p.cache.Get(key, cache.TypeHistoricalFundamentals); ok {
		var set types.FinancialStatementSet
		if err := json.Unmarshal(payload, &set); err == nil {
			return &set, nil
		}
		p.logger.Warn("Corrupted point-in-time entry, refetching",
			zap.String("ticker", ticker), zap.Int("year", maxYear))
	}

	set, err := p.fetchFiltered(ctx, ticker, maxYear)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(set); err == nil {
		if err := p.cache.Set(key, cache.TypeHistoricalFundamentals, payload); err != nil {
			p.logger.Warn("Failed to cache point-in-time fundamentals",
				zap.String("ticker", ticker), zap.Error(err))
		}
	}
	return set, nil
}

// fetchFiltered pulls raw records from the provider and applies the
// point-in-time filter.
func (p *PointInTime) fetchFiltered(ctx context.Context, ticker string, maxYear int) (*types.FinancialStatementSet, error) {
	income, err := p.provider.GetIncomeStatement(ctx, ticker, rawFetchLimit)
	if err != nil {
		return nil, p.unavailable(ticker, "income statement", err)
	}
	balance, err := p.provider.GetBalanceSheet(ctx, ticker, rawFetchLimit)
	if err != nil {
		return nil, p.unavailable(ticker, "balance sheet", err)
	}
	cashflow, err := p.provider.GetCashflowStatement(ctx, ticker, rawFetchLimit)
	if err != nil {
		return nil, p.unavailable(ticker, "cashflow statement", err)
	}
	metrics, err := p.provider.GetKeyMetrics(ctx, ticker, rawFetchLimit)
	if err != nil {
		return nil, p.unavailable(ticker, "key metrics", err)
	}

	set := &types.FinancialStatementSet{
		Ticker:          ticker,
		AsOfYear:        maxYear,
		IncomeStatement: filterByYear(income, maxYear),
		BalanceSheet:    filterByYear(balance, maxYear),
		Cashflow:        filterByYear(cashflow, maxYear),
		KeyMetrics:      filterByYear(metrics, maxYear),
	}

	if len(set.IncomeStatement) == 0 || len(set.BalanceSheet) == 0 ||
		len(set.Cashflow) == 0 || len(set.KeyMetrics) == 0 {
		p.logger.Debug("No usable historical fundamentals",
			zap.String("ticker", ticker), zap.Int("maxYear", maxYear))
		return nil, fmt.Errorf("no fundamentals for %s up to %d: %w", ticker, maxYear, types.ErrNotAvailable)
	}
	return set, nil
}

func (p *PointInTime) unavailable(ticker, what string, err error) error {
	p.logger.Warn("Fundamentals fetch failed",
		zap.String("ticker", ticker), zap.String("statement", what), zap.Error(err))
	return fmt.Errorf("%s fetch failed for %s: %w", what, ticker, types.ErrNotAvailable)
}

// yearTagged is satisfied by every statement record type.
type yearTagged interface {
	FiscalYear() int
}

// filterByYear drops records newer than maxYear and keeps the newest
// maxYearsKept survivors. Records with unparseable dates are dropped.
// Provider order (newest first) is preserved.
func filterByYear[T yearTagged](records []T, maxYear int) []T {
	filtered := make([]T, 0, maxYearsKept)
	for _, r := range records {
		year := r.FiscalYear()
		if year == 0 || year > maxYear {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == maxYearsKept {
			break
		}
	}
	return filtered
}
