package screening_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/internal/screening"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// fakeMarket serves fixed current prices.
type fakeMarket struct {
	prices map[string]float64
}

func (f *fakeMarket) GetCurrentPrice(_ context.Context, ticker string) (float64, error) {
	price, ok := f.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("no quote for %s: %w", ticker, types.ErrNotAvailable)
	}
	return price, nil
}

func (f *fakeMarket) GetDailyBars(_ context.Context, ticker string, _, _ time.Time) ([]types.PriceBar, error) {
	price, ok := f.prices[ticker]
	if !ok {
		return nil, types.ErrNotAvailable
	}
	return []types.PriceBar{{Date: time.Now(), Close: decimal.NewFromFloat(price)}}, nil
}

// fakeFundamentals serves a strong five-year history for known tickers.
type fakeFundamentals struct {
	known map[string]bool
}

func (f *fakeFundamentals) years() []int {
	current := fundamentals.AsOfYear(time.Now())
	out := make([]int, 5)
	for i := range out {
		out[i] = current - i
	}
	return out
}

func (f *fakeFundamentals) check(ticker string) error {
	if !f.known[ticker] {
		return fmt.Errorf("unknown ticker %s: %w", ticker, types.ErrNotAvailable)
	}
	return nil
}

func meta(year int) types.StatementMeta {
	return types.StatementMeta{Date: fmt.Sprintf("%d-12-31", year)}
}

func (f *fakeFundamentals) GetIncomeStatement(_ context.Context, ticker string, _ int) ([]types.IncomeStatement, error) {
	if err := f.check(ticker); err != nil {
		return nil, err
	}
	var out []types.IncomeStatement
	for _, y := range f.years() {
		out = append(out, types.IncomeStatement{
			StatementMeta:         meta(y),
			Revenue:               1000,
			OperatingIncome:       300,
			IncomeBeforeTax:       100,
			EPS:                   5,
			WeightedAverageShsOut: 10,
		})
	}
	return out, nil
}

func (f *fakeFundamentals) GetBalanceSheet(_ context.Context, ticker string, _ int) ([]types.BalanceSheet, error) {
	if err := f.check(ticker); err != nil {
		return nil, err
	}
	var out []types.BalanceSheet
	for _, y := range f.years() {
		out = append(out, types.BalanceSheet{
			StatementMeta:           meta(y),
			TotalDebt:               20,
			TotalStockholdersEquity: 100,
		})
	}
	return out, nil
}

func (f *fakeFundamentals) GetCashflowStatement(_ context.Context, ticker string, _ int) ([]types.CashflowStatement, error) {
	if err := f.check(ticker); err != nil {
		return nil, err
	}
	var out []types.CashflowStatement
	for _, y := range f.years() {
		out = append(out, types.CashflowStatement{
			StatementMeta:               meta(y),
			DepreciationAndAmortization: 20,
			AccountsReceivables:         -5,
			AccountsPayables:            3,
			CapitalExpenditure:          -30,
			FreeCashFlow:                80,
		})
	}
	return out, nil
}

func (f *fakeFundamentals) GetKeyMetrics(_ context.Context, ticker string, _ int) ([]types.KeyMetrics, error) {
	if err := f.check(ticker); err != nil {
		return nil, err
	}
	var out []types.KeyMetrics
	for _, y := range f.years() {
		out = append(out, types.KeyMetrics{
			StatementMeta:        meta(y),
			ROE:                  0.25,
			ROIC:                 0.20,
			FreeCashFlowPerShare: 8,
		})
	}
	return out, nil
}

func newScreener(t *testing.T, market *fakeMarket, known ...string) *screening.Screener {
	t.Helper()
	store, err := cache.New(zap.NewNop(), t.TempDir(), cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	pit := fundamentals.NewPointInTime(zap.NewNop(), &fakeFundamentals{known: set}, store)
	return screening.NewScreener(zap.NewNop(), market, pit, nil)
}

// tenCapOnly keeps the valuation deterministic: the fake's ten-cap price
// is 103 per share regardless of growth.
func tenCapOnly() types.StrategyParameters {
	params := types.DefaultStrategyParameters()
	params.UseMOS = false
	params.UsePBT = false
	params.UseTenCap = true
	return params
}

func TestScreenerClassifiesUniverse(t *testing.T) {
	market := &fakeMarket{prices: map[string]float64{
		"CHEAP": 50,  // MOS ~51% -> buy
		"DEAR":  200, // MOS ~-94% -> sell row
	}}
	screener := newScreener(t, market, "CHEAP", "DEAR")

	var lastProcessed int
	result, err := screener.Run(context.Background(), types.ScreeningConfig{
		Universe: []string{"CHEAP", "DEAR", "GONE"},
		Strategy: tenCapOnly(),
	}, func(processed, total int) {
		lastProcessed = processed
		if total != 3 {
			t.Errorf("progress total = %d, want 3", total)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(result.Rows))
	}
	byTicker := make(map[string]types.ScreeningRow)
	for _, row := range result.Rows {
		byTicker[row.Ticker] = row
	}

	if got := byTicker["CHEAP"].Action; got != types.SignalBuy {
		t.Errorf("CHEAP action = %s, want buy", got)
	}
	if got := byTicker["DEAR"].Action; got != types.SignalSell {
		t.Errorf("DEAR action = %s, want sell", got)
	}
	if byTicker["GONE"].Err == "" {
		t.Error("missing ticker should carry an error")
	}

	s := result.Summary
	if s.TotalStocks != 3 || s.BuyCount != 1 || s.SellCount != 1 || s.Skipped != 1 {
		t.Errorf("summary = %+v", s)
	}
	if lastProcessed != 3 {
		t.Errorf("final progress = %d, want 3", lastProcessed)
	}
}

func TestScreenerRejectsInvalidConfig(t *testing.T) {
	screener := newScreener(t, &fakeMarket{})
	_, err := screener.Run(context.Background(), types.ScreeningConfig{
		Strategy: tenCapOnly(),
	}, nil)
	if err == nil {
		t.Fatal("expected validation error for empty universe")
	}
}
