package backtester_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/backtester"
	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// fakeMarket serves a fixed daily series per ticker.
type fakeMarket struct {
	bars map[string][]types.PriceBar
}

func (f *fakeMarket) GetDailyBars(_ context.Context, ticker string, _, _ time.Time) ([]types.PriceBar, error) {
	series, ok := f.bars[ticker]
	if !ok {
		return nil, fmt.Errorf("no data for %s: %w", ticker, types.ErrNotAvailable)
	}
	return series, nil
}

func (f *fakeMarket) GetCurrentPrice(_ context.Context, ticker string) (float64, error) {
	series, ok := f.bars[ticker]
	if !ok || len(series) == 0 {
		return 0, types.ErrNotAvailable
	}
	price, _ := series[len(series)-1].Close.Float64()
	return price, nil
}

// fakeFundamentals serves one static annual history for every ticker.
type fakeFundamentals struct{}

func annualDate(year int) types.StatementMeta {
	return types.StatementMeta{Date: fmt.Sprintf("%d-12-31", year)}
}

func (fakeFundamentals) GetIncomeStatement(context.Context, string, int) ([]types.IncomeStatement, error) {
	var out []types.IncomeStatement
	for year := 2022; year >= 2017; year-- {
		out = append(out, types.IncomeStatement{
			StatementMeta:         annualDate(year),
			Revenue:               1000,
			OperatingIncome:       300,
			IncomeBeforeTax:       100,
			EPS:                   5,
			WeightedAverageShsOut: 10,
		})
	}
	return out, nil
}

func (fakeFundamentals) GetBalanceSheet(context.Context, string, int) ([]types.BalanceSheet, error) {
	var out []types.BalanceSheet
	for year := 2022; year >= 2017; year-- {
		out = append(out, types.BalanceSheet{
			StatementMeta:           annualDate(year),
			TotalDebt:               20,
			TotalStockholdersEquity: 100,
		})
	}
	return out, nil
}

func (fakeFundamentals) GetCashflowStatement(context.Context, string, int) ([]types.CashflowStatement, error) {
	var out []types.CashflowStatement
	for year := 2022; year >= 2017; year-- {
		out = append(out, types.CashflowStatement{
			StatementMeta:               annualDate(year),
			DepreciationAndAmortization: 20,
			AccountsReceivables:         -5,
			AccountsPayables:            3,
			CapitalExpenditure:          -30,
			FreeCashFlow:                80,
		})
	}
	return out, nil
}

func (fakeFundamentals) GetKeyMetrics(context.Context, string, int) ([]types.KeyMetrics, error) {
	var out []types.KeyMetrics
	for year := 2022; year >= 2017; year-- {
		out = append(out, types.KeyMetrics{
			StatementMeta:        annualDate(year),
			ROE:                  0.25,
			ROIC:                 0.20,
			RevenuePerShare:      100 * (1 + 0.1*float64(year-2017)),
			FreeCashFlowPerShare: 8,
		})
	}
	return out, nil
}

func dailySeries(start time.Time, days int, close string) []types.PriceBar {
	price := d(close)
	out := make([]types.PriceBar, days)
	for i := 0; i < days; i++ {
		out[i] = types.PriceBar{
			Date:  start.AddDate(0, 0, i),
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	}
	return out
}

func testEngine(t *testing.T, market *fakeMarket) *backtester.Engine {
	t.Helper()
	store, err := cache.New(zap.NewNop(), t.TempDir(), cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	pit := fundamentals.NewPointInTime(zap.NewNop(), fakeFundamentals{}, store)
	return backtester.NewEngine(zap.NewNop(), market, pit, nil)
}

func testConfig(from time.Time, days int) *types.BacktestConfig {
	params := types.DefaultStrategyParameters()
	params.RebalanceDays = 30
	params.UseMOS = false
	params.UsePBT = false
	// TenCap alone prices the fake at 103 per share against a 50 close,
	// which clears every buy threshold.
	params.UseTenCap = true

	return &types.BacktestConfig{
		ID:           "test-run",
		Universe:     []string{"VAL"},
		FromDate:     from,
		ToDate:       from.AddDate(0, 0, days-1),
		StartingCash: d("10000"),
		Commission:   decimal.Zero,
		Strategy:     params,
	}
}

func TestEngineBuysAndForceClosesAtEnd(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	market := &fakeMarket{bars: map[string][]types.PriceBar{
		"VAL": dailySeries(from, 120, "50"),
	}}

	engine := testEngine(t, market)
	result, err := engine.Run(context.Background(), testConfig(from, 120))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Snapshots) != 120 {
		t.Errorf("snapshots = %d, want one per day", len(result.Snapshots))
	}
	if len(result.Trades) != 1 {
		t.Fatalf("trades = %d, want the single force-closed position", len(result.Trades))
	}

	trade := result.Trades[0]
	if trade.Ticker != "VAL" {
		t.Errorf("trade ticker = %s", trade.Ticker)
	}
	if !trade.ForceClosed {
		t.Error("final liquidation not marked force closed")
	}
	// 10000 cash at 50 a share, zero commission.
	if trade.Size != 200 {
		t.Errorf("size = %d, want 200", trade.Size)
	}
	if !trade.BuyDate.Equal(from.AddDate(0, 0, 30)) {
		t.Errorf("buy date = %v, want first rebalance tick", trade.BuyDate)
	}
	if result.Evaluated == 0 {
		t.Error("no evaluations counted")
	}
	if !result.FinalValue.Equal(d("10000")) {
		t.Errorf("final value = %s, want 10000 on a flat series", result.FinalValue)
	}
}

// gatedFundamentals pauses the first statement fetch until released, so a
// test can act while the engine sits inside a rebalance tick.
type gatedFundamentals struct {
	fakeFundamentals
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedFundamentals) GetIncomeStatement(ctx context.Context, ticker string, limit int) ([]types.IncomeStatement, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.fakeFundamentals.GetIncomeStatement(ctx, ticker, limit)
}

func TestProgressChannelClosesWhenRunEnds(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	market := &fakeMarket{bars: map[string][]types.PriceBar{
		"VAL": dailySeries(from, 60, "50"),
	}}

	engine := testEngine(t, market)
	if _, err := engine.Run(context.Background(), testConfig(from, 60)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// A range over the progress channel must terminate once the run is
	// over, otherwise every forwarding goroutine leaks with its engine.
	for range engine.ProgressChan() {
	}
	if _, ok := <-engine.ProgressChan(); ok {
		t.Error("progress channel still open after Run returned")
	}
}

func TestCancelReturnsCancelledError(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	market := &fakeMarket{bars: map[string][]types.PriceBar{
		"VAL": dailySeries(from, 60, "50"),
	}}

	gate := &gatedFundamentals{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	store, err := cache.New(zap.NewNop(), t.TempDir(), cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	pit := fundamentals.NewPointInTime(zap.NewNop(), gate, store)
	engine := backtester.NewEngine(zap.NewNop(), market, pit, nil)

	go func() {
		<-gate.started
		engine.Cancel()
		close(gate.release)
	}()

	result, runErr := engine.Run(context.Background(), testConfig(from, 60))
	if !errors.Is(runErr, backtester.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", runErr)
	}
	if result != nil {
		t.Error("cancelled run returned a result")
	}

	// Cancelled runs release progress consumers too.
	for range engine.ProgressChan() {
	}
}

func TestEngineSkipsInstrumentsWithoutHistory(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	market := &fakeMarket{bars: map[string][]types.PriceBar{
		"VAL": dailySeries(from, 60, "50"),
	}}

	engine := testEngine(t, market)
	config := testConfig(from, 60)
	config.Universe = []string{"MISSING", "VAL"}

	if _, err := engine.Run(context.Background(), config); err != nil {
		t.Fatalf("Run() should survive one missing instrument: %v", err)
	}
}

func TestEngineFailsWithEmptyUniverseData(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	engine := testEngine(t, &fakeMarket{bars: map[string][]types.PriceBar{}})

	if _, err := engine.Run(context.Background(), testConfig(from, 60)); err == nil {
		t.Fatal("expected error when no instrument has data")
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	from := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	engine := testEngine(t, &fakeMarket{})

	config := testConfig(from, 60)
	config.Universe = nil
	if _, err := engine.Run(context.Background(), config); err == nil {
		t.Fatal("expected validation error for empty universe")
	}
}
