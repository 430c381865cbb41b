package fundamentals_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// fakeProvider serves statements for the fiscal years it is given, in
// provider order (newest first), and counts calls.
type fakeProvider struct {
	years []int
	calls int
}

func meta(year int) types.StatementMeta {
	return types.StatementMeta{Date: fmt.Sprintf("%d-12-31", year)}
}

func (f *fakeProvider) GetIncomeStatement(context.Context, string, int) ([]types.IncomeStatement, error) {
	f.calls++
	out := make([]types.IncomeStatement, len(f.years))
	for i, y := range f.years {
		out[i] = types.IncomeStatement{StatementMeta: meta(y), EPS: 1}
	}
	return out, nil
}

func (f *fakeProvider) GetBalanceSheet(context.Context, string, int) ([]types.BalanceSheet, error) {
	out := make([]types.BalanceSheet, len(f.years))
	for i, y := range f.years {
		out[i] = types.BalanceSheet{StatementMeta: meta(y)}
	}
	return out, nil
}

func (f *fakeProvider) GetCashflowStatement(context.Context, string, int) ([]types.CashflowStatement, error) {
	out := make([]types.CashflowStatement, len(f.years))
	for i, y := range f.years {
		out[i] = types.CashflowStatement{StatementMeta: meta(y)}
	}
	return out, nil
}

func (f *fakeProvider) GetKeyMetrics(context.Context, string, int) ([]types.KeyMetrics, error) {
	out := make([]types.KeyMetrics, len(f.years))
	for i, y := range f.years {
		out[i] = types.KeyMetrics{StatementMeta: meta(y)}
	}
	return out, nil
}

func newPIT(t *testing.T, provider *fakeProvider) *fundamentals.PointInTime {
	t.Helper()
	store, err := cache.New(zap.NewNop(), t.TempDir(), cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return fundamentals.NewPointInTime(zap.NewNop(), provider, store)
}

func TestAsOfYear(t *testing.T) {
	tests := []struct {
		date time.Time
		want int
	}{
		{time.Date(2023, time.January, 15, 0, 0, 0, 0, time.UTC), 2021},
		{time.Date(2023, time.February, 28, 0, 0, 0, 0, time.UTC), 2021},
		{time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC), 2022},
		{time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC), 2022},
	}
	for _, tt := range tests {
		if got := fundamentals.AsOfYear(tt.date); got != tt.want {
			t.Errorf("AsOfYear(%s) = %d, want %d", tt.date.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestFundamentalsExcludesFutureYears(t *testing.T) {
	provider := &fakeProvider{years: []int{2023, 2022, 2021, 2020}}
	pit := newPIT(t, provider)

	// As of mid-2023 the 2023 annual report cannot exist yet.
	asOf := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	set, err := pit.Fundamentals(context.Background(), "AAPL", asOf)
	if err != nil {
		t.Fatalf("Fundamentals: %v", err)
	}

	if set.AsOfYear != 2022 {
		t.Errorf("AsOfYear = %d, want 2022", set.AsOfYear)
	}
	for _, rec := range set.IncomeStatement {
		if y := rec.FiscalYear(); y > 2022 {
			t.Errorf("leaked future fiscal year %d", y)
		}
	}
	if len(set.IncomeStatement) != 3 {
		t.Errorf("kept %d income records, want 3", len(set.IncomeStatement))
	}
}

func TestFundamentalsKeepsFiveNewestYears(t *testing.T) {
	provider := &fakeProvider{years: []int{2022, 2021, 2020, 2019, 2018, 2017, 2016}}
	pit := newPIT(t, provider)

	asOf := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	set, err := pit.Fundamentals(context.Background(), "AAPL", asOf)
	if err != nil {
		t.Fatalf("Fundamentals: %v", err)
	}

	if len(set.KeyMetrics) != 5 {
		t.Fatalf("kept %d key metrics records, want 5", len(set.KeyMetrics))
	}
	if got := set.KeyMetrics[0].FiscalYear(); got != 2022 {
		t.Errorf("newest kept year = %d, want 2022", got)
	}
	if got := set.KeyMetrics[4].FiscalYear(); got != 2018 {
		t.Errorf("oldest kept year = %d, want 2018", got)
	}
}

func TestFundamentalsEmptyHistoryIsNotAvailable(t *testing.T) {
	provider := &fakeProvider{years: []int{2023}} // nothing at or before 2022
	pit := newPIT(t, provider)

	asOf := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, err := pit.Fundamentals(context.Background(), "NEWIPO", asOf)
	if !errors.Is(err, types.ErrNotAvailable) {
		t.Fatalf("err = %v, want ErrNotAvailable", err)
	}
}

func TestFundamentalsCachesFilteredSet(t *testing.T) {
	provider := &fakeProvider{years: []int{2022, 2021, 2020}}
	pit := newPIT(t, provider)

	asOf := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	if _, err := pit.Fundamentals(context.Background(), "AAPL", asOf); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := pit.Fundamentals(context.Background(), "AAPL", asOf); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (second read served from cache)", provider.calls)
	}
}
