package backtester_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valuekit-desktop/screening-backend/internal/backtester"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

func snapshotsFrom(start time.Time, values ...string) []types.PortfolioSnapshot {
	out := make([]types.PortfolioSnapshot, len(values))
	for i, v := range values {
		out[i] = types.PortfolioSnapshot{
			Date:       start.AddDate(0, 0, i),
			TotalValue: d(v),
		}
	}
	return out
}

func TestCalculateMetricsTotalReturn(t *testing.T) {
	snaps := snapshotsFrom(day, "10000", "10500", "12000")
	m := backtester.CalculateMetrics(snaps, d("10000"))

	if !m.TotalReturn.Equal(d("0.2")) {
		t.Errorf("total return = %s, want 0.2", m.TotalReturn)
	}
}

func TestCalculateMetricsMaxDrawdown(t *testing.T) {
	// Peak 12000, trough 9000: drawdown 25% on the fourth day.
	snaps := snapshotsFrom(day, "10000", "12000", "10000", "9000", "11000")
	m := backtester.CalculateMetrics(snaps, d("10000"))

	if !m.MaxDrawdown.Equal(d("0.25")) {
		t.Errorf("max drawdown = %s, want 0.25", m.MaxDrawdown)
	}
	if !m.MaxDrawdownDate.Equal(day.AddDate(0, 0, 3)) {
		t.Errorf("drawdown date = %v, want trough date", m.MaxDrawdownDate)
	}
}

func TestCalculateMetricsFlatCurve(t *testing.T) {
	snaps := snapshotsFrom(day, "10000", "10000", "10000")
	m := backtester.CalculateMetrics(snaps, d("10000"))

	if !m.SharpeRatio.IsZero() {
		t.Errorf("sharpe of flat curve = %s, want 0", m.SharpeRatio)
	}
	if !m.MaxDrawdown.IsZero() {
		t.Errorf("drawdown of flat curve = %s, want 0", m.MaxDrawdown)
	}
}

func TestCalculateMetricsDegenerateInputs(t *testing.T) {
	if m := backtester.CalculateMetrics(nil, d("10000")); !m.TotalReturn.IsZero() {
		t.Errorf("metrics of empty curve = %+v", m)
	}
	snaps := snapshotsFrom(day, "10000", "11000")
	if m := backtester.CalculateMetrics(snaps, decimal.Zero); !m.TotalReturn.IsZero() {
		t.Errorf("metrics with zero initial cash = %+v", m)
	}
}
