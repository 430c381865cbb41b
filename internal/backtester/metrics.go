package backtester

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// tradingDaysPerYear annualizes daily-return statistics.
const tradingDaysPerYear = 252.0

// CalculateMetrics derives equity-curve metrics from daily snapshots.
// Returns zero metrics when the curve is too short to say anything.
func CalculateMetrics(snapshots []types.PortfolioSnapshot, initialCash decimal.Decimal) types.PerformanceMetrics {
	metrics := types.PerformanceMetrics{}
	if len(snapshots) < 2 || initialCash.LessThanOrEqual(decimal.Zero) {
		return metrics
	}

	final := snapshots[len(snapshots)-1].TotalValue
	metrics.TotalReturn = final.Sub(initialCash).Div(initialCash)

	years := snapshots[len(snapshots)-1].Date.Sub(snapshots[0].Date).Hours() / (24 * 365.25)
	if years > 0 {
		start, _ := initialCash.Float64()
		end, _ := final.Float64()
		if start > 0 && end > 0 {
			metrics.CAGR = decimal.NewFromFloat(math.Pow(end/start, 1/years) - 1)
		}
	}

	metrics.MaxDrawdown, metrics.MaxDrawdownDate = maxDrawdown(snapshots)
	metrics.SharpeRatio = sharpeRatio(snapshots)
	return metrics
}

// maxDrawdown finds the deepest peak-to-trough decline and the date the
// trough was hit. Returned as a positive fraction of the peak.
func maxDrawdown(snapshots []types.PortfolioSnapshot) (decimal.Decimal, time.Time) {
	peak := snapshots[0].TotalValue
	maxDD := decimal.Zero
	var ddDate time.Time

	for _, snap := range snapshots {
		if snap.TotalValue.GreaterThan(peak) {
			peak = snap.TotalValue
			continue
		}
		if peak.LessThanOrEqual(decimal.Zero) {
			continue
		}
		dd := peak.Sub(snap.TotalValue).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			ddDate = snap.Date
		}
	}
	return maxDD, ddDate
}

// sharpeRatio annualizes the mean daily return over its standard
// deviation, assuming a zero risk-free rate.
func sharpeRatio(snapshots []types.PortfolioSnapshot) decimal.Decimal {
	returns := make([]float64, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		prev, _ := snapshots[i-1].TotalValue.Float64()
		curr, _ := snapshots[i].TotalValue.Float64()
		if prev > 0 {
			returns = append(returns, curr/prev-1)
		}
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mean / stdDev * math.Sqrt(tradingDaysPerYear))
}
