package valuation

import "math"

const (
	// fallbackGrowth is used when no usable series exists.
	fallbackGrowth = 0.10
	minGrowth      = -0.50
	maxGrowth      = 1.00
)

// compoundGrowth returns the annualized growth between start and end over
// years, or 0 when the inputs cannot support the calculation.
func compoundGrowth(start, end float64, years int) float64 {
	if start <= 0 || end <= 0 || years <= 0 {
		return 0
	}
	return math.Pow(end/start, 1/float64(years)) - 1
}

// GrowthEstimate averages the compound annual growth of several per-share
// metrics over the available history (newest first, up to five years).
// Series with non-positive endpoints are skipped. The result is clamped to
// a sane band; an extreme or empty estimate falls back to ten percent.
func GrowthEstimate(ctx *Context) float64 {
	metrics := ctx.Fundamentals.KeyMetrics
	if len(metrics) < 2 {
		return fallbackGrowth
	}

	newest := metrics[0]
	oldest := metrics[len(metrics)-1]
	years := newest.FiscalYear() - oldest.FiscalYear()
	if years <= 0 {
		years = len(metrics) - 1
	}

	series := [][2]float64{
		{oldest.RevenuePerShare, newest.RevenuePerShare},
		{oldest.NetIncomePerShare, newest.NetIncomePerShare},
		{oldest.BookValuePerShare, newest.BookValuePerShare},
		{oldest.FreeCashFlowPerShare, newest.FreeCashFlowPerShare},
	}

	var sum float64
	var count int
	for _, s := range series {
		if g := compoundGrowth(s[0], s[1], years); g != 0 {
			sum += g
			count++
		}
	}
	if count == 0 {
		return fallbackGrowth
	}

	avg := sum / float64(count)
	if avg < minGrowth || avg > maxGrowth {
		return fallbackGrowth
	}
	return avg
}
