// Package strategy implements the ValueKit decision layer: the moat scorer,
// the buy/sell signal rules, and the per-instrument evaluator that feeds
// both the backtester and the screener.
package strategy

import (
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// MoatScore is the bounded [0,50] composite proxy for a durable competitive
// advantage. Five sub-scores contribute 0, 5, or 10 points each:
//
//	ROE              > 15% -> 10, > 10% -> 5
//	ROIC             > 15% -> 10, > 10% -> 5
//	Operating margin > 20% -> 10, > 10% -> 5
//	Debt/equity      < 0.5 -> 10, < 1.0 -> 5
//	Free cash flow   > 0   -> 10
//
// A missing or zero-denominator metric contributes 0 rather than failing:
// the benefit of the doubt is withheld, not treated as an error.
func MoatScore(fs *types.FinancialStatementSet) int {
	score := 0

	if len(fs.KeyMetrics) > 0 {
		m := fs.KeyMetrics[0]
		score += tiered(m.ROE, 0.15, 0.10)
		score += tiered(m.ROIC, 0.15, 0.10)
	}

	if len(fs.IncomeStatement) > 0 {
		inc := fs.IncomeStatement[0]
		if inc.Revenue > 0 {
			score += tiered(inc.OperatingIncome/inc.Revenue, 0.20, 0.10)
		}
	}

	if len(fs.BalanceSheet) > 0 {
		b := fs.BalanceSheet[0]
		if b.TotalStockholdersEquity > 0 {
			ratio := b.TotalDebt / b.TotalStockholdersEquity
			switch {
			case ratio < 0.5:
				score += 10
			case ratio < 1.0:
				score += 5
			}
		}
	}

	if len(fs.Cashflow) > 0 && fs.Cashflow[0].FreeCashFlow > 0 {
		score += 10
	}

	return score
}

// tiered awards 10 points above strong, 5 above decent, else 0.
func tiered(value, strong, decent float64) int {
	switch {
	case value > strong:
		return 10
	case value > decent:
		return 5
	default:
		return 0
	}
}
