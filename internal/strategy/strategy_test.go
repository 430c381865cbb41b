package strategy_test

import (
	"testing"

	"github.com/valuekit-desktop/screening-backend/internal/strategy"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

func fortress() *types.FinancialStatementSet {
	return &types.FinancialStatementSet{
		Ticker: "MOAT",
		IncomeStatement: []types.IncomeStatement{{
			Revenue:         1000,
			OperatingIncome: 300,
		}},
		BalanceSheet: []types.BalanceSheet{{
			TotalDebt:               20,
			TotalStockholdersEquity: 100,
		}},
		Cashflow: []types.CashflowStatement{{
			FreeCashFlow: 50,
		}},
		KeyMetrics: []types.KeyMetrics{{
			ROE:  0.25,
			ROIC: 0.20,
		}},
	}
}

func TestMoatScoreFullMarks(t *testing.T) {
	if got := strategy.MoatScore(fortress()); got != 50 {
		t.Errorf("MoatScore = %d, want 50", got)
	}
}

func TestMoatScoreEmptyStatements(t *testing.T) {
	if got := strategy.MoatScore(&types.FinancialStatementSet{}); got != 0 {
		t.Errorf("MoatScore of empty set = %d, want 0", got)
	}
}

func TestMoatScoreMidTiers(t *testing.T) {
	fs := fortress()
	fs.KeyMetrics[0].ROE = 0.12                 // 5
	fs.KeyMetrics[0].ROIC = 0.08                // 0
	fs.IncomeStatement[0].OperatingIncome = 150 // 15% margin -> 5
	fs.BalanceSheet[0].TotalDebt = 80           // D/E 0.8 -> 5
	fs.Cashflow[0].FreeCashFlow = -10           // 0

	if got := strategy.MoatScore(fs); got != 15 {
		t.Errorf("MoatScore = %d, want 15", got)
	}
}

func TestMoatScoreNegativeEquityContributesNothing(t *testing.T) {
	fs := fortress()
	fs.BalanceSheet[0].TotalStockholdersEquity = -50
	if got := strategy.MoatScore(fs); got != 40 {
		t.Errorf("MoatScore = %d, want 40", got)
	}
}

func TestSignalActions(t *testing.T) {
	engine := strategy.NewSignalEngine(types.DefaultStrategyParameters())

	tests := []struct {
		name string
		held bool
		ev   *strategy.Evaluation
		want types.SignalAction
	}{
		{"buy above both thresholds", false, &strategy.Evaluation{MOSPercent: 25, MoatScore: 40}, types.SignalBuy},
		{"no buy at moat threshold", false, &strategy.Evaluation{MOSPercent: 25, MoatScore: 30}, types.SignalHold},
		{"no buy below mos threshold", false, &strategy.Evaluation{MOSPercent: 5, MoatScore: 40}, types.SignalHold},
		{"hold healthy position", true, &strategy.Evaluation{MOSPercent: 2, MoatScore: 25}, types.SignalHold},
		{"sell on mos deterioration", true, &strategy.Evaluation{MOSPercent: -10, MoatScore: 40}, types.SignalSell},
		{"sell on moat deterioration", true, &strategy.Evaluation{MOSPercent: 25, MoatScore: 15}, types.SignalSell},
		{"held survives data gap", true, nil, types.SignalHold},
		{"unheld disqualified on data gap", false, nil, types.SignalHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Action(tt.held, tt.ev); got != tt.want {
				t.Errorf("Action(%v, %+v) = %q, want %q", tt.held, tt.ev, got, tt.want)
			}
		})
	}
}

func TestRankBuyCandidates(t *testing.T) {
	candidates := []strategy.Evaluation{
		{Ticker: "LOW", MOSPercent: 12},
		{Ticker: "HIGH", MOSPercent: 48},
		{Ticker: "MID", MOSPercent: 30},
	}

	ranked := strategy.RankBuyCandidates(candidates, 2)
	if len(ranked) != 2 {
		t.Fatalf("ranked %d candidates, want 2", len(ranked))
	}
	if ranked[0].Ticker != "HIGH" || ranked[1].Ticker != "MID" {
		t.Errorf("ranking = [%s %s], want [HIGH MID]", ranked[0].Ticker, ranked[1].Ticker)
	}

	if got := strategy.RankBuyCandidates(candidates, 0); got != nil {
		t.Errorf("no free slots should yield nil, got %v", got)
	}

	// Input order must survive.
	if candidates[0].Ticker != "LOW" {
		t.Error("RankBuyCandidates mutated its input")
	}
}
