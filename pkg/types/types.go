// Package types provides shared type definitions for the screening backend.
package types

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotAvailable signals an expected data miss: fundamentals or a valuation
// could not be produced for an instrument at a given date. Callers skip the
// instrument; they never abort the run on it.
var ErrNotAvailable = errors.New("data not available")

// SignalAction classifies an instrument at a rebalance tick.
type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalHold SignalAction = "hold"
	SignalSell SignalAction = "sell"
)

// PriceBar is one daily OHLCV bar for a single instrument.
type PriceBar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// StatementMeta carries the report date shared by all annual statement
// records. FMP dates fiscal years as "2018-12-31".
type StatementMeta struct {
	Date         string `json:"date"`
	CalendarYear string `json:"calendarYear"`
}

// FiscalYear extracts the fiscal year from the record's date, falling back
// to the calendarYear field. Returns 0 when neither parses.
func (m StatementMeta) FiscalYear() int {
	if idx := strings.IndexByte(m.Date, '-'); idx > 0 {
		if y, err := strconv.Atoi(m.Date[:idx]); err == nil {
			return y
		}
	}
	if y, err := strconv.Atoi(m.CalendarYear); err == nil {
		return y
	}
	return 0
}

// IncomeStatement is one annual income statement record.
type IncomeStatement struct {
	StatementMeta
	Revenue                  float64 `json:"revenue"`
	OperatingIncome          float64 `json:"operatingIncome"`
	IncomeBeforeTax          float64 `json:"incomeBeforeTax"`
	EPS                      float64 `json:"eps"`
	WeightedAverageShsOut    float64 `json:"weightedAverageShsOut"`
	WeightedAvgShsOutDiluted float64 `json:"weightedAverageShsOutDil"`
}

// BalanceSheet is one annual balance sheet record.
type BalanceSheet struct {
	StatementMeta
	TotalDebt               float64 `json:"totalDebt"`
	TotalStockholdersEquity float64 `json:"totalStockholdersEquity"`
}

// CashflowStatement is one annual cash flow statement record. Working
// capital components keep the cash flow statement's sign convention
// (an increase in receivables is negative).
type CashflowStatement struct {
	StatementMeta
	DepreciationAndAmortization float64 `json:"depreciationAndAmortization"`
	AccountsReceivables         float64 `json:"accountsReceivables"`
	AccountsPayables            float64 `json:"accountsPayables"`
	CapitalExpenditure          float64 `json:"capitalExpenditure"`
	FreeCashFlow                float64 `json:"freeCashFlow"`
}

// KeyMetrics is one annual key metrics record.
type KeyMetrics struct {
	StatementMeta
	ROE                  float64 `json:"roe"`
	ROIC                 float64 `json:"roic"`
	RevenuePerShare      float64 `json:"revenuePerShare"`
	NetIncomePerShare    float64 `json:"netIncomePerShare"`
	BookValuePerShare    float64 `json:"bookValuePerShare"`
	FreeCashFlowPerShare float64 `json:"freeCashFlowPerShare"`
}

// FinancialStatementSet bundles the point-in-time filtered annual history
// for one instrument. Every record's fiscal year is <= AsOfYear, newest
// first, at most five years deep per list.
type FinancialStatementSet struct {
	Ticker          string              `json:"ticker"`
	AsOfYear        int                 `json:"asOfYear"`
	BalanceSheet    []BalanceSheet      `json:"balanceSheet"`
	IncomeStatement []IncomeStatement   `json:"incomeStatement"`
	Cashflow        []CashflowStatement `json:"cashflow"`
	KeyMetrics      []KeyMetrics        `json:"keyMetrics"`
}

// Position is an open holding tracked across one backtest run.
type Position struct {
	Ticker          string          `json:"ticker"`
	Size            int64           `json:"size"`
	AverageBuyPrice decimal.Decimal `json:"averageBuyPrice"`
	OpenDate        time.Time       `json:"openDate"`
	Buys            int             `json:"buys"`
}

// ClosedTrade is the immutable record of a fully liquidated position.
type ClosedTrade struct {
	Ticker      string          `json:"ticker"`
	BuyDate     time.Time       `json:"buyDate"`
	SellDate    time.Time       `json:"sellDate"`
	BuyPrice    decimal.Decimal `json:"buyPrice"`
	SellPrice   decimal.Decimal `json:"sellPrice"`
	Size        int64           `json:"size"`
	PnL         decimal.Decimal `json:"pnl"`
	HoldDays    int             `json:"holdDays"`
	IsWin       bool            `json:"isWin"`
	ForceClosed bool            `json:"forceClosed"`
}

// PortfolioSnapshot is one point on the equity curve, recorded every
// simulated day.
type PortfolioSnapshot struct {
	Date       time.Time       `json:"date"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
}

// TradeStatistics aggregates the closed-trade ledger of a run.
// ProfitFactor is nil when there are no losing trades.
type TradeStatistics struct {
	TotalTrades  int             `json:"totalTrades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      float64         `json:"winRate"`
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	AvgPnL       decimal.Decimal `json:"avgPnl"`
	AvgWin       decimal.Decimal `json:"avgWin"`
	AvgLoss      decimal.Decimal `json:"avgLoss"`
	ProfitFactor *float64        `json:"profitFactor"`
	AvgHoldDays  float64         `json:"avgHoldDays"`
}

// PositionPnL is unrealized profit for one open position.
type PositionPnL struct {
	Ticker       string          `json:"ticker"`
	Size         int64           `json:"size"`
	BuyPrice     decimal.Decimal `json:"buyPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	PnL          decimal.Decimal `json:"pnl"`
}

// UnrealizedPnL sums open-position profit at current prices.
type UnrealizedPnL struct {
	Total     decimal.Decimal `json:"total"`
	Positions []PositionPnL   `json:"positions"`
}

// PerformanceMetrics are equity-curve derived run metrics.
type PerformanceMetrics struct {
	TotalReturn     decimal.Decimal `json:"totalReturn"`
	CAGR            decimal.Decimal `json:"cagr"`
	MaxDrawdown     decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate time.Time       `json:"maxDrawdownDate"`
	SharpeRatio     decimal.Decimal `json:"sharpeRatio"`
}

// BacktestResult is the complete outcome of one run.
type BacktestResult struct {
	ID          string              `json:"id"`
	FinalValue  decimal.Decimal     `json:"finalValue"`
	Snapshots   []PortfolioSnapshot `json:"snapshots"`
	Trades      []ClosedTrade       `json:"trades"`
	Statistics  TradeStatistics     `json:"statistics"`
	Metrics     PerformanceMetrics  `json:"metrics"`
	Evaluated   int                 `json:"evaluated"`
	Skipped     int                 `json:"skipped"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt time.Time           `json:"completedAt"`
}

// BacktestProgress is a point-in-time status of a running backtest.
type BacktestProgress struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Progress     float64         `json:"progress"`
	CurrentDate  time.Time       `json:"currentDate"`
	TradesClosed int             `json:"tradesClosed"`
	CurrentValue decimal.Decimal `json:"currentValue"`
}

// ResultSummary condenses a screening pass over a universe.
type ResultSummary struct {
	TotalStocks int     `json:"totalStocks"`
	BuyCount    int     `json:"buyCount"`
	HoldCount   int     `json:"holdCount"`
	SellCount   int     `json:"sellCount"`
	Skipped     int     `json:"skipped"`
	AvgMOS      float64 `json:"avgMos"`
	AvgMoat     float64 `json:"avgMoat"`
}

// ScreeningRow is the per-ticker outcome of a screening pass.
type ScreeningRow struct {
	Ticker     string       `json:"ticker"`
	Price      float64      `json:"price"`
	FairValue  float64      `json:"fairValue"`
	MOSPercent float64      `json:"mosPercent"`
	MoatScore  int          `json:"moatScore"`
	Action     SignalAction `json:"action"`
	Methods    []string     `json:"methods,omitempty"`
	Err        string       `json:"error,omitempty"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobKind selects what a queued job executes.
type JobKind string

const (
	JobKindBacktest  JobKind = "backtest"
	JobKindScreening JobKind = "screening"
)

// Job is one persisted queue entry.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Params      string     `json:"params"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    int        `json:"progress"`
	Summary     string     `json:"summary,omitempty"`
}
