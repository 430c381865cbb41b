package valuation

import (
	"fmt"
	"math"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

const (
	// discountRate is the required annual return used to discount the
	// ten-year EPS projection back to today.
	discountRate = 0.15
	// marginOfSafety is the discount demanded below fair value before a
	// methodology's buy price is reached.
	marginOfSafety = 0.50
	// paybackYears is the cumulative FCF horizon of the payback-time price.
	paybackYears = 8
	// tenCapRate capitalizes owner earnings into the ten-cap price.
	tenCapRate = 0.10
)

// MarginOfSafety is the ten-year EPS compounding model: project EPS forward
// at the growth estimate, apply a growth-implied exit PE, and discount back.
type MarginOfSafety struct{}

func (MarginOfSafety) Name() string { return "MOS" }

func (MarginOfSafety) Evaluate(ctx *Context) (Result, error) {
	if len(ctx.Fundamentals.IncomeStatement) == 0 {
		return Result{}, fmt.Errorf("no income statement: %w", types.ErrNotAvailable)
	}
	eps := ctx.Fundamentals.IncomeStatement[0].EPS
	if eps <= 0 {
		return Result{}, fmt.Errorf("non-positive EPS %.2f: %w", eps, types.ErrNotAvailable)
	}
	if ctx.GrowthRate <= 0 {
		return Result{}, fmt.Errorf("non-positive growth estimate: %w", types.ErrNotAvailable)
	}

	eps10y := eps * math.Pow(1+ctx.GrowthRate, 10)
	futurePE := ctx.GrowthRate * 200
	futureValue := eps10y * futurePE
	fairValue := futureValue / math.Pow(1+discountRate, 10)
	if fairValue <= 0 {
		return Result{}, fmt.Errorf("non-positive fair value: %w", types.ErrNotAvailable)
	}

	return Result{
		Method:    "MOS",
		FairValue: fairValue,
		BuyPrice:  fairValue * (1 - marginOfSafety),
	}, nil
}

// PaybackTime prices a business at the cumulative free cash flow per share
// it returns over eight years of compounding growth.
type PaybackTime struct{}

func (PaybackTime) Name() string { return "PBT" }

func (PaybackTime) Evaluate(ctx *Context) (Result, error) {
	if len(ctx.Fundamentals.KeyMetrics) == 0 {
		return Result{}, fmt.Errorf("no key metrics: %w", types.ErrNotAvailable)
	}
	fcf := ctx.Fundamentals.KeyMetrics[0].FreeCashFlowPerShare
	if fcf <= 0 {
		return Result{}, fmt.Errorf("non-positive FCF/share %.2f: %w", fcf, types.ErrNotAvailable)
	}
	if ctx.GrowthRate <= 0 {
		return Result{}, fmt.Errorf("non-positive growth estimate: %w", types.ErrNotAvailable)
	}

	var total float64
	for year := 1; year <= paybackYears; year++ {
		total += fcf * math.Pow(1+ctx.GrowthRate, float64(year))
	}

	return Result{
		Method:    "PBT",
		FairValue: total,
		BuyPrice:  total * (1 - marginOfSafety),
	}, nil
}

// TenCap capitalizes owner earnings at ten percent. Owner earnings adjust
// pre-tax income for depreciation, working capital movement, and half of
// capital expenditure (the maintenance share).
type TenCap struct{}

func (TenCap) Name() string { return "TEN_CAP" }

func (TenCap) Evaluate(ctx *Context) (Result, error) {
	fs := ctx.Fundamentals
	if len(fs.IncomeStatement) == 0 || len(fs.Cashflow) == 0 {
		return Result{}, fmt.Errorf("missing statements: %w", types.ErrNotAvailable)
	}
	income := fs.IncomeStatement[0]
	cashflow := fs.Cashflow[0]

	shares := income.WeightedAverageShsOut
	if shares <= 0 {
		shares = income.WeightedAvgShsOutDiluted
	}
	if shares <= 0 {
		return Result{}, fmt.Errorf("no shares outstanding: %w", types.ErrNotAvailable)
	}

	// Working capital components carry cash flow statement signs already.
	workingCapital := cashflow.AccountsReceivables + cashflow.AccountsPayables
	ownerEarnings := income.IncomeBeforeTax +
		cashflow.DepreciationAndAmortization +
		workingCapital -
		0.5*math.Abs(cashflow.CapitalExpenditure)

	eps := ownerEarnings / shares
	if eps <= 0 {
		return Result{}, fmt.Errorf("non-positive owner earnings per share: %w", types.ErrNotAvailable)
	}

	// The ten-cap price is already the most one should pay, so it serves
	// as both fair value and entry price.
	price := eps / tenCapRate
	return Result{
		Method:    "TEN_CAP",
		FairValue: price,
		BuyPrice:  price,
	}, nil
}
