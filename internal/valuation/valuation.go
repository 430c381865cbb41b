// Package valuation implements the ValueKit fair-value calculators and the
// consensus adapter that averages them.
//
// Each calculator is a pure function of a read-only Context; none of them
// reach back into the engine or the data layer.
package valuation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Context is the read-only input a calculator sees: the simulated date, the
// bar's closing price, point-in-time fundamentals, and the growth estimate.
type Context struct {
	AsOfDate     time.Time
	AsOfYear     int
	Price        float64
	Fundamentals *types.FinancialStatementSet
	GrowthRate   float64
	Logger       *zap.Logger
}

// Result is one method's fair-value estimate. BuyPrice is the method's
// margin-of-safety entry price, below fair value.
type Result struct {
	Method    string  `json:"method"`
	FairValue float64 `json:"fairValue"`
	BuyPrice  float64 `json:"buyPrice"`
}

// Method is a single pluggable valuation methodology.
type Method interface {
	Name() string
	Evaluate(ctx *Context) (Result, error)
}

// Consensus is the averaged outcome of the methods that succeeded.
type Consensus struct {
	FairValue  float64  `json:"fairValue"`
	BuyPrice   float64  `json:"buyPrice"`
	MOSPercent float64  `json:"mosPercent"`
	Methods    []string `json:"methods"`
}

// ConsensusFairValue runs every method and averages the survivors.
// Individual method failures are tolerated, but zero successes means
// the ticker is unusable this tick.
func ConsensusFairValue(ctx *Context, methods []Method) (*Consensus, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("no valuation methods enabled: %w", types.ErrNotAvailable)
	}

	var (
		sumFair, sumBuy float64
		used            []string
	)
	for _, m := range methods {
		res, err := m.Evaluate(ctx)
		if err != nil {
			if ctx.Logger != nil {
				ctx.Logger.Debug("Valuation method failed",
					zap.String("method", m.Name()),
					zap.String("ticker", ctx.Fundamentals.Ticker),
					zap.Error(err))
			}
			continue
		}
		sumFair += res.FairValue
		sumBuy += res.BuyPrice
		used = append(used, res.Method)
	}

	if len(used) == 0 {
		return nil, fmt.Errorf("all valuation methods failed for %s: %w",
			ctx.Fundamentals.Ticker, types.ErrNotAvailable)
	}

	n := float64(len(used))
	fair := sumFair / n
	cons := &Consensus{
		FairValue: fair,
		BuyPrice:  sumBuy / n,
		Methods:   used,
	}
	if fair > 0 {
		cons.MOSPercent = (fair - ctx.Price) / fair * 100
	}
	return cons, nil
}

// EnabledMethods maps strategy parameters to the method set they select.
func EnabledMethods(params types.StrategyParameters) []Method {
	var methods []Method
	if params.UseMOS {
		methods = append(methods, MarginOfSafety{})
	}
	if params.UsePBT {
		methods = append(methods, PaybackTime{})
	}
	if params.UseTenCap {
		methods = append(methods, TenCap{})
	}
	return methods
}
