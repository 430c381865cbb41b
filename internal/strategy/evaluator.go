package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/internal/valuation"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Evaluator produces one Evaluation per instrument per tick: point-in-time
// fundamentals in, growth estimate, consensus fair value and moat score out.
type Evaluator struct {
	logger  *zap.Logger
	pit     *fundamentals.PointInTime
	methods []valuation.Method
}

func NewEvaluator(logger *zap.Logger, pit *fundamentals.PointInTime, params types.StrategyParameters) *Evaluator {
	return &Evaluator{
		logger:  logger,
		pit:     pit,
		methods: valuation.EnabledMethods(params),
	}
}

// Evaluate values one instrument at the given date and price. It returns
// types.ErrNotAvailable (wrapped) when fundamentals are missing or no
// valuation method could produce an estimate; callers treat that as a data
// gap, not a failure.
func (e *Evaluator) Evaluate(ctx context.Context, ticker string, date time.Time, price float64) (*Evaluation, error) {
	fs, err := e.pit.Fundamentals(ctx, ticker, date)
	if err != nil {
		return nil, err
	}

	vctx := &valuation.Context{
		AsOfDate:     date,
		AsOfYear:     fundamentals.AsOfYear(date),
		Price:        price,
		Fundamentals: fs,
		Logger:       e.logger,
	}
	vctx.GrowthRate = valuation.GrowthEstimate(vctx)

	consensus, err := valuation.ConsensusFairValue(vctx, e.methods)
	if err != nil {
		return nil, err
	}

	return &Evaluation{
		Ticker:     ticker,
		Price:      price,
		FairValue:  consensus.FairValue,
		BuyPrice:   consensus.BuyPrice,
		MOSPercent: consensus.MOSPercent,
		MoatScore:  MoatScore(fs),
		Methods:    consensus.Methods,
	}, nil
}

// Prefetch warms the fundamentals cache for a ticker without computing a
// valuation. Used by the worker pool ahead of a rebalance tick so the
// serial evaluation pass hits only local data.
func (e *Evaluator) Prefetch(ctx context.Context, ticker string, date time.Time) error {
	_, err := e.pit.Fundamentals(ctx, ticker, date)
	return err
}
