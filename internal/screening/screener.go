// Package screening runs a one-shot valuation pass over a stock universe
// at current prices, producing per-ticker buy/hold/sell rows.
package screening

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/fmp"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/internal/strategy"
	"github.com/valuekit-desktop/screening-backend/internal/workers"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Result is the complete outcome of a screening pass.
type Result struct {
	Rows    []types.ScreeningRow `json:"rows"`
	Summary types.ResultSummary  `json:"summary"`
}

// ProgressFunc reports tickers processed out of total.
type ProgressFunc func(processed, total int)

// Screener evaluates a universe against one strategy configuration.
type Screener struct {
	logger *zap.Logger
	market fmp.MarketDataProvider
	pit    *fundamentals.PointInTime
	pool   *workers.Pool
}

// NewScreener creates a screener. The pool is optional.
func NewScreener(logger *zap.Logger, market fmp.MarketDataProvider, pit *fundamentals.PointInTime, pool *workers.Pool) *Screener {
	return &Screener{logger: logger, market: market, pit: pit, pool: pool}
}

// Run screens every ticker in the universe at today's prices. Tickers with
// missing data produce a row with the error recorded, never a failed run.
// onProgress may be nil.
func (s *Screener) Run(ctx context.Context, config types.ScreeningConfig, onProgress ProgressFunc) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	evaluator := strategy.NewEvaluator(s.logger, s.pit, config.Strategy)
	signals := strategy.NewSignalEngine(config.Strategy)

	s.logger.Info("starting screening",
		zap.Int("universe", len(config.Universe)),
		zap.Int("asOfYear", fundamentals.AsOfYear(now)),
	)
	s.warm(now, config.Universe, evaluator)

	result := &Result{Rows: make([]types.ScreeningRow, 0, len(config.Universe))}
	var mosSum, moatSum float64

	for i, ticker := range config.Universe {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		row := s.screenOne(ctx, ticker, now, evaluator, signals)
		result.Rows = append(result.Rows, row)

		if row.Err != "" {
			result.Summary.Skipped++
		} else {
			mosSum += row.MOSPercent
			moatSum += float64(row.MoatScore)
			switch row.Action {
			case types.SignalBuy:
				result.Summary.BuyCount++
			case types.SignalSell:
				result.Summary.SellCount++
			default:
				result.Summary.HoldCount++
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(config.Universe))
		}
	}

	result.Summary.TotalStocks = len(config.Universe)
	if n := result.Summary.TotalStocks - result.Summary.Skipped; n > 0 {
		result.Summary.AvgMOS = mosSum / float64(n)
		result.Summary.AvgMoat = moatSum / float64(n)
	}

	s.logger.Info("screening completed",
		zap.Int("buys", result.Summary.BuyCount),
		zap.Int("skipped", result.Summary.Skipped),
	)
	return result, nil
}

// screenOne evaluates a single ticker. The sell threshold check runs as if
// the instrument were held, so screening output flags existing holdings
// that should be exited.
func (s *Screener) screenOne(ctx context.Context, ticker string, now time.Time, evaluator *strategy.Evaluator, signals *strategy.SignalEngine) types.ScreeningRow {
	row := types.ScreeningRow{Ticker: ticker}

	price, err := s.market.GetCurrentPrice(ctx, ticker)
	if err != nil {
		s.logDataGap(ticker, "current price", err)
		row.Err = err.Error()
		return row
	}
	row.Price = price

	ev, err := evaluator.Evaluate(ctx, ticker, now, price)
	if err != nil {
		s.logDataGap(ticker, "valuation", err)
		row.Err = err.Error()
		return row
	}

	row.FairValue = ev.FairValue
	row.MOSPercent = ev.MOSPercent
	row.MoatScore = ev.MoatScore
	row.Methods = ev.Methods

	switch {
	case signals.Action(false, ev) == types.SignalBuy:
		row.Action = types.SignalBuy
	case signals.Action(true, ev) == types.SignalSell:
		row.Action = types.SignalSell
	default:
		row.Action = types.SignalHold
	}
	return row
}

func (s *Screener) logDataGap(ticker, what string, err error) {
	if errors.Is(err, types.ErrNotAvailable) {
		s.logger.Debug("ticker skipped", zap.String("ticker", ticker), zap.String("missing", what))
		return
	}
	s.logger.Warn("ticker failed", zap.String("ticker", ticker), zap.String("stage", what), zap.Error(err))
}

// warm prefetches fundamentals for the whole universe in parallel.
func (s *Screener) warm(now time.Time, universe []string, evaluator *strategy.Evaluator) {
	if s.pool == nil || !s.pool.IsRunning() {
		return
	}
	tasks := make([]workers.Task, 0, len(universe))
	for _, ticker := range universe {
		ticker := ticker
		tasks = append(tasks, workers.TaskFunc(func(ctx context.Context) error {
			return evaluator.Prefetch(ctx, ticker, now)
		}))
	}
	_ = s.pool.RunBatch(tasks)
}
