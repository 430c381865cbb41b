package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/fmp"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/internal/strategy"
	"github.com/valuekit-desktop/screening-backend/internal/workers"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Run lifecycle states reported via progress updates.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusFinalizing   = "finalizing"
	StatusDone         = "done"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// ErrCancelled is returned by Run when Cancel stopped the simulation.
var ErrCancelled = errors.New("backtest cancelled")

// progressEvery throttles progress updates during the day loop.
const progressEvery = 10

// Engine drives one value-investing backtest: a daily price loop with
// periodic rebalance ticks where fundamentals are re-evaluated and the
// portfolio is rotated.
type Engine struct {
	mu     sync.RWMutex
	logger *zap.Logger
	market fmp.MarketDataProvider
	pit    *fundamentals.PointInTime
	pool   *workers.Pool

	running   atomic.Bool
	cancelled atomic.Bool
	closeOnce sync.Once

	// Guarded by mu, read by GetProgress while a run is live.
	config      *types.BacktestConfig
	status      string
	currentDate time.Time
	broker      *Broker
	tracker     *TradeTracker

	progressChan chan *types.BacktestProgress
}

// NewEngine creates an engine. The worker pool is optional; without one,
// fundamentals are fetched inline during rebalance ticks.
func NewEngine(logger *zap.Logger, market fmp.MarketDataProvider, pit *fundamentals.PointInTime, pool *workers.Pool) *Engine {
	return &Engine{
		logger:       logger,
		market:       market,
		pit:          pit,
		pool:         pool,
		status:       StatusInitializing,
		progressChan: make(chan *types.BacktestProgress, 100),
	}
}

// Cancel stops a running backtest at the next day boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// ProgressChan streams throttled progress updates. Slow consumers drop
// updates rather than stall the simulation. The channel closes when Run
// returns, so range loops over it terminate with the run.
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	return e.progressChan
}

// GetProgress returns the current run state.
func (e *Engine) GetProgress() *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p := &types.BacktestProgress{Status: e.status, CurrentDate: e.currentDate}
	if e.config != nil {
		p.ID = e.config.ID
	}
	if e.tracker != nil {
		p.TradesClosed = e.tracker.Count()
	}
	if e.broker != nil {
		p.CurrentValue = e.broker.Value()
	}
	return p
}

// Run executes one backtest. Instruments whose price history cannot be
// loaded are logged and skipped; the run fails only when no instrument is
// usable. Fundamentals gaps during the run never abort it.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig) (*types.BacktestResult, error) {
	if e.running.Swap(true) {
		return nil, fmt.Errorf("backtest already running")
	}
	defer e.running.Store(false)
	defer e.closeOnce.Do(func() { close(e.progressChan) })
	e.cancelled.Store(false)

	if err := config.Validate(); err != nil {
		e.setStatus(StatusFailed)
		return nil, err
	}

	startTime := time.Now()
	broker := NewBroker(config.StartingCash, config.Commission)
	tracker := NewTradeTracker()

	e.mu.Lock()
	e.config = config
	e.status = StatusInitializing
	e.broker = broker
	e.tracker = tracker
	e.mu.Unlock()

	bars, calendar, err := e.loadBars(ctx, config)
	if err != nil {
		e.setStatus(StatusFailed)
		return nil, err
	}

	evaluator := strategy.NewEvaluator(e.logger, e.pit, config.Strategy)
	signals := strategy.NewSignalEngine(config.Strategy)

	e.logger.Info("starting backtest",
		zap.String("id", config.ID),
		zap.Int("instruments", len(bars)),
		zap.Int("days", len(calendar)),
	)
	e.setStatus(StatusRunning)

	var evaluated, skipped int
	snapshots := make([]types.PortfolioSnapshot, 0, len(calendar))
	nextRebalance := config.FromDate.AddDate(0, 0, config.Strategy.RebalanceDays)

	for i, date := range calendar {
		select {
		case <-ctx.Done():
			e.setStatus(StatusFailed)
			return nil, ctx.Err()
		default:
		}
		if e.cancelled.Load() {
			e.setStatus(StatusCancelled)
			return nil, ErrCancelled
		}

		e.mu.Lock()
		e.currentDate = date
		e.mu.Unlock()

		// Mark every instrument trading today to its close.
		today := make(map[string]types.PriceBar, len(bars))
		for ticker, series := range bars {
			if bar, ok := series[dateKey(date)]; ok {
				today[ticker] = bar
				broker.UpdatePrice(ticker, bar.Close)
			}
		}

		if !date.Before(nextRebalance) {
			ev, sk := e.rebalance(ctx, date, today, broker, tracker, evaluator, signals, config.Strategy)
			evaluated += ev
			skipped += sk
			nextRebalance = date.AddDate(0, 0, config.Strategy.RebalanceDays)
			e.sendProgress(config.ID, StatusRunning, i, len(calendar), date, broker, tracker)
		} else if i%progressEvery == 0 {
			e.sendProgress(config.ID, StatusRunning, i, len(calendar), date, broker, tracker)
		}

		snapshots = append(snapshots, broker.Snapshot(date))
	}

	e.setStatus(StatusFinalizing)

	// Liquidate everything on the final bar so the run's trades are a
	// complete ledger.
	finalDate := config.ToDate
	if len(calendar) > 0 {
		finalDate = calendar[len(calendar)-1]
	}
	for ticker := range broker.OpenPositions() {
		price := lastClose(bars[ticker], finalDate)
		if pos := broker.Sell(ticker, price); pos != nil {
			tracker.RecordClose(pos, price, finalDate, true)
		}
	}
	if len(snapshots) > 0 {
		snapshots[len(snapshots)-1] = broker.Snapshot(finalDate)
	}

	result := &types.BacktestResult{
		ID:          config.ID,
		FinalValue:  broker.Value(),
		Snapshots:   snapshots,
		Trades:      tracker.Trades(),
		Statistics:  tracker.Statistics(),
		Metrics:     CalculateMetrics(snapshots, config.StartingCash),
		Evaluated:   evaluated,
		Skipped:     skipped,
		StartedAt:   startTime,
		CompletedAt: time.Now(),
	}

	e.setStatus(StatusDone)
	e.sendProgress(config.ID, StatusDone, len(calendar), len(calendar), finalDate, broker, tracker)

	e.logger.Info("backtest completed",
		zap.String("id", config.ID),
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("trades", len(result.Trades)),
		zap.String("finalValue", result.FinalValue.String()),
	)
	return result, nil
}

// rebalance runs one tick: evaluate, sell the deteriorated holdings first,
// then buy the best ranked candidates equal-weighted over freed cash.
func (e *Engine) rebalance(
	ctx context.Context,
	date time.Time,
	today map[string]types.PriceBar,
	broker *Broker,
	tracker *TradeTracker,
	evaluator *strategy.Evaluator,
	signals *strategy.SignalEngine,
	params types.StrategyParameters,
) (evaluated, skipped int) {
	e.prefetch(date, today, evaluator)

	evals := make(map[string]*strategy.Evaluation, len(today))
	for ticker, bar := range today {
		price, _ := bar.Close.Float64()
		ev, err := evaluator.Evaluate(ctx, ticker, date, price)
		if err != nil {
			if errors.Is(err, types.ErrNotAvailable) {
				e.logger.Debug("instrument skipped",
					zap.String("ticker", ticker),
					zap.Time("date", date),
					zap.Error(err),
				)
			} else {
				e.logger.Warn("evaluation failed",
					zap.String("ticker", ticker),
					zap.Time("date", date),
					zap.Error(err),
				)
			}
			skipped++
			continue
		}
		evals[ticker] = ev
		evaluated++
	}

	// Sells first so freed cash funds this tick's buys.
	for ticker := range broker.OpenPositions() {
		bar, trading := today[ticker]
		if !trading {
			continue
		}
		if signals.Action(true, evals[ticker]) == types.SignalSell {
			if sold := broker.Sell(ticker, bar.Close); sold != nil {
				trade := tracker.RecordClose(sold, bar.Close, date, false)
				e.logger.Debug("position closed",
					zap.String("ticker", ticker),
					zap.String("pnl", trade.PnL.String()),
					zap.Int("holdDays", trade.HoldDays),
				)
			}
		}
	}

	var candidates []strategy.Evaluation
	for ticker, ev := range evals {
		if broker.Position(ticker) != nil {
			continue
		}
		if signals.Action(false, ev) == types.SignalBuy {
			candidates = append(candidates, *ev)
		}
	}

	freeSlots := params.MaxPositions - broker.OpenCount()
	accepted := strategy.RankBuyCandidates(candidates, freeSlots)
	if len(accepted) == 0 {
		return evaluated, skipped
	}

	budget := broker.Cash().Div(decimal.NewFromInt(int64(len(accepted))))
	for _, ev := range accepted {
		bar := today[ev.Ticker]
		size := broker.SizeOrder(budget, bar.Close)
		if size <= 0 {
			continue
		}
		broker.Buy(ev.Ticker, size, bar.Close, date)
		e.logger.Debug("position opened",
			zap.String("ticker", ev.Ticker),
			zap.Int64("size", size),
			zap.Float64("mosPercent", ev.MOSPercent),
			zap.Int("moatScore", ev.MoatScore),
		)
	}
	return evaluated, skipped
}

// prefetch warms the fundamentals cache for every instrument trading
// today, in parallel when a pool is attached.
func (e *Engine) prefetch(date time.Time, today map[string]types.PriceBar, evaluator *strategy.Evaluator) {
	if e.pool == nil || !e.pool.IsRunning() {
		return
	}
	tasks := make([]workers.Task, 0, len(today))
	for ticker := range today {
		ticker := ticker
		tasks = append(tasks, workers.TaskFunc(func(ctx context.Context) error {
			return evaluator.Prefetch(ctx, ticker, date)
		}))
	}
	// Prefetch misses surface again during serial evaluation.
	_ = e.pool.RunBatch(tasks)
}

// loadBars loads daily history per instrument and builds the simulation
// calendar from the first usable instrument's trading dates.
func (e *Engine) loadBars(ctx context.Context, config *types.BacktestConfig) (map[string]map[string]types.PriceBar, []time.Time, error) {
	bars := make(map[string]map[string]types.PriceBar, len(config.Universe))
	var calendar []time.Time

	for _, ticker := range config.Universe {
		series, err := e.market.GetDailyBars(ctx, ticker, config.FromDate, config.ToDate)
		if err != nil || len(series) == 0 {
			e.logger.Warn("no price history, instrument dropped",
				zap.String("ticker", ticker),
				zap.Error(err),
			)
			continue
		}
		byDate := make(map[string]types.PriceBar, len(series))
		for _, bar := range series {
			byDate[dateKey(bar.Date)] = bar
		}
		bars[ticker] = byDate

		if calendar == nil {
			calendar = make([]time.Time, len(series))
			for i, bar := range series {
				calendar[i] = bar.Date
			}
		}
	}

	if len(bars) == 0 {
		return nil, nil, fmt.Errorf("no usable instruments in universe")
	}
	return bars, calendar, nil
}

func (e *Engine) setStatus(status string) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

// sendProgress emits a non-blocking progress update.
func (e *Engine) sendProgress(id, status string, day, totalDays int, date time.Time, broker *Broker, tracker *TradeTracker) {
	pct := 100.0
	if totalDays > 0 && day < totalDays {
		pct = float64(day) / float64(totalDays) * 100
	}
	update := &types.BacktestProgress{
		ID:           id,
		Status:       status,
		Progress:     pct,
		CurrentDate:  date,
		TradesClosed: tracker.Count(),
		CurrentValue: broker.Value(),
	}
	select {
	case e.progressChan <- update:
	default:
	}
}

// lastClose finds the most recent close at or before date.
func lastClose(series map[string]types.PriceBar, date time.Time) decimal.Decimal {
	if bar, ok := series[dateKey(date)]; ok {
		return bar.Close
	}
	var best time.Time
	var price decimal.Decimal
	for _, bar := range series {
		if !bar.Date.After(date) && bar.Date.After(best) {
			best = bar.Date
			price = bar.Close
		}
	}
	return price
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
