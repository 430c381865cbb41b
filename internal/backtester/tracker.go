package backtester

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// TradeTracker keeps the closed-trade ledger of a run. The broker owns the
// live position state; the tracker only records completed round trips.
type TradeTracker struct {
	mu     sync.RWMutex
	closed []types.ClosedTrade
}

// NewTradeTracker creates an empty tracker.
func NewTradeTracker() *TradeTracker {
	return &TradeTracker{}
}

// RecordClose appends the round trip for a fully liquidated position.
// Hold days span from the first buy to the sell; repeat buys keep the
// original open date and the weighted average entry the broker maintains.
func (t *TradeTracker) RecordClose(pos *types.Position, sellPrice decimal.Decimal, sellDate time.Time, forceClosed bool) types.ClosedTrade {
	qty := decimal.NewFromInt(pos.Size)
	pnl := qty.Mul(sellPrice.Sub(pos.AverageBuyPrice))
	trade := types.ClosedTrade{
		Ticker:      pos.Ticker,
		BuyDate:     pos.OpenDate,
		SellDate:    sellDate,
		BuyPrice:    pos.AverageBuyPrice,
		SellPrice:   sellPrice,
		Size:        pos.Size,
		PnL:         pnl,
		HoldDays:    int(sellDate.Sub(pos.OpenDate).Hours() / 24),
		IsWin:       pnl.GreaterThan(decimal.Zero),
		ForceClosed: forceClosed,
	}

	t.mu.Lock()
	t.closed = append(t.closed, trade)
	t.mu.Unlock()
	return trade
}

// Trades returns a copy of the closed-trade ledger.
func (t *TradeTracker) Trades() []types.ClosedTrade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.ClosedTrade, len(t.closed))
	copy(out, t.closed)
	return out
}

// Count returns the number of closed trades.
func (t *TradeTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.closed)
}

// Statistics aggregates the ledger. ProfitFactor stays nil when no trade
// lost money, since gross profit over zero gross loss is undefined.
func (t *TradeTracker) Statistics() types.TradeStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := types.TradeStatistics{TotalTrades: len(t.closed)}
	if len(t.closed) == 0 {
		return stats
	}

	var grossProfit, grossLoss decimal.Decimal
	var holdDays int
	for _, trade := range t.closed {
		stats.TotalPnL = stats.TotalPnL.Add(trade.PnL)
		holdDays += trade.HoldDays
		if trade.IsWin {
			stats.Wins++
			grossProfit = grossProfit.Add(trade.PnL)
		} else {
			stats.Losses++
			grossLoss = grossLoss.Add(trade.PnL.Abs())
		}
	}

	n := decimal.NewFromInt(int64(len(t.closed)))
	stats.WinRate = float64(stats.Wins) / float64(len(t.closed))
	stats.AvgPnL = stats.TotalPnL.Div(n)
	stats.AvgHoldDays = float64(holdDays) / float64(len(t.closed))
	if stats.Wins > 0 {
		stats.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(stats.Wins)))
	}
	if stats.Losses > 0 {
		stats.AvgLoss = grossLoss.Neg().Div(decimal.NewFromInt(int64(stats.Losses)))
	}
	if grossLoss.GreaterThan(decimal.Zero) {
		pf, _ := grossProfit.Div(grossLoss).Float64()
		stats.ProfitFactor = &pf
	}
	return stats
}
