// Package backtester simulates a value-investing portfolio over daily bars.
package backtester

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Broker manages the simulated cash ledger and open positions. Fills are
// whole-share at the same bar's close; cash can never go negative because
// sizing floors the share count against cash net of commission.
type Broker struct {
	mu             sync.RWMutex
	cash           decimal.Decimal
	initialCash    decimal.Decimal
	commissionRate decimal.Decimal
	positions      map[string]*types.Position
	lastPrices     map[string]decimal.Decimal
}

// NewBroker creates a broker with the given starting cash and per-trade
// commission rate (fraction of notional, e.g. 0.001).
func NewBroker(initialCash, commissionRate decimal.Decimal) *Broker {
	return &Broker{
		cash:           initialCash,
		initialCash:    initialCash,
		commissionRate: commissionRate,
		positions:      make(map[string]*types.Position),
		lastPrices:     make(map[string]decimal.Decimal),
	}
}

// Cash returns available cash.
func (b *Broker) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// Value returns total portfolio value (cash + positions at last prices).
func (b *Broker) Value() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value()
}

// Position returns a copy of the open position for ticker, or nil.
func (b *Broker) Position(ticker string) *types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos, ok := b.positions[ticker]; ok {
		cp := *pos
		return &cp
	}
	return nil
}

// OpenPositions returns copies of all open positions.
func (b *Broker) OpenPositions() map[string]*types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*types.Position, len(b.positions))
	for ticker, pos := range b.positions {
		cp := *pos
		out[ticker] = &cp
	}
	return out
}

// OpenCount returns the number of open positions.
func (b *Broker) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// UpdatePrice records the latest close for a ticker. Valuation uses the
// last seen price, so a ticker with a bar gap keeps its prior mark.
func (b *Broker) UpdatePrice(ticker string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrices[ticker] = price
}

// SizeOrder returns the whole-share quantity affordable with budget at
// price, net of commission. Returns 0 when even one share does not fit.
func (b *Broker) SizeOrder(budget, price decimal.Decimal) int64 {
	if price.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	perShare := price.Add(price.Mul(b.commissionRate))
	return budget.Div(perShare).IntPart()
}

// Buy fills a whole-share buy at price, averaging into an existing
// position. A zero or negative size is a no-op.
func (b *Broker) Buy(ticker string, size int64, price decimal.Decimal, date time.Time) {
	if size <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	qty := decimal.NewFromInt(size)
	notional := qty.Mul(price)
	b.cash = b.cash.Sub(notional).Sub(notional.Mul(b.commissionRate))
	b.lastPrices[ticker] = price

	if pos, ok := b.positions[ticker]; ok {
		totalSize := pos.Size + size
		totalCost := decimal.NewFromInt(pos.Size).Mul(pos.AverageBuyPrice).Add(notional)
		pos.AverageBuyPrice = totalCost.Div(decimal.NewFromInt(totalSize))
		pos.Size = totalSize
		pos.Buys++
		return
	}
	b.positions[ticker] = &types.Position{
		Ticker:          ticker,
		Size:            size,
		AverageBuyPrice: price,
		OpenDate:        date,
		Buys:            1,
	}
}

// Sell liquidates the full position at price and returns the removed
// position, or nil when the ticker is not held.
func (b *Broker) Sell(ticker string, price decimal.Decimal) *types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[ticker]
	if !ok {
		return nil
	}
	notional := decimal.NewFromInt(pos.Size).Mul(price)
	b.cash = b.cash.Add(notional).Sub(notional.Mul(b.commissionRate))
	b.lastPrices[ticker] = price
	delete(b.positions, ticker)
	return pos
}

// UnrealizedPnL reports open-position profit at last seen prices.
func (b *Broker) UnrealizedPnL() types.UnrealizedPnL {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := types.UnrealizedPnL{}
	for ticker, pos := range b.positions {
		price, ok := b.lastPrices[ticker]
		if !ok {
			price = pos.AverageBuyPrice
		}
		pnl := decimal.NewFromInt(pos.Size).Mul(price.Sub(pos.AverageBuyPrice))
		result.Positions = append(result.Positions, types.PositionPnL{
			Ticker:       ticker,
			Size:         pos.Size,
			BuyPrice:     pos.AverageBuyPrice,
			CurrentPrice: price,
			PnL:          pnl,
		})
		result.Total = result.Total.Add(pnl)
	}
	return result
}

// Snapshot records the equity curve point for date.
func (b *Broker) Snapshot(date time.Time) types.PortfolioSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.PortfolioSnapshot{
		Date:       date,
		TotalValue: b.value(),
		Cash:       b.cash,
	}
}

// value computes total equity. Caller must hold the lock.
func (b *Broker) value() decimal.Decimal {
	equity := b.cash
	for ticker, pos := range b.positions {
		price, ok := b.lastPrices[ticker]
		if !ok {
			price = pos.AverageBuyPrice
		}
		equity = equity.Add(decimal.NewFromInt(pos.Size).Mul(price))
	}
	return equity
}
