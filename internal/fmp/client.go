// Package fmp provides the Financial Modeling Prep market data and
// fundamentals client.
package fmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// MarketDataProvider serves daily bars and live quotes.
type MarketDataProvider interface {
	GetDailyBars(ctx context.Context, ticker string, from, to time.Time) ([]types.PriceBar, error)
	GetCurrentPrice(ctx context.Context, ticker string) (float64, error)
}

// FundamentalsProvider serves raw annual statement records, newest first.
type FundamentalsProvider interface {
	GetIncomeStatement(ctx context.Context, ticker string, limit int) ([]types.IncomeStatement, error)
	GetBalanceSheet(ctx context.Context, ticker string, limit int) ([]types.BalanceSheet, error)
	GetCashflowStatement(ctx context.Context, ticker string, limit int) ([]types.CashflowStatement, error)
	GetKeyMetrics(ctx context.Context, ticker string, limit int) ([]types.KeyMetrics, error)
}

const defaultBaseURL = "https://financialmodelingprep.com/api/v3"

// Client is the HTTP FMP client. Raw API responses are cached (layer 1):
// statement endpoints with a 90 day TTL since they also serve "current"
// queries, historical bars forever.
type Client struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *cache.Cache
}

var _ MarketDataProvider = (*Client)(nil)
var _ FundamentalsProvider = (*Client)(nil)

// NewClient creates an FMP client backed by c for response caching.
func NewClient(logger *zap.Logger, apiKey string, c *cache.Cache) *Client {
	return &Client{
		logger:  logger,
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		cache:   c,
	}
}

// fetchJSON performs one GET against the API and returns the response body.
func (c *Client) fetchJSON(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)

	u := fmt.Sprintf("%s/%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fmp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fmp request failed: status %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fmp response: %w", err)
	}
	return body, nil
}

// cachedJSON routes a fetch through the layer-1 cache and decodes into out.
func (c *Client) cachedJSON(ctx context.Context, key, dataType, path string, params url.Values, out any) error {
	payload, err := c.cache.GetOrFetch(key, dataType, func() ([]byte, error) {
		return c.fetchJSON(ctx, path, params)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode fmp payload for %s: %w", key, err)
	}
	return nil
}

// GetIncomeStatement returns up to limit annual income statements, newest first.
func (c *Client) GetIncomeStatement(ctx context.Context, ticker string, limit int) ([]types.IncomeStatement, error) {
	var records []types.IncomeStatement
	key := fmt.Sprintf("%s_income_statement_L%d", ticker, limit)
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := c.cachedJSON(ctx, key, cache.TypeFundamentals, "income-statement/"+ticker, params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetBalanceSheet returns up to limit annual balance sheets, newest first.
func (c *Client) GetBalanceSheet(ctx context.Context, ticker string, limit int) ([]types.BalanceSheet, error) {
	var records []types.BalanceSheet
	key := fmt.Sprintf("%s_balance_sheet_L%d", ticker, limit)
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := c.cachedJSON(ctx, key, cache.TypeFundamentals, "balance-sheet-statement/"+ticker, params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetCashflowStatement returns up to limit annual cash flow statements, newest first.
func (c *Client) GetCashflowStatement(ctx context.Context, ticker string, limit int) ([]types.CashflowStatement, error) {
	var records []types.CashflowStatement
	key := fmt.Sprintf("%s_cashflow_statement_L%d", ticker, limit)
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := c.cachedJSON(ctx, key, cache.TypeFundamentals, "cash-flow-statement/"+ticker, params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetKeyMetrics returns up to limit annual key metric records, newest first.
func (c *Client) GetKeyMetrics(ctx context.Context, ticker string, limit int) ([]types.KeyMetrics, error) {
	var records []types.KeyMetrics
	key := fmt.Sprintf("%s_key_metrics_L%d", ticker, limit)
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := c.cachedJSON(ctx, key, cache.TypeFundamentals, "key-metrics/"+ticker, params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// historicalResponse matches /historical-price-full.
type historicalResponse struct {
	Symbol     string          `json:"symbol"`
	Historical []historicalBar `json:"historical"`
}

type historicalBar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// GetDailyBars returns the daily bars for ticker between from and to,
// ordered ascending by date. Bars are immutable history and cached forever.
func (c *Client) GetDailyBars(ctx context.Context, ticker string, from, to time.Time) ([]types.PriceBar, error) {
	var resp historicalResponse
	key := fmt.Sprintf("%s_daily_%s_%s", ticker, from.Format("2006-01-02"), to.Format("2006-01-02"))
	params := url.Values{
		"from": {from.Format("2006-01-02")},
		"to":   {to.Format("2006-01-02")},
	}
	if err := c.cachedJSON(ctx, key, cache.TypeHistoricalPrices, "historical-price-full/"+ticker, params, &resp); err != nil {
		return nil, err
	}

	bars := make([]types.PriceBar, 0, len(resp.Historical))
	for _, h := range resp.Historical {
		date, err := time.Parse("2006-01-02", h.Date)
		if err != nil {
			c.logger.Warn("Skipping bar with unparseable date",
				zap.String("ticker", ticker), zap.String("date", h.Date))
			continue
		}
		bars = append(bars, types.PriceBar{
			Date:   date,
			Open:   h.Open,
			High:   h.High,
			Low:    h.Low,
			Close:  h.Close,
			Volume: h.Volume,
		})
	}

	// FMP serves newest-first; the engine walks ascending.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// quoteShort matches /quote-short.
type quoteShort struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// GetCurrentPrice returns the latest quote for ticker, cached for one day.
func (c *Client) GetCurrentPrice(ctx context.Context, ticker string) (float64, error) {
	var quotes []quoteShort
	key := fmt.Sprintf("%s_quote_short", ticker)
	if err := c.cachedJSON(ctx, key, cache.TypeCurrentPrice, "quote-short/"+ticker, nil, &quotes); err != nil {
		return 0, err
	}
	if len(quotes) == 0 || quotes[0].Price <= 0 {
		return 0, fmt.Errorf("no quote for %s: %w", ticker, types.ErrNotAvailable)
	}
	return quotes[0].Price, nil
}
