// Package types provides configuration types for the screening backend.
package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// StrategyParameters are the immutable inputs of one backtest or screening
// run. Thresholds follow the ValueKit defaults: buy when MOS > 10% and
// moat > 30/50, sell when MOS < -5% or moat < 20/50.
type StrategyParameters struct {
	MOSThreshold      float64 `json:"mosThreshold" validate:"gte=-100,lte=100"`
	MoatThreshold     int     `json:"moatThreshold" validate:"gte=0,lte=50"`
	SellMOSThreshold  float64 `json:"sellMosThreshold" validate:"gte=-100,lte=100"`
	SellMoatThreshold int     `json:"sellMoatThreshold" validate:"gte=0,lte=50"`
	MaxPositions      int     `json:"maxPositions" validate:"required,gt=0"`
	RebalanceDays     int     `json:"rebalanceDays" validate:"required,gt=0"`
	UseMOS            bool    `json:"useMos"`
	UsePBT            bool    `json:"usePbt"`
	UseTenCap         bool    `json:"useTenCap"`
}

// DefaultStrategyParameters returns the quarterly-rebalanced ValueKit
// baseline with all valuation methods enabled.
func DefaultStrategyParameters() StrategyParameters {
	return StrategyParameters{
		MOSThreshold:      10.0,
		MoatThreshold:     30,
		SellMOSThreshold:  -5.0,
		SellMoatThreshold: 20,
		MaxPositions:      20,
		RebalanceDays:     90,
		UseMOS:            true,
		UsePBT:            true,
		UseTenCap:         true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects unusable strategy parameters. It is the only fatal
// configuration gate: the engine calls it before any simulation begins.
func (p StrategyParameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid strategy parameters: %w", err)
	}
	if !p.UseMOS && !p.UsePBT && !p.UseTenCap {
		return fmt.Errorf("invalid strategy parameters: no valuation method enabled")
	}
	return nil
}

// BacktestConfig configures one full simulation run.
type BacktestConfig struct {
	ID           string             `json:"id"`
	Universe     []string           `json:"universe" validate:"required,min=1"`
	FromDate     time.Time          `json:"fromDate" validate:"required"`
	ToDate       time.Time          `json:"toDate" validate:"required,gtfield=FromDate"`
	StartingCash decimal.Decimal    `json:"startingCash"`
	Commission   decimal.Decimal    `json:"commission"`
	Strategy     StrategyParameters `json:"strategy"`
}

// Validate checks run-level configuration before the run starts.
func (c BacktestConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid backtest config: %w", err)
	}
	if !c.StartingCash.IsPositive() {
		return fmt.Errorf("invalid backtest config: starting cash must be positive")
	}
	if c.Commission.IsNegative() {
		return fmt.Errorf("invalid backtest config: commission must not be negative")
	}
	return c.Strategy.Validate()
}

// ScreeningConfig configures one screening pass over a universe.
type ScreeningConfig struct {
	Universe []string           `json:"universe" validate:"required,min=1"`
	Strategy StrategyParameters `json:"strategy"`
}

// Validate checks screening configuration.
func (c ScreeningConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid screening config: %w", err)
	}
	return c.Strategy.Validate()
}

// ServerConfig configures the HTTP/WebSocket server process.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	CacheDir      string        `json:"cacheDir" mapstructure:"cache_dir"`
	JobsDB        string        `json:"jobsDb" mapstructure:"jobs_db"`
	FMPAPIKey     string        `json:"-" mapstructure:"fmp_api_key"`
	LogLevel      string        `json:"logLevel" mapstructure:"log_level"`
}
