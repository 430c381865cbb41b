// Package main runs the ValueKit screening backend: an HTTP/WebSocket
// server in front of the FMP-backed valuation engine, the backtester and
// the persistent job queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/valuekit-desktop/screening-backend/internal/api"
	"github.com/valuekit-desktop/screening-backend/internal/backtester"
	"github.com/valuekit-desktop/screening-backend/internal/cache"
	"github.com/valuekit-desktop/screening-backend/internal/fmp"
	"github.com/valuekit-desktop/screening-backend/internal/fundamentals"
	"github.com/valuekit-desktop/screening-backend/internal/jobs"
	"github.com/valuekit-desktop/screening-backend/internal/screening"
	"github.com/valuekit-desktop/screening-backend/internal/workers"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file path (optional)")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogLevel)
	defer logger.Sync()

	logger.Info("starting screening backend",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("cacheDir", config.CacheDir),
	)

	if config.FMPAPIKey == "" {
		logger.Fatal("FMP API key not configured (set VALUEKIT_FMP_API_KEY or fmp_api_key)")
	}

	cacheMetrics := cache.NewMetrics(prometheus.DefaultRegisterer)
	store, err := cache.New(logger, config.CacheDir, cacheMetrics)
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}

	client := fmp.NewClient(logger, config.FMPAPIKey, store)
	pit := fundamentals.NewPointInTime(logger, client, store)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("prefetch"))
	pool.Start()

	newEngine := func() *backtester.Engine {
		return backtester.NewEngine(logger, client, pit, pool)
	}
	screener := screening.NewScreener(logger, client, pit, pool)

	queue, err := jobs.NewQueue(logger, config.JobsDB)
	if err != nil {
		logger.Fatal("failed to open jobs db", zap.Error(err))
	}
	defer queue.Close()

	worker := jobs.NewWorker(logger, queue, map[types.JobKind]jobs.Runner{
		types.JobKindBacktest:  backtestRunner(newEngine),
		types.JobKindScreening: screeningRunner(screener),
	})
	worker.Start()

	server := api.NewServer(logger, config, client, newEngine, screener, queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", config.Host, config.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", config.Host, config.Port, config.WebSocketPath)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	worker.Stop()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// backtestRunner adapts the engine to the job queue's Runner interface.
// Progress updates from the engine feed the job's progress column.
func backtestRunner(newEngine func() *backtester.Engine) jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, params string, onProgress func(pct int)) (string, string, error) {
		var config types.BacktestConfig
		if err := json.Unmarshal([]byte(params), &config); err != nil {
			return "", "", fmt.Errorf("invalid backtest params: %w", err)
		}
		engine := newEngine()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for progress := range engine.ProgressChan() {
				onProgress(int(progress.Progress))
			}
		}()

		result, err := engine.Run(ctx, &config)
		if err != nil {
			return "", "", err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return "", "", err
		}
		return string(payload), "", nil
	})
}

// screeningRunner adapts the screener to the job queue's Runner interface.
func screeningRunner(screener *screening.Screener) jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, params string, onProgress func(pct int)) (string, string, error) {
		var config types.ScreeningConfig
		if err := json.Unmarshal([]byte(params), &config); err != nil {
			return "", "", fmt.Errorf("invalid screening params: %w", err)
		}
		result, err := screener.Run(ctx, config, func(processed, total int) {
			if total > 0 {
				onProgress(processed * 100 / total)
			}
		})
		if err != nil {
			return "", "", err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return "", "", err
		}
		return string(payload), jobs.MarshalSummary(result.Summary), nil
	})
}

// loadConfig merges defaults, an optional config file and VALUEKIT_*
// environment variables, in that order of precedence.
func loadConfig(path string) (*types.ServerConfig, error) {
	v := viper.New()
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8080)
	v.SetDefault("websocket_path", "/ws")
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("cache_dir", "./cache")
	v.SetDefault("jobs_db", "./jobs.db")
	v.SetDefault("log_level", "info")
	// Declared so VALUEKIT_FMP_API_KEY binds without a config file.
	v.SetDefault("fmp_api_key", "")

	v.SetEnvPrefix("VALUEKIT")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config types.ServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &config, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
