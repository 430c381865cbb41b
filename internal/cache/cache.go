// Package cache provides the persistent point-in-time data cache.
//
// Entries are grouped by data type; each type carries a TTL rule. Historical
// facts (filtered fundamentals, daily bars) never expire because history does
// not change retroactively. Current-data types expire so repeated screening
// runs stay reasonably fresh.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Data types understood by the cache.
const (
	TypeHistoricalFundamentals = "historical_fundamentals"
	TypeHistoricalPrices       = "historical_prices"
	TypeFundamentals           = "fundamentals"
	TypeCurrentPrice           = "current_price"
)

// ttlRules maps data type to TTL. Zero means the entry never expires.
var ttlRules = map[string]time.Duration{
	TypeHistoricalFundamentals: 0,
	TypeHistoricalPrices:       0,
	TypeFundamentals:           90 * 24 * time.Hour,
	TypeCurrentPrice:           24 * time.Hour,
}

// subdirs keeps one directory per data family, as the original layout did.
var subdirs = map[string]string{
	TypeHistoricalFundamentals: "fundamentals",
	TypeFundamentals:           "fundamentals",
	TypeHistoricalPrices:       "prices",
	TypeCurrentPrice:           "prices",
}

// envelope is the on-disk entry format. Payload stays raw so the cache is
// agnostic to what callers store.
type envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	DataType  string          `json:"dataType"`
	Payload   json.RawMessage `json:"payload"`
}

// Cache is a file-backed cache safe for concurrent use. It is constructed
// explicitly and passed by reference to the components that need it; there
// is no process-wide instance.
type Cache struct {
	logger  *zap.Logger
	dir     string
	metrics *Metrics

	mu       sync.Mutex
	inflight map[string]*call
}

// call tracks one in-flight fetch so concurrent misses on the same key hit
// upstream exactly once.
type call struct {
	done    chan struct{}
	payload []byte
	err     error
}

// New creates a cache rooted at dir. The directory tree is created eagerly
// so writes never race on MkdirAll.
func New(logger *zap.Logger, dir string, metrics *Metrics) (*Cache, error) {
	for _, sub := range []string{"fundamentals", "prices", "misc"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Cache{
		logger:   logger,
		dir:      dir,
		metrics:  metrics,
		inflight: make(map[string]*call),
	}, nil
}

// path maps a key to its entry file. Keys may contain ticker symbols with
// separators, so they are sanitized.
func (c *Cache) path(key, dataType string) string {
	sub, ok := subdirs[dataType]
	if !ok {
		sub = "misc"
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return filepath.Join(c.dir, sub, safe+".json")
}

// Get returns the cached payload for key, or ok=false on miss, expiry, or
// a corrupted entry. Corruption is logged and treated as a plain miss.
func (c *Cache) Get(key, dataType string) ([]byte, bool) {
	raw, err := os.ReadFile(c.path(key, dataType))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Cache read failed, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		c.metrics.Miss(dataType)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("Corrupted cache entry, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.metrics.Miss(dataType)
		return nil, false
	}

	if ttl := ttlRules[dataType]; ttl > 0 && time.Since(env.Timestamp) > ttl {
		c.metrics.Miss(dataType)
		return nil, false
	}

	c.metrics.Hit(dataType)
	return env.Payload, true
}

// Set persists a payload under key. The entry is written to a temp file and
// renamed into place so concurrent readers never observe a partial write.
func (c *Cache) Set(key, dataType string, payload []byte) error {
	env := envelope{
		Timestamp: time.Now(),
		DataType:  dataType,
		Payload:   payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	target := c.path(key, dataType)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return nil
}

// GetOrFetch returns the cached payload for key, calling fetch on a miss
// and persisting the result. Concurrent callers racing on the same key
// share a single fetch; losers wait for the winner's result.
func (c *Cache) GetOrFetch(key, dataType string, fetch func() ([]byte, error)) ([]byte, error) {
	if payload, ok := c.Get(key, dataType); ok {
		return payload, nil
	}

	c.mu.Lock()
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-cl.done
		return cl.payload, cl.err
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(cl.done)
	}()

	// Another goroutine may have written the entry between our miss and
	// registering the call.
	if payload, ok := c.Get(key, dataType); ok {
		cl.payload = payload
		return payload, nil
	}

	c.metrics.Fetch(dataType)
	payload, err := fetch()
	if err != nil {
		cl.err = err
		return nil, err
	}

	if err := c.Set(key, dataType, payload); err != nil {
		// A failed write degrades to fetch-every-time, not to failure.
		c.logger.Warn("Failed to persist cache entry",
			zap.String("key", key), zap.Error(err))
	}
	cl.payload = payload
	return payload, nil
}

// Clear removes every entry of the given data type, or all entries when
// dataType is empty.
func (c *Cache) Clear(dataType string) (int, error) {
	removed := 0
	err := filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		if dataType != "" {
			raw, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil
			}
			var env envelope
			if json.Unmarshal(raw, &env) != nil || env.DataType != dataType {
				return nil
			}
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed, err
}
