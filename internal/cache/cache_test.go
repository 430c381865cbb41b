package cache_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/cache"
)

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(zap.NewNop(), t.TempDir(), cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newCache(t)

	if err := c.Set("AAPL_income_statement_L10", cache.TypeHistoricalFundamentals, []byte(`{"eps":5}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	payload, ok := c.Get("AAPL_income_statement_L10", cache.TypeHistoricalFundamentals)
	if !ok {
		t.Fatal("Get missed a freshly written entry")
	}
	if string(payload) != `{"eps":5}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestGetMissesAbsentKey(t *testing.T) {
	c := newCache(t)
	if _, ok := c.Get("nope", cache.TypeHistoricalPrices); ok {
		t.Fatal("Get hit on an absent key")
	}
}

func TestCorruptedEntryIsAMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.New(zap.NewNop(), dir, cache.NopMetrics())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	if err := c.Set("BAD", cache.TypeHistoricalFundamentals, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	path := filepath.Join(dir, "fundamentals", "BAD.json")
	if err := os.WriteFile(path, []byte("not json {"), 0o644); err != nil {
		t.Fatalf("corrupting entry: %v", err)
	}

	if _, ok := c.Get("BAD", cache.TypeHistoricalFundamentals); ok {
		t.Fatal("corrupted entry served as a hit")
	}
}

func TestGetOrFetchFetchesOnceUnderContention(t *testing.T) {
	c := newCache(t)
	var fetches atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := c.GetOrFetch("MSFT_key_metrics_L10", cache.TypeHistoricalFundamentals, func() ([]byte, error) {
				fetches.Add(1)
				return []byte(`{"roe":0.3}`), nil
			})
			if err != nil {
				t.Errorf("GetOrFetch: %v", err)
			}
			if string(payload) != `{"roe":0.3}` {
				t.Errorf("payload = %s", payload)
			}
		}()
	}
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Errorf("upstream fetches = %d, want 1", got)
	}
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	c := newCache(t)

	wantErr := fmt.Errorf("upstream down")
	_, err := c.GetOrFetch("ERR", cache.TypeCurrentPrice, func() ([]byte, error) {
		return nil, wantErr
	})
	if err == nil {
		t.Fatal("fetch error swallowed")
	}

	// A failed fetch must not poison the key.
	payload, err := c.GetOrFetch("ERR", cache.TypeCurrentPrice, func() ([]byte, error) {
		return []byte(`42`), nil
	})
	if err != nil || string(payload) != "42" {
		t.Errorf("retry after failure = %s, %v", payload, err)
	}
}

func TestClear(t *testing.T) {
	c := newCache(t)
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("T%d_prices", i)
		if err := c.Set(key, cache.TypeHistoricalPrices, []byte(`[]`)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	removed, err := c.Clear(cache.TypeHistoricalPrices)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if _, ok := c.Get("T0_prices", cache.TypeHistoricalPrices); ok {
		t.Error("entry survived Clear")
	}
}
