package data

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Snapshot is a validated batch of market data kept for reuse when a
// later fetch fails.
type Snapshot struct {
	Series    types.PriceSeries `json:"series"`
	Assets    []string          `json:"assets"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Cache holds the last validated snapshot in memory. Snapshots older
// than maxAge are treated as gone; trading on day-old prices is worse
// than skipping the cycle.
type Cache struct {
	logger *zap.Logger
	maxAge time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewCache creates an empty cache.
func NewCache(logger *zap.Logger, maxAge time.Duration) *Cache {
	return &Cache{
		logger: logger.Named("data-cache"),
		maxAge: maxAge,
	}
}

// Store replaces the cached snapshot with a deep copy of the batch.
func (c *Cache) Store(series types.PriceSeries, assets []string) {
	snapshot := &Snapshot{
		Series:    copySeries(series),
		Assets:    append([]string(nil), assets...),
		FetchedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
}

// Load returns a copy of the cached snapshot, or false when the cache
// is empty or past its age limit.
func (c *Cache) Load() (*Snapshot, bool) {
	c.mu.RLock()
	snapshot := c.snapshot
	c.mu.RUnlock()

	if snapshot == nil {
		return nil, false
	}
	age := time.Since(snapshot.FetchedAt)
	if age > c.maxAge {
		c.logger.Warn("cached market data too old",
			zap.Duration("age", age),
			zap.Duration("max_age", c.maxAge))
		return nil, false
	}

	return &Snapshot{
		Series:    copySeries(snapshot.Series),
		Assets:    append([]string(nil), snapshot.Assets...),
		FetchedAt: snapshot.FetchedAt,
	}, true
}

func copySeries(series types.PriceSeries) types.PriceSeries {
	copied := make(types.PriceSeries, len(series))
	for asset, prices := range series {
		copied[asset] = append([]float64(nil), prices...)
	}
	return copied
}
