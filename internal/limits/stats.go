package limits

import (
	"context"
	"sync"
	"time"

	"github.com/HarborlightLabs/taskgate/backend/internal/completions"
	"go.uber.org/zap"
)

const defaultStaleness = 30 * time.Second

// Stats aggregates the retained completions for one (task, user) key.
// Entries are replaced wholesale on refresh, never mutated in place.
type Stats struct {
	Key            completions.Key
	HourlyCount    int
	DailyCount     int
	LastCompletion *time.Time
	LastSyncAt     time.Time
}

// CacheConfig describes the dependencies required by the stats cache.
type CacheConfig struct {
	Log       *completions.Log
	Clock     func() time.Time
	Staleness time.Duration
	Logger    *zap.Logger
}

// Cache is the process-wide authority for current known stats. It
// throttles how often the completion log is re-queried: a cached entry
// is reused until it is older than the staleness window or has been
// explicitly invalidated.
type Cache struct {
	log       *completions.Log
	clock     func() time.Time
	staleness time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[completions.Key]*cacheEntry
}

type cacheEntry struct {
	stats       Stats
	invalidated bool
	touchedAt   time.Time
}

// NewCache constructs the stats cache.
func NewCache(cfg CacheConfig) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		log:       cfg.Log,
		clock:     clock,
		staleness: staleness,
		logger:    logger,
		entries:   make(map[completions.Key]*cacheEntry),
	}
}

// EnsureFresh returns stats for the key, recomputing them from the
// completion log when the cached entry is missing, invalidated, or at
// least one staleness window old. Concurrent callers may both recompute;
// the last wholesale replacement wins, which is idempotent.
func (c *Cache) EnsureFresh(ctx context.Context, key completions.Key) Stats {
	now := c.clock()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && !entry.invalidated && now.Sub(entry.stats.LastSyncAt) < c.staleness {
		entry.touchedAt = now
		stats := entry.stats
		c.mu.Unlock()
		return stats
	}
	c.mu.Unlock()

	stats := c.recompute(ctx, key, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.stats.LastSyncAt.After(stats.LastSyncAt) {
		// Keep last sync time monotonic per key.
		entry.touchedAt = now
		return entry.stats
	}
	c.entries[key] = &cacheEntry{stats: stats, touchedAt: now}
	return stats
}

// Invalidate forces the next EnsureFresh for the key to bypass the
// staleness check and recompute immediately.
func (c *Cache) Invalidate(key completions.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.invalidated = true
	}
}

// SweepStale drops entries not touched within maxAge to bound cache
// memory. Independent of the log retention window.
func (c *Cache) SweepStale(maxAge time.Duration) int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.touchedAt) >= maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("stats cache swept", zap.Int("removed", removed))
	}
	return removed
}

func (c *Cache) recompute(ctx context.Context, key completions.Key, now time.Time) Stats {
	records := c.log.Query(ctx, key)

	hourCutoff := now.Add(-time.Hour).UnixMilli()
	// The daily quota is anchored to local midnight, not a rolling 24h
	// window. The asymmetry with the hourly window is intentional.
	dayStart := startOfDay(now).UnixMilli()

	stats := Stats{Key: key, LastSyncAt: now}
	var latest int64
	for _, record := range records {
		if record.CompletedAtMs >= hourCutoff {
			stats.HourlyCount++
		}
		if record.CompletedAtMs >= dayStart {
			stats.DailyCount++
		}
		if record.CompletedAtMs > latest {
			latest = record.CompletedAtMs
		}
	}
	if latest > 0 {
		completedAt := time.UnixMilli(latest).In(now.Location())
		stats.LastCompletion = &completedAt
	}
	return stats
}

func startOfDay(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location())
}
