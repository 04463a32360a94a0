// Package cache holds model capability metadata fetched from the
// backend, so request validation does not pay an upstream round trip.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jwadow/kiro-gateway/internal/kiro"
)

// DefaultTTL is how long a snapshot stays fresh. A stale snapshot is
// still served; staleness only signals that a background update is due.
const DefaultTTL = 30 * time.Minute

// ModelCache is a read-mostly snapshot of backend model metadata.
// Readers and the replacing writer share one mutex; the snapshot is
// replaced wholesale, never mutated in place.
type ModelCache struct {
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.RWMutex
	byID      map[string]kiro.ModelInfo
	order     []string
	updatedAt time.Time
}

// ModelCacheOptions configures a ModelCache.
type ModelCacheOptions struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// NewModelCache creates an empty cache.
func NewModelCache(opts ModelCacheOptions) *ModelCache {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelCache{ttl: ttl, logger: logger}
}

// Update replaces the snapshot. An empty model list is ignored so a
// degraded upstream response cannot wipe known-good metadata.
func (c *ModelCache) Update(models []kiro.ModelInfo) {
	if len(models) == 0 {
		c.logger.Warn("ignoring empty model list update")
		return
	}

	byID := make(map[string]kiro.ModelInfo, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		if m.ModelID == "" {
			continue
		}
		if _, seen := byID[m.ModelID]; !seen {
			order = append(order, m.ModelID)
		}
		byID[m.ModelID] = m
	}

	c.mu.Lock()
	c.byID = byID
	c.order = order
	c.updatedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("model cache updated", "models", len(order))
}

// Get returns the metadata for a model ID.
func (c *ModelCache) Get(modelID string) (kiro.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[modelID]
	return m, ok
}

// List returns all known models in the order the backend reported them.
func (c *ModelCache) List() []kiro.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]kiro.ModelInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// MaxInputTokens returns the model's input token limit. The second
// result is false when the model or its limit is unknown, in which case
// callers must skip validation rather than reject.
func (c *ModelCache) MaxInputTokens(modelID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[modelID]
	if !ok || m.TokenLimits == nil || m.TokenLimits.MaxInputTokens == nil {
		return 0, false
	}
	return *m.TokenLimits.MaxInputTokens, true
}

// IsEmpty reports whether no snapshot has been stored yet.
func (c *ModelCache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID) == 0
}

// IsStale reports whether the snapshot is older than the TTL. An empty
// cache is always stale.
func (c *ModelCache) IsStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.byID) == 0 {
		return true
	}
	return time.Since(c.updatedAt) > c.ttl
}

// UpdatedAt returns when the snapshot was last replaced.
func (c *ModelCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}
