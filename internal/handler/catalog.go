// Package handler provides the HTTP handlers of the gateway.
package handler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jwadow/kiro-gateway/internal/cache"
	"github.com/jwadow/kiro-gateway/internal/kiro"
	"github.com/jwadow/kiro-gateway/internal/pool"
)

// Catalog keeps the model capability cache populated. Chat handlers use
// it to validate requests, the models handler to answer listings.
type Catalog struct {
	cache      *cache.ModelCache
	client     *kiro.Client
	pool       *pool.Pool
	logger     *slog.Logger
	refreshing atomic.Bool
}

// NewCatalog wires the cache to its upstream fetch path.
func NewCatalog(modelCache *cache.ModelCache, client *kiro.Client, accountPool *pool.Pool, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		cache:  modelCache,
		client: client,
		pool:   accountPool,
		logger: logger,
	}
}

// Cache exposes the underlying model cache.
func (c *Catalog) Cache() *cache.ModelCache { return c.cache }

// Refresh fetches the model list through any available account and
// replaces the cache snapshot.
func (c *Catalog) Refresh(ctx context.Context) error {
	acc, err := c.pool.Select(ctx)
	if err != nil {
		return err
	}

	models, err := c.client.ListModels(ctx, acc.Manager)
	if err != nil {
		c.pool.ReportFailure(acc, err)
		return err
	}
	c.pool.ReportSuccess(acc)
	c.cache.Update(models)
	return nil
}

// RefreshIfStale kicks off a background refresh when the snapshot is
// past its TTL. At most one refresh runs at a time; request handling
// never waits on it.
func (c *Catalog) RefreshIfStale() {
	if !c.cache.IsStale() {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("background model refresh failed", "error", err)
		}
	}()
}
