package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/persistence"
)

// DefaultCatalogTTL bounds how stale the in-memory catalog view may get.
const DefaultCatalogTTL = 5 * time.Minute

// Model is one catalog row.
type Model = persistence.ModelRecord

// CatalogSource is the read-only external model catalog.
type CatalogSource interface {
	ListModels(ctx context.Context) ([]persistence.ModelRecord, error)
}

// Catalog is a process-local, TTL-bounded view of a CatalogSource.
type Catalog struct {
	src    CatalogSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	models   []Model
	loadedAt time.Time
}

func NewCatalog(src CatalogSource, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{src: src, ttl: ttl, now: time.Now, logger: logger}
}

// Models returns the cached view, reloading it once stale. When a reload
// fails and an older view exists, the older view is served.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl {
		return c.models, nil
	}
	if err := c.reloadLocked(ctx); err != nil {
		if c.models != nil {
			c.logger.Warn("catalog refresh failed; serving stale view", "error", err)
			return c.models, nil
		}
		return nil, err
	}
	return c.models, nil
}

// Refresh reloads the view immediately.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked(ctx)
}

// Invalidate forces the next Models call to reload.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) reloadLocked(ctx context.Context) error {
	models, err := c.src.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	if models == nil {
		models = []Model{}
	}
	c.models = models
	c.loadedAt = c.now()
	c.logger.Debug("model catalog loaded", "models", len(models))
	return nil
}
