package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"BrokerCopilot/internal/models"
)

// TemplateCache wraps a Store and caches GetTemplate lookups. Template writes
// go through the wrapped store and evict the cached entry.
type TemplateCache struct {
	Store
	cache *cache.Cache
	log   *zap.Logger
}

func NewTemplateCache(inner Store, ttl time.Duration, logger *zap.Logger) *TemplateCache {
	return &TemplateCache{
		Store: inner,
		cache: cache.New(ttl, 2*ttl),
		log:   logger,
	}
}

func (c *TemplateCache) GetTemplate(ctx context.Context, id string) (*models.EmailTemplate, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(*models.EmailTemplate).Clone(), nil
	}

	t, err := c.Store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(id, t.Clone())
	c.log.Debug("template cached", zap.String("template_id", id))
	return t, nil
}

func (c *TemplateCache) SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) (*models.EmailTemplate, error) {
	t, err := c.Store.SaveTemplate(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(t.ID)
	return t, nil
}

func (c *TemplateCache) DeleteTemplate(ctx context.Context, id, userID string) error {
	if err := c.Store.DeleteTemplate(ctx, id, userID); err != nil {
		return err
	}
	c.cache.Delete(id)
	return nil
}
