package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

var ErrCacheMiss = errors.New("product cache miss")

func productKey(id bson.ObjectID) string {
	return fmt.Sprintf("product:%s", id.Hex())
}

func categoryKey(category string) string {
	return fmt.Sprintf("category:%s", category)
}

// ProductCache holds product documents for display paths only. Checkout and
// settlement always read the store.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	return &ProductCache{client: client, ttl: ttl}
}

func (c *ProductCache) Get(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	raw, err := c.client.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get product %s from cache", id.Hex())
	}

	var product models.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, errors.Wrapf(err, "unmarshal cached product %s", id.Hex())
	}
	return &product, nil
}

// Set caches products and indexes them by category in one transaction
func (c *ProductCache) Set(ctx context.Context, products ...*models.Product) error {
	if len(products) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	for _, p := range products {
		data, err := json.Marshal(p)
		if err != nil {
			return errors.Wrapf(err, "marshal product %s", p.ID.Hex())
		}
		pipe.Set(ctx, productKey(p.ID), data, c.ttl)
		pipe.SAdd(ctx, categoryKey(p.Category), p.ID.Hex())
		pipe.Expire(ctx, categoryKey(p.Category), c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "cache products")
	}
	return nil
}

// Invalidate drops cached products after their stock or price changed
func (c *ProductCache) Invalidate(ctx context.Context, ids ...bson.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = productKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "invalidate cached products")
	}
	return nil
}

// CategoryMembers returns the cached product ids seen for a category
func (c *ProductCache) CategoryMembers(ctx context.Context, category string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, categoryKey(category)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list cached category %s", category)
	}
	return ids, nil
}

// CachedCatalog is a read-through view of the catalog. A broken cache only
// costs latency: every cache error falls through to the store.
type CachedCatalog struct {
	products repository.ProductRepository
	cache    *ProductCache
	logger   *slog.Logger
}

func NewCachedCatalog(products repository.ProductRepository, cache *ProductCache, logger *slog.Logger) *CachedCatalog {
	return &CachedCatalog{products: products, cache: cache, logger: logger}
}

func (c *CachedCatalog) FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	log := logging.FromContext(ctx, c.logger)

	product, err := c.cache.Get(ctx, id)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		log.Warn("product cache read failed", "product_id", id.Hex(), "error", err)
	}

	product, err = c.products.FindProductByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, product); err != nil {
		log.Warn("product cache write failed", "product_id", id.Hex(), "error", err)
	}
	return product, nil
}

func (c *CachedCatalog) ListProducts(ctx context.Context, filter repository.ProductFilter) ([]*models.Product, error) {
	products, err := c.products.ListProducts(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, products...); err != nil {
		logging.FromContext(ctx, c.logger).Warn("product cache warm failed", "count", len(products), "error", err)
	}
	return products, nil
}

func (c *CachedCatalog) Invalidate(ctx context.Context, ids ...bson.ObjectID) error {
	return c.cache.Invalidate(ctx, ids...)
}
