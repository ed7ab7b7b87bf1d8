// Package catalog serves product browsing and admin stock management.
package catalog

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

const MaxCreateBatch = 100

// Reader is the browsing read path, normally the redis read-through catalog
type Reader interface {
	FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error)
	ListProducts(ctx context.Context, filter repository.ProductFilter) ([]*models.Product, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, ids ...bson.ObjectID) error
}

type Service struct {
	products  repository.ProductRepository
	reader    Reader
	cache     Invalidator
	inventory repository.InventoryLogRepository
	logger    *slog.Logger
}

func NewService(
	products repository.ProductRepository,
	reader Reader,
	cache Invalidator,
	inventory repository.InventoryLogRepository,
	logger *slog.Logger,
) *Service {
	return &Service{products: products, reader: reader, cache: cache, inventory: inventory, logger: logger}
}

func (s *Service) List(ctx context.Context, filter repository.ProductFilter) ([]*models.Product, error) {
	products, err := s.reader.ListProducts(ctx, filter)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return products, nil
}

func (s *Service) Get(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	product, err := s.reader.FindProductByID(ctx, id)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, apperr.ErrProductNotFound
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if !product.IsActive() {
		return nil, apperr.ErrProductNotFound
	}
	return product, nil
}

// Create inserts a batch of products with generated SKUs
func (s *Service) Create(ctx context.Context, reqs []models.CreateProductRequest) ([]*models.Product, error) {
	if len(reqs) == 0 {
		return nil, apperr.ErrValidation.WithDetails("at least one product is required")
	}
	if len(reqs) > MaxCreateBatch {
		return nil, apperr.ErrValidation.WithDetailsf("at most %d products per request", MaxCreateBatch)
	}

	products := make([]*models.Product, len(reqs))
	for i := range reqs {
		products[i] = reqs[i].ToProduct()
	}
	if err := s.products.CreateProducts(ctx, products); err != nil {
		return nil, apperr.FromStore(err)
	}

	logging.FromContext(ctx, s.logger).Info("products created", "count", len(products))
	return products, nil
}

// AdjustStock applies an admin restock or correction. The store refuses any
// change that would take stock below zero.
func (s *Service) AdjustStock(ctx context.Context, id bson.ObjectID, req models.AdjustStockRequest, performedBy string) (*models.Product, error) {
	if req.Delta == 0 {
		return nil, apperr.ErrValidation.WithDetails("delta must not be zero")
	}

	product, err := s.products.AdjustStock(ctx, id, req.Delta)
	switch {
	case errors.Is(err, repository.ErrProductNotFound):
		return nil, apperr.ErrProductNotFound
	case errors.Is(err, repository.ErrInsufficientStock):
		return nil, apperr.ErrInsufficientStock.WithDetailsf("cannot remove %d units", -req.Delta)
	case err != nil:
		return nil, apperr.FromStore(err)
	}

	log := logging.FromContext(ctx, s.logger).With("product_id", id.Hex())
	entry := models.NewInventoryLog(product, req.Delta, models.InventoryChangeAdjustment, req.Reason, performedBy, "")
	if err := s.inventory.CreateInventoryLog(ctx, entry); err != nil {
		log.Warn("inventory log write failed", "error", err)
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		log.Warn("product cache invalidation failed", "error", err)
	}

	log.Info("stock adjusted", "delta", req.Delta, "stock", product.Stock, "performed_by", performedBy)
	return product, nil
}
