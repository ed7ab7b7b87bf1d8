// Package cart manages the per-user cart. Quantities are bounded by stock
// when written; checkout checks them again against the store.
package cart

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/money"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

// Catalog is the product lookup the cart needs; the cached catalog in
// production, the store itself in tests.
type Catalog interface {
	FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error)
}

type Service struct {
	carts   repository.CartRepository
	catalog Catalog
	logger  *slog.Logger
}

func NewService(carts repository.CartRepository, catalog Catalog, logger *slog.Logger) *Service {
	return &Service{carts: carts, catalog: catalog, logger: logger}
}

func (s *Service) Get(ctx context.Context, userID bson.ObjectID) (*models.CartView, error) {
	c, err := s.carts.FindCart(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return s.view(ctx, c)
}

// Add puts qty more of a product in the cart
func (s *Service) Add(ctx context.Context, userID, productID bson.ObjectID, qty int) (*models.CartView, error) {
	if qty < 1 {
		return nil, apperr.ErrValidation.WithDetails("quantity must be at least 1")
	}

	product, err := s.product(ctx, productID)
	if err != nil {
		return nil, err
	}

	c, err := s.carts.FindCart(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	idx := c.FindItem(productID)
	total := qty
	if idx >= 0 {
		total += c.Items[idx].Quantity
	}
	if total > product.Stock {
		return nil, apperr.ErrInsufficientStock.WithDetailsf("%s: %d available", product.Name, product.Stock)
	}

	if idx >= 0 {
		c.Items[idx].Quantity = total
	} else {
		c.Items = append(c.Items, models.CartItem{ProductID: productID, Quantity: qty, AddedAt: time.Now()})
	}
	return s.save(ctx, c)
}

// Update sets the quantity of an item already in the cart
func (s *Service) Update(ctx context.Context, userID, productID bson.ObjectID, qty int) (*models.CartView, error) {
	if qty < 1 {
		return nil, apperr.ErrValidation.WithDetails("quantity must be at least 1")
	}

	c, err := s.carts.FindCart(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	idx := c.FindItem(productID)
	if idx < 0 {
		return nil, apperr.ErrCartItemNotFound
	}

	product, err := s.product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if qty > product.Stock {
		return nil, apperr.ErrInsufficientStock.WithDetailsf("%s: %d available", product.Name, product.Stock)
	}

	c.Items[idx].Quantity = qty
	return s.save(ctx, c)
}

func (s *Service) Remove(ctx context.Context, userID, productID bson.ObjectID) (*models.CartView, error) {
	c, err := s.carts.FindCart(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if !c.RemoveItem(productID) {
		return nil, apperr.ErrCartItemNotFound
	}
	return s.save(ctx, c)
}

func (s *Service) Clear(ctx context.Context, userID bson.ObjectID) (*models.CartView, error) {
	c, err := s.carts.FindCart(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	c.Items = []models.CartItem{}
	return s.save(ctx, c)
}

func (s *Service) product(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	product, err := s.catalog.FindProductByID(ctx, id)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, apperr.ErrProductNotFound.WithDetailsf("product %s", id.Hex())
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if !product.IsActive() {
		return nil, apperr.ErrProductNotFound.WithDetailsf("product %s is not available", id.Hex())
	}
	return product, nil
}

func (s *Service) save(ctx context.Context, c *models.Cart) (*models.CartView, error) {
	if err := s.carts.SaveCart(ctx, c); err != nil {
		return nil, apperr.FromStore(err)
	}
	return s.view(ctx, c)
}

// view joins the stored items with live catalog data. Products that vanished
// stay in the cart marked unavailable so the client can remove them.
func (s *Service) view(ctx context.Context, c *models.Cart) (*models.CartView, error) {
	v := &models.CartView{
		UserID:    c.UserID,
		Items:     make([]models.CartLine, 0, len(c.Items)),
		UpdatedAt: c.UpdatedAt,
	}
	subtotal := decimal.Zero

	for _, item := range c.Items {
		line := models.CartLine{ProductID: item.ProductID, Quantity: item.Quantity}
		product, err := s.catalog.FindProductByID(ctx, item.ProductID)
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
		case err != nil:
			return nil, apperr.FromStore(err)
		default:
			price := money.FromFloat(product.Price)
			lineTotal := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			line.Name = product.Name
			line.Price = product.Price
			line.Image = product.PrimaryImage()
			line.Stock = product.Stock
			line.Available = product.IsInStock() && product.Stock >= item.Quantity
			line.Subtotal = money.Float(lineTotal)
			subtotal = subtotal.Add(lineTotal)
		}
		if !line.Available {
			logging.FromContext(ctx, s.logger).Debug("cart line unavailable",
				"product_id", item.ProductID.Hex(), "quantity", item.Quantity)
		}
		v.Items = append(v.Items, line)
		v.ItemCount += item.Quantity
	}

	v.Subtotal = money.Float(subtotal)
	return v, nil
}
