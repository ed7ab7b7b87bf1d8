// Package checkout turns a client cart into a payment intent. It reads the
// catalog and coupon ledger but never writes stock or coupon usage; those
// change only when settlement sees the payment succeed.
package checkout

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/coupon"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/money"
	"julianmorley.ca/con-plar/storefront/pkg/payment"
	"julianmorley.ca/con-plar/storefront/pkg/pricing"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
	"julianmorley.ca/con-plar/storefront/pkg/snapshot"
)

// RawItem is a cart line as sent by the client. Price is accepted so older
// clients keep working, and is ignored.
type RawItem struct {
	ProductID string   `json:"product_id" binding:"required,objectid"`
	Quantity  int      `json:"quantity" binding:"required,min=1"`
	Price     *float64 `json:"price,omitempty"`
}

type Request struct {
	Items           []RawItem      `json:"items" binding:"dive"`
	ShippingAddress models.Address `json:"shipping_address" binding:"required"`
	CouponCode      string         `json:"coupon_code" binding:"omitempty,couponcode"`
	// IdempotencyKey comes from the Idempotency-Key header
	IdempotencyKey string `json:"-"`
}

type Intent struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          int64
	Currency        string
	CouponCode      string
	Totals          pricing.Totals
}

type Options struct {
	Shipping         decimal.Decimal
	Currency         string
	ProcessorTimeout time.Duration
}

type Service struct {
	products  repository.ProductRepository
	customers repository.CustomerRepository
	coupons   *coupon.Service
	processor payment.Processor
	codec     *snapshot.Codec
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
}

func NewService(
	products repository.ProductRepository,
	customers repository.CustomerRepository,
	coupons *coupon.Service,
	processor payment.Processor,
	codec *snapshot.Codec,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.ProcessorTimeout <= 0 {
		opts.ProcessorTimeout = 15 * time.Second
	}
	return &Service{
		products:  products,
		customers: customers,
		coupons:   coupons,
		processor: processor,
		codec:     codec,
		metrics:   m,
		logger:    logger,
		opts:      opts,
	}
}

// CreateIntent validates the cart against the catalog, prices it, and asks
// the processor for a payment intent carrying the validated snapshot.
func (s *Service) CreateIntent(ctx context.Context, customer *models.Customer, req Request) (intent *Intent, err error) {
	log := logging.FromContext(ctx, s.logger).With("user_id", customer.ID.Hex())
	defer func() { s.recordOutcome(log, err) }()

	lines, err := mergeLines(req.Items)
	if err != nil {
		return nil, err
	}

	items, err := s.validateItems(ctx, lines)
	if err != nil {
		return nil, err
	}

	pricingLines := make([]pricing.Line, len(items))
	for i, it := range items {
		pricingLines[i] = pricing.Line{UnitPrice: it.Price, Quantity: it.Quantity}
	}
	subtotal, err := pricing.Subtotal(pricingLines)
	if err != nil {
		return nil, apperr.ErrValidation.WithDetails(err.Error())
	}

	var (
		terms      *pricing.CouponTerms
		couponCode string
	)
	if coupon.Normalize(req.CouponCode) != "" {
		c, err := s.coupons.Check(ctx, customer.ID, req.CouponCode, subtotal)
		if err != nil {
			return nil, err
		}
		terms = coupon.Terms(c)
		couponCode = c.Code
	}

	totals, err := pricing.ComputeTotals(pricingLines, s.opts.Shipping, terms)
	if err != nil {
		return nil, err
	}

	paymentCustomerID, err := s.resolvePaymentCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}

	meta, err := s.codec.Encode(snapshot.Snapshot{
		UserID:          customer.ID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		Subtotal:        totals.Subtotal,
		Shipping:        totals.Shipping,
		Discount:        totals.Discount,
		Total:           totals.Total,
		CouponCode:      couponCode,
		Currency:        s.opts.Currency,
	})
	if errors.Is(err, snapshot.ErrTooLarge) {
		return nil, apperr.ErrValidation.WithDetails("cart has too many items for a single checkout")
	}
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}

	intentReq := payment.IntentRequest{
		Amount:     money.ToMinorUnits(totals.Total),
		Currency:   s.opts.Currency,
		CustomerID: paymentCustomerID,
		Metadata:   meta,
	}
	if req.IdempotencyKey != "" {
		// Scoped per user so two users can never share a processor key
		intentReq.IdempotencyKey = "checkout:" + customer.ID.Hex() + ":" + req.IdempotencyKey
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProcessorTimeout)
	defer cancel()
	pi, err := s.processor.CreatePaymentIntent(pctx, intentReq)
	if err != nil {
		return nil, processorError(err)
	}

	log.Info("payment intent created",
		"payment_intent_id", pi.ID,
		"amount", pi.Amount,
		"coupon_code", couponCode,
		"item_count", len(items))

	return &Intent{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
		Amount:          pi.Amount,
		Currency:        s.opts.Currency,
		CouponCode:      couponCode,
		Totals:          totals,
	}, nil
}

type mergedLine struct {
	productID bson.ObjectID
	quantity  int
}

// mergeLines folds repeated products into one line, keeping first-seen order
func mergeLines(raw []RawItem) ([]mergedLine, error) {
	if len(raw) == 0 {
		return nil, apperr.ErrEmptyCart
	}

	var lines []mergedLine
	index := map[bson.ObjectID]int{}
	for _, item := range raw {
		id, err := bson.ObjectIDFromHex(item.ProductID)
		if err != nil {
			return nil, apperr.ErrValidation.WithDetailsf("invalid product id %q", item.ProductID)
		}
		if item.Quantity < 1 {
			return nil, apperr.ErrValidation.WithDetailsf("quantity for %s must be at least 1", item.ProductID)
		}
		if i, ok := index[id]; ok {
			lines[i].quantity += item.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, mergedLine{productID: id, quantity: item.Quantity})
	}
	return lines, nil
}

// validateItems reads live products from the store, never the cache. No stock
// is reserved: concurrent checkouts may both pass and settlement sorts it out.
func (s *Service) validateItems(ctx context.Context, lines []mergedLine) ([]snapshot.Item, error) {
	items := make([]snapshot.Item, 0, len(lines))
	for _, line := range lines {
		product, err := s.products.FindProductByID(ctx, line.productID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, apperr.ErrProductNotFound.WithDetailsf("product %s", line.productID.Hex())
		}
		if err != nil {
			return nil, apperr.FromStore(err)
		}
		if !product.IsActive() {
			return nil, apperr.ErrProductNotFound.WithDetailsf("product %s is not available", line.productID.Hex())
		}
		if product.Stock < line.quantity {
			return nil, apperr.ErrInsufficientStock.WithDetailsf("%s: requested %d, %d available",
				product.Name, line.quantity, product.Stock)
		}

		items = append(items, snapshot.Item{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     money.FromFloat(product.Price),
			Quantity:  line.quantity,
			Image:     product.PrimaryImage(),
		})
	}
	return items, nil
}

// resolvePaymentCustomer reuses the stored processor customer or creates one.
// Two concurrent first checkouts may both create one; the set-if-empty write
// keeps whichever landed first and both requests use it.
func (s *Service) resolvePaymentCustomer(ctx context.Context, customer *models.Customer) (string, error) {
	if customer.HasPaymentCustomer() {
		return customer.PaymentCustomerID, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProcessorTimeout)
	defer cancel()
	id, err := s.processor.CreateCustomer(pctx, payment.CustomerRequest{
		UserID: customer.ID.Hex(),
		Email:  customer.Email,
		Name:   customer.Name,
	})
	if err != nil {
		return "", processorError(err)
	}

	stored, err := s.customers.SetPaymentCustomerID(ctx, customer.ID, id)
	if err != nil {
		return "", apperr.FromStore(err)
	}
	customer.PaymentCustomerID = stored.PaymentCustomerID
	return stored.PaymentCustomerID, nil
}

func processorError(err error) error {
	if errors.Is(err, payment.ErrRejected) {
		return apperr.ErrPaymentRejected.Wrap(err)
	}
	return apperr.ErrPaymentProcessor.Wrap(err)
}

func (s *Service) recordOutcome(log *slog.Logger, err error) {
	if err == nil {
		s.metrics.CheckoutOutcomes.WithLabelValues("created").Inc()
		return
	}

	appErr, ok := apperr.As(err)
	if !ok {
		s.metrics.CheckoutOutcomes.WithLabelValues("unknown").Inc()
		log.Error("checkout failed", "error", err)
		return
	}
	s.metrics.CheckoutOutcomes.WithLabelValues(appErr.ErrorCode()).Inc()
	if appErr.HTTPCode() >= 500 {
		log.Error("checkout failed", "code", appErr.ErrorCode(), "error", err)
		return
	}
	log.Info("checkout rejected", "code", appErr.ErrorCode(), "details", appErr.Details())
}
