// Package coupon holds the coupon eligibility rules shared by checkout and the
// pre-check endpoint, plus admin management. Nothing here redeems a coupon:
// redemption happens only in settlement through the unique usage record.
package coupon

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/money"
	"julianmorley.ca/con-plar/storefront/pkg/pricing"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

type Service struct {
	coupons repository.CouponRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(coupons repository.CouponRepository, logger *slog.Logger) *Service {
	return &Service{
		coupons: coupons,
		logger:  logger,
		now:     time.Now,
	}
}

// Validation is the result of a successful pre-check
type Validation struct {
	Code     string
	Type     models.CouponType
	Value    float64
	Subtotal decimal.Decimal
	Discount decimal.Decimal
}

// Normalize trims and upper-cases a code; stored codes are always normalized
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Terms converts a stored coupon into pricing input
func Terms(c *models.Coupon) *pricing.CouponTerms {
	if c == nil {
		return nil
	}
	terms := &pricing.CouponTerms{
		Type:  pricing.DiscountType(c.Type),
		Value: decimal.NewFromFloat(c.Value),
	}
	if c.Type == models.CouponPercentage && c.MaxDiscount != nil {
		maxDiscount := money.FromFloat(*c.MaxDiscount)
		terms.MaxDiscount = &maxDiscount
	}
	return terms
}

// Check applies the eligibility rules in order: exists and active, not
// expired or exhausted, minimum met, not already used by this user.
func (s *Service) Check(ctx context.Context, userID bson.ObjectID, code string, subtotal decimal.Decimal) (*models.Coupon, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return nil, apperr.ErrCouponInvalid
	}

	c, err := s.coupons.FindActiveCouponByCode(ctx, normalized)
	if errors.Is(err, repository.ErrCouponNotFound) {
		return nil, apperr.ErrCouponInvalid
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	if c.IsExpired(s.now()) {
		return nil, apperr.ErrCouponInvalid.WithDetails("coupon has expired")
	}
	if c.LimitReached() {
		return nil, apperr.ErrCouponInvalid.WithDetails("coupon usage limit reached")
	}

	minimum := money.FromFloat(c.MinOrderAmount)
	if subtotal.LessThan(minimum) {
		return nil, apperr.ErrCouponMinimumNotMet.WithDetailsf("minimum order amount is %s", money.String(minimum))
	}

	used, err := s.coupons.HasCouponUsage(ctx, userID, c.ID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if used {
		return nil, apperr.ErrCouponAlreadyUsed
	}

	return c, nil
}

// Validate is the side-effect-free pre-check shown to the client before checkout
func (s *Service) Validate(ctx context.Context, userID bson.ObjectID, code string, subtotal decimal.Decimal) (*Validation, error) {
	subtotal = subtotal.Round(money.Places)
	c, err := s.Check(ctx, userID, code, subtotal)
	if err != nil {
		return nil, err
	}
	return &Validation{
		Code:     c.Code,
		Type:     c.Type,
		Value:    c.Value,
		Subtotal: subtotal,
		Discount: pricing.Discount(subtotal, Terms(c)),
	}, nil
}

// Admin operations

func (s *Service) Create(ctx context.Context, req models.CreateCouponRequest) (*models.Coupon, error) {
	c := &models.Coupon{
		Code:           Normalize(req.Code),
		Type:           req.Type,
		Value:          req.Value,
		MinOrderAmount: req.MinOrderAmount,
		MaxDiscount:    req.MaxDiscount,
		ExpiresAt:      req.ExpiresAt,
		UsageLimit:     req.UsageLimit,
		IsActive:       true,
	}
	if err := s.validateDefinition(c, true); err != nil {
		return nil, err
	}

	if err := s.coupons.CreateCoupon(ctx, c); err != nil {
		if errors.Is(err, repository.ErrDuplicateCouponCode) {
			return nil, apperr.ErrCouponCodeTaken.WithDetailsf("code %s", c.Code)
		}
		return nil, apperr.FromStore(err)
	}

	logging.FromContext(ctx, s.logger).Info("coupon created", "coupon_id", c.ID.Hex(), "code", c.Code)
	return c, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Coupon, error) {
	coupons, err := s.coupons.ListCoupons(ctx)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return coupons, nil
}

func (s *Service) Update(ctx context.Context, id bson.ObjectID, req models.UpdateCouponRequest) (*models.Coupon, error) {
	c, err := s.coupons.FindCouponByID(ctx, id)
	if errors.Is(err, repository.ErrCouponNotFound) {
		return nil, apperr.ErrCouponNotFound
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	if req.Value != nil {
		c.Value = *req.Value
	}
	if req.MinOrderAmount != nil {
		c.MinOrderAmount = *req.MinOrderAmount
	}
	if req.MaxDiscount != nil {
		c.MaxDiscount = req.MaxDiscount
	}
	if req.ExpiresAt != nil {
		c.ExpiresAt = *req.ExpiresAt
	}
	if req.UsageLimit != nil {
		c.UsageLimit = req.UsageLimit
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	if err := s.validateDefinition(c, req.ExpiresAt != nil); err != nil {
		return nil, err
	}

	if err := s.coupons.UpdateCoupon(ctx, c); err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return nil, apperr.ErrCouponNotFound
		}
		return nil, apperr.FromStore(err)
	}
	return c, nil
}

func (s *Service) Delete(ctx context.Context, id bson.ObjectID) error {
	err := s.coupons.DeleteCoupon(ctx, id)
	if errors.Is(err, repository.ErrCouponNotFound) {
		return apperr.ErrCouponNotFound
	}
	if err != nil {
		return apperr.FromStore(err)
	}
	logging.FromContext(ctx, s.logger).Info("coupon deleted", "coupon_id", id.Hex())
	return nil
}

// validateDefinition checks a coupon before it is written. Expiry is only
// checked when it is being set, so expired coupons can still be deactivated.
func (s *Service) validateDefinition(c *models.Coupon, checkExpiry bool) error {
	if c.Code == "" {
		return apperr.ErrValidation.WithDetails("code is required")
	}
	switch c.Type {
	case models.CouponPercentage:
		if c.Value <= 0 || c.Value > 100 {
			return apperr.ErrValidation.WithDetails("percentage value must be between 0 and 100")
		}
	case models.CouponFixed:
		if c.Value <= 0 {
			return apperr.ErrValidation.WithDetails("fixed value must be positive")
		}
		if c.MaxDiscount != nil {
			return apperr.ErrValidation.WithDetails("max_discount only applies to percentage coupons")
		}
	default:
		return apperr.ErrValidation.WithDetailsf("unknown coupon type %q", c.Type)
	}
	if c.MinOrderAmount < 0 {
		return apperr.ErrValidation.WithDetails("min_order_amount cannot be negative")
	}
	if checkExpiry && !c.ExpiresAt.After(s.now()) {
		return apperr.ErrValidation.WithDetails("expires_at must be in the future")
	}
	return nil
}
