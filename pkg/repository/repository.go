// Package repository declares the storage contracts shared by the Mongo store
// and the in-memory store used in tests.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/models"
)

var (
	ErrProductNotFound      = errors.New("product not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrCouponNotFound       = errors.New("coupon not found")
	ErrDuplicateCouponCode  = errors.New("coupon code already exists")
	ErrDuplicateCouponUsage = errors.New("coupon already redeemed by user")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("order already exists for payment intent")
	ErrStatusConflict       = errors.New("order status does not allow this transition")
	ErrSettlementLeaseHeld  = errors.New("settlement lease held by another delivery")
	ErrLineSettled          = errors.New("order line stock already settled")
	ErrCustomerNotFound     = errors.New("customer not found")
)

// UnavailableError marks a failure the caller should retry: timeouts,
// network errors, server selection failures.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return e.Op + ": store unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type ProductFilter struct {
	Category string
	Limit    int64
}

type ProductRepository interface {
	FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]*models.Product, error)
	CreateProducts(ctx context.Context, products []*models.Product) error
	// AdjustStock applies stock += delta only when the result stays >= 0.
	AdjustStock(ctx context.Context, id bson.ObjectID, delta int) (*models.Product, error)
}

type CouponRepository interface {
	FindActiveCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	FindCouponByID(ctx context.Context, id bson.ObjectID) (*models.Coupon, error)
	ListCoupons(ctx context.Context) ([]*models.Coupon, error)
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
	UpdateCoupon(ctx context.Context, coupon *models.Coupon) error
	DeleteCoupon(ctx context.Context, id bson.ObjectID) error
	HasCouponUsage(ctx context.Context, userID, couponID bson.ObjectID) (bool, error)
	// RedeemCoupon inserts the usage and increments the coupon's used_count
	// as one write. ErrDuplicateCouponUsage when the (user, coupon) pair
	// exists; nothing is written then.
	RedeemCoupon(ctx context.Context, usage *models.CouponUsage) error
}

// LineStock is one paid order line to take out of stock
type LineStock struct {
	OrderID   bson.ObjectID
	Index     int
	ProductID bson.ObjectID
	Quantity  int
	// Reference, Reason and PerformedBy go on the sale's inventory log
	Reference   string
	Reason      string
	PerformedBy string
}

type OrderRepository interface {
	FindOrderByID(ctx context.Context, id bson.ObjectID) (*models.Order, error)
	FindOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, error)
	// CreateOrder returns ErrDuplicateOrder when the payment intent already has an order.
	CreateOrder(ctx context.Context, order *models.Order) error
	// AcquireSettlementLease succeeds only for an unsettled order whose lease has expired.
	AcquireSettlementLease(ctx context.Context, id bson.ObjectID, now, until time.Time) error
	// ApplyLineStock moves a pending line to applied, decrements the product
	// by the line quantity and writes the sale inventory log, all or nothing.
	// ErrLineSettled when the line is no longer pending; ErrInsufficientStock
	// or ErrProductNotFound leave the line pending and the stock untouched.
	ApplyLineStock(ctx context.Context, line LineStock) (*models.Product, error)
	// MarkItemStock sets the state of a line that is still pending
	MarkItemStock(ctx context.Context, id bson.ObjectID, index int, state models.StockState) error
	UpdateSettlementStage(ctx context.Context, id bson.ObjectID, stage models.SettlementStage, at time.Time) error
	// UpdateOrderStatus applies the change only if the current status is in from.
	UpdateOrderStatus(ctx context.Context, id bson.ObjectID, from []models.OrderStatus, order *models.Order) error
	ListOrdersByUser(ctx context.Context, userID bson.ObjectID) ([]*models.Order, error)
	ListOrders(ctx context.Context, limit int64) ([]*models.Order, error)
}

type CartRepository interface {
	// FindCart returns an empty cart when the user has none.
	FindCart(ctx context.Context, userID bson.ObjectID) (*models.Cart, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
}

type CustomerRepository interface {
	FindCustomerByID(ctx context.Context, id bson.ObjectID) (*models.Customer, error)
	UpsertCustomer(ctx context.Context, externalID, email, name string) (*models.Customer, error)
	// SetPaymentCustomerID only writes when no reference is stored yet and
	// returns the record as it is after the call.
	SetPaymentCustomerID(ctx context.Context, id bson.ObjectID, paymentCustomerID string) (*models.Customer, error)
}

type InventoryLogRepository interface {
	CreateInventoryLog(ctx context.Context, log *models.InventoryLog) error
}

type SettlementFailureRepository interface {
	RecordSettlementFailure(ctx context.Context, failure *models.SettlementFailure) error
	ListSettlementFailures(ctx context.Context, limit int64) ([]*models.SettlementFailure, error)
}
