package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
)

// orderStatusRank orders the lifecycle; status may only increase
var orderStatusRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderShipped:   1,
	OrderDelivered: 2,
}

func (s OrderStatus) Valid() bool {
	_, ok := orderStatusRank[s]
	return ok
}

// CanTransition allows forward moves only, including pending -> delivered
func CanTransition(from, to OrderStatus) bool {
	f, okFrom := orderStatusRank[from]
	t, okTo := orderStatusRank[to]
	return okFrom && okTo && t > f
}

// Predecessors lists every status that may move to `to`
func Predecessors(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, s := range []OrderStatus{OrderPending, OrderShipped, OrderDelivered} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// StockState tracks the settlement decrement of a single order line
type StockState string

const (
	StockPending   StockState = "pending"
	StockApplied   StockState = "applied"
	StockShortfall StockState = "shortfall"
)

// SettlementStage is the last settlement step durably completed for an order
type SettlementStage string

const (
	StageOrderCreated    SettlementStage = "order_created"
	StageStockAdjusted   SettlementStage = "stock_adjusted"
	StageCouponCommitted SettlementStage = "coupon_committed"
	StageCompleted       SettlementStage = "completed"
)

// OrderItem is the price snapshot taken at checkout, not a catalog reference
type OrderItem struct {
	ProductID  bson.ObjectID `json:"product_id" bson:"product_id"`
	Name       string        `json:"name" bson:"name"`
	Price      float64       `json:"price" bson:"price"`
	Quantity   int           `json:"quantity" bson:"quantity"`
	Image      string        `json:"image,omitempty" bson:"image,omitempty"`
	StockState StockState    `json:"-" bson:"stock_state"`
}

type OrderTotals struct {
	Subtotal float64 `json:"subtotal" bson:"subtotal"`
	Shipping float64 `json:"shipping" bson:"shipping"`
	Discount float64 `json:"discount" bson:"discount"`
	Total    float64 `json:"total" bson:"total"`
}

// PaymentResult.ID is the processor payment intent id and is unique per order
type PaymentResult struct {
	ID       string `json:"id" bson:"id"`
	Status   string `json:"status" bson:"status"`
	Amount   int64  `json:"amount" bson:"amount"`
	Currency string `json:"currency" bson:"currency"`
}

type Settlement struct {
	Stage       SettlementStage `json:"stage" bson:"stage"`
	LeaseUntil  time.Time       `json:"-" bson:"lease_until"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Timeline tracks the lifecycle of an order
type Timeline struct {
	PaidAt      time.Time  `json:"paid_at" bson:"paid_at"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty" bson:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
}

// Order is written only by settlement and never deleted
type Order struct {
	ID              bson.ObjectID `json:"id" bson:"_id,omitempty"`
	OrderNumber     string        `json:"order_number" bson:"order_number"`
	UserID          bson.ObjectID `json:"user_id" bson:"user_id"`
	Items           []OrderItem   `json:"items" bson:"items"`
	ShippingAddress Address       `json:"shipping_address" bson:"shipping_address"`
	PaymentResult   PaymentResult `json:"payment_result" bson:"payment_result"`
	CouponCode      string        `json:"coupon_code,omitempty" bson:"coupon_code,omitempty"`
	Totals          OrderTotals   `json:"totals" bson:"totals"`
	Status          OrderStatus   `json:"status" bson:"status"`
	Settlement      Settlement    `json:"settlement" bson:"settlement"`
	Timeline        Timeline      `json:"timeline" bson:"timeline"`
	CreatedAt       time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" bson:"updated_at"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required,oneof=pending shipped delivered"`
}

// SetTimestamps sets created_at and updated_at timestamps
func (o *Order) SetTimestamps() {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
}

// ApplyStatus moves the order forward and stamps the timeline
func (o *Order) ApplyStatus(status OrderStatus, at time.Time) bool {
	if !CanTransition(o.Status, status) {
		return false
	}
	if status == OrderShipped || status == OrderDelivered {
		if o.Timeline.ShippedAt == nil {
			o.Timeline.ShippedAt = &at
		}
	}
	if status == OrderDelivered && o.Timeline.DeliveredAt == nil {
		o.Timeline.DeliveredAt = &at
	}
	o.Status = status
	o.UpdatedAt = at
	return true
}

// IsSettled reports whether every settlement step has finished
func (o *Order) IsSettled() bool {
	return o.Settlement.Stage == StageCompleted
}

// GetItemCount returns the total number of items in the order
func (o *Order) GetItemCount() int {
	var count int
	for _, item := range o.Items {
		count += item.Quantity
	}
	return count
}

// GenerateOrderNumber returns ORD-<ulid>, sortable by creation time
func GenerateOrderNumber(now time.Time) string {
	return "ORD-" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
