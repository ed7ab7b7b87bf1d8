package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

// Coupon codes are stored upper-cased and are unique across the collection.
type Coupon struct {
	ID             bson.ObjectID `json:"id" bson:"_id,omitempty"`
	Code           string        `json:"code" bson:"code"`
	Type           CouponType    `json:"type" bson:"type"`
	Value          float64       `json:"value" bson:"value"`
	MinOrderAmount float64       `json:"min_order_amount" bson:"min_order_amount"`
	MaxDiscount    *float64      `json:"max_discount,omitempty" bson:"max_discount,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at" bson:"expires_at"`
	UsageLimit     *int          `json:"usage_limit,omitempty" bson:"usage_limit,omitempty"`
	UsedCount      int           `json:"used_count" bson:"used_count"`
	IsActive       bool          `json:"is_active" bson:"is_active"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" bson:"updated_at"`
}

// CouponUsage is the redemption record. The (user_id, coupon_id) pair is
// unique in storage and its existence is what "already used" means.
type CouponUsage struct {
	ID              bson.ObjectID `json:"id" bson:"_id,omitempty"`
	UserID          bson.ObjectID `json:"user_id" bson:"user_id"`
	CouponID        bson.ObjectID `json:"coupon_id" bson:"coupon_id"`
	OrderID         bson.ObjectID `json:"order_id" bson:"order_id"`
	PaymentIntentID string        `json:"payment_intent_id" bson:"payment_intent_id"`
	UsedAt          time.Time     `json:"used_at" bson:"used_at"`
}

type CreateCouponRequest struct {
	Code           string     `json:"code" binding:"required,couponcode"`
	Type           CouponType `json:"type" binding:"required,oneof=percentage fixed"`
	Value          float64    `json:"value" binding:"required,gt=0"`
	MinOrderAmount float64    `json:"min_order_amount" binding:"gte=0"`
	MaxDiscount    *float64   `json:"max_discount" binding:"omitempty,gt=0"`
	ExpiresAt      time.Time  `json:"expires_at" binding:"required"`
	UsageLimit     *int       `json:"usage_limit" binding:"omitempty,gte=1"`
}

type UpdateCouponRequest struct {
	Value          *float64   `json:"value" binding:"omitempty,gt=0"`
	MinOrderAmount *float64   `json:"min_order_amount" binding:"omitempty,gte=0"`
	MaxDiscount    *float64   `json:"max_discount" binding:"omitempty,gt=0"`
	ExpiresAt      *time.Time `json:"expires_at"`
	UsageLimit     *int       `json:"usage_limit" binding:"omitempty,gte=1"`
	IsActive       *bool      `json:"is_active"`
}

type ValidateCouponRequest struct {
	Code     string  `json:"code" binding:"required"`
	Subtotal float64 `json:"subtotal" binding:"gte=0"`
}

func (c *Coupon) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

func (c *Coupon) LimitReached() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

func (c *Coupon) SetTimestamps() {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
