package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type FailureKind string

const (
	FailureSnapshot      FailureKind = "snapshot"
	FailureOrderCreation FailureKind = "order_creation"
	FailureOversell      FailureKind = "oversell"
	FailureCoupon        FailureKind = "coupon"
)

// SettlementFailure is a durable record for manual reconciliation. Writing it
// is what allows a failed webhook to be acknowledged.
type SettlementFailure struct {
	ID              bson.ObjectID     `json:"id" bson:"_id,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id" bson:"payment_intent_id"`
	EventID         string            `json:"event_id,omitempty" bson:"event_id,omitempty"`
	Kind            FailureKind       `json:"kind" bson:"kind"`
	Reason          string            `json:"reason" bson:"reason"`
	OrderID         *bson.ObjectID    `json:"order_id,omitempty" bson:"order_id,omitempty"`
	ProductID       *bson.ObjectID    `json:"product_id,omitempty" bson:"product_id,omitempty"`
	Amount          int64             `json:"amount" bson:"amount"`
	Currency        string            `json:"currency" bson:"currency"`
	Metadata        map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at" bson:"created_at"`
}
