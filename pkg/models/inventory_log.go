package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	InventoryChangeSale       = "sale"
	InventoryChangeAdjustment = "adjustment"

	PerformedBySettlement = "system:settlement"
)

// InventoryLog represents a record of inventory changes for audit trail
type InventoryLog struct {
	ID              bson.ObjectID `bson:"_id,omitempty" json:"id"`
	ProductID       bson.ObjectID `bson:"product_id" json:"product_id"`
	SKU             string        `bson:"sku" json:"sku"`
	ChangeType      string        `bson:"change_type" json:"change_type"`
	QuantityBefore  int           `bson:"quantity_before" json:"quantity_before"`
	QuantityAfter   int           `bson:"quantity_after" json:"quantity_after"`
	QuantityChanged int           `bson:"quantity_changed" json:"quantity_changed"` // Can be positive or negative
	Reason          string        `bson:"reason" json:"reason"`
	PerformedBy     string        `bson:"performed_by" json:"performed_by"` // User ID or system name
	Reference       string        `bson:"reference,omitempty" json:"reference,omitempty"`
	CreatedAt       time.Time     `bson:"created_at" json:"created_at"`
}

// NewInventoryLog derives the before quantity from the post-update product
func NewInventoryLog(after *Product, changed int, changeType, reason, performedBy, reference string) *InventoryLog {
	il := &InventoryLog{
		ProductID:      after.ID,
		SKU:            after.SKU,
		ChangeType:     changeType,
		QuantityBefore: after.Stock - changed,
		QuantityAfter:  after.Stock,
		Reason:         reason,
		PerformedBy:    performedBy,
		Reference:      reference,
	}
	il.CalculateQuantityChanged()
	il.SetTimestamp()
	return il
}

// SetTimestamp sets the creation timestamp
func (il *InventoryLog) SetTimestamp() {
	if il.CreatedAt.IsZero() {
		il.CreatedAt = time.Now()
	}
}

// CalculateQuantityChanged calculates the difference between before and after
func (il *InventoryLog) CalculateQuantityChanged() {
	il.QuantityChanged = il.QuantityAfter - il.QuantityBefore
}

// IsSystemGenerated checks if the log was created by an automated process
func (il *InventoryLog) IsSystemGenerated() bool {
	return il.PerformedBy == PerformedBySettlement
}

// GetChangeDescription returns a human-readable description of the change
func (il *InventoryLog) GetChangeDescription() string {
	switch {
	case il.QuantityChanged > 0:
		return fmt.Sprintf("increased by %d units", il.QuantityChanged)
	case il.QuantityChanged < 0:
		return fmt.Sprintf("decreased by %d units", -il.QuantityChanged)
	default:
		return "unchanged"
	}
}
