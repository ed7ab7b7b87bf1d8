package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Customer mirrors an identity-provider subject. Credentials live with the
// provider; this record only holds what checkout needs.
type Customer struct {
	ID                bson.ObjectID `bson:"_id,omitempty" json:"id"`
	ExternalID        string        `bson:"external_id" json:"external_id"`
	Email             string        `bson:"email" json:"email"`
	Name              string        `bson:"name" json:"name"`
	PaymentCustomerID string        `bson:"payment_customer_id,omitempty" json:"-"`
	Addresses         []Address     `bson:"addresses" json:"addresses"`
	CreatedAt         time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at" json:"updated_at"`
}

// Address is used for customer address books and order shipping snapshots
type Address struct {
	FullName   string `json:"full_name" bson:"full_name" binding:"required,max=200"`
	Street     string `json:"street" bson:"street" binding:"required,max=300"`
	City       string `json:"city" bson:"city" binding:"required,max=100"`
	State      string `json:"state" bson:"state" binding:"required,max=100"`
	PostalCode string `json:"postal_code" bson:"postal_code" binding:"required,max=20"`
	Country    string `json:"country" bson:"country" binding:"required,max=100"`
	Phone      string `json:"phone" bson:"phone" binding:"max=30"`
	IsDefault  bool   `json:"is_default" bson:"is_default"`
}

func (c *Customer) SetTimestamps() {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

// GetDefaultAddress returns the first address marked as default, or the first address if none is default
func (c *Customer) GetDefaultAddress() *Address {
	for i := range c.Addresses {
		if c.Addresses[i].IsDefault {
			return &c.Addresses[i]
		}
	}
	if len(c.Addresses) > 0 {
		return &c.Addresses[0]
	}
	return nil
}

func (c *Customer) HasPaymentCustomer() bool {
	return c.PaymentCustomerID != ""
}
