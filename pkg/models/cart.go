package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Cart is stored one document per user. Quantities were bounded by stock when
// they were written; checkout validates them again.
type Cart struct {
	ID        bson.ObjectID `json:"id" bson:"_id,omitempty"`
	UserID    bson.ObjectID `json:"user_id" bson:"user_id"`
	Items     []CartItem    `json:"items" bson:"items"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

type CartItem struct {
	ProductID bson.ObjectID `json:"product_id" bson:"product_id"`
	Quantity  int           `json:"quantity" bson:"quantity"`
	AddedAt   time.Time     `json:"added_at" bson:"added_at"`
}

// CartView is the cart as shown to the client, joined with live catalog data
type CartView struct {
	UserID    bson.ObjectID `json:"user_id"`
	Items     []CartLine    `json:"items"`
	Subtotal  float64       `json:"subtotal"`
	ItemCount int           `json:"item_count"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type CartLine struct {
	ProductID bson.ObjectID `json:"product_id"`
	Name      string        `json:"name"`
	Price     float64       `json:"price"`
	Image     string        `json:"image,omitempty"`
	Stock     int           `json:"stock"`
	Quantity  int           `json:"quantity"`
	Subtotal  float64       `json:"subtotal"`
	Available bool          `json:"available"`
}

type AddToCartRequest struct {
	ProductID string `json:"product_id" binding:"required,objectid"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

func NewCart(userID bson.ObjectID) *Cart {
	now := time.Now()
	return &Cart{
		UserID:    userID,
		Items:     []CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FindItem returns the index of productID, or -1
func (c *Cart) FindItem(productID bson.ObjectID) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) RemoveItem(productID bson.ObjectID) bool {
	idx := c.FindItem(productID)
	if idx < 0 {
		return false
	}
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	return true
}

func (c *Cart) SetTimestamps() {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
