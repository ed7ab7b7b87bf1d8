package models

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	ProductStatusActive   = "active"
	ProductStatusInactive = "inactive"
)

// Product is the catalog record. Price and Stock are authoritative here and
// nowhere else; Stock is only ever decremented by settlement.
type Product struct {
	ID          bson.ObjectID `json:"id" bson:"_id,omitempty"`
	SKU         string        `json:"sku" bson:"sku" validate:"required,min=3,max=50"`
	Name        string        `json:"name" bson:"name" validate:"required,min=2,max=200"`
	Description string        `json:"description" bson:"description" validate:"max=2000"`
	Category    string        `json:"category" bson:"category" validate:"required,min=2,max=100"`
	Brand       string        `json:"brand" bson:"brand" validate:"max=100"`
	Price       float64       `json:"price" bson:"price" validate:"required,gt=0"`
	Stock       int           `json:"stock" bson:"stock" validate:"gte=0"`
	Images      []string      `json:"images" bson:"images" validate:"dive,url"`
	Tags        []string      `json:"tags" bson:"tags" validate:"dive,min=2,max=50"`
	Status      string        `json:"status" bson:"status" validate:"required,oneof=active inactive"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
}

type CreateProductRequest struct {
	Name        string   `json:"name" binding:"required,min=2,max=200"`
	Description string   `json:"description" binding:"max=2000"`
	Category    string   `json:"category" binding:"required,min=2,max=100"`
	Brand       string   `json:"brand" binding:"max=100"`
	Price       float64  `json:"price" binding:"required,gt=0"`
	Stock       int      `json:"stock" binding:"gte=0"`
	Images      []string `json:"images" binding:"dive,url"`
	Tags        []string `json:"tags" binding:"dive,min=2,max=50"`
}

// AdjustStockRequest is an admin restock or correction; Delta may be negative
type AdjustStockRequest struct {
	Delta  int    `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required,min=5,max=500"`
}

// GenerateSKU builds BRA-CAT-<unix nanos>; the brand falls back to the category
func (req *CreateProductRequest) GenerateSKU() string {
	brand := req.Brand
	if brand == "" {
		brand = req.Category
	}
	brandPrefix := strings.ToUpper(brand[:min(3, len(brand))])
	categoryPrefix := strings.ToUpper(req.Category[:min(3, len(req.Category))])
	return fmt.Sprintf("%s-%s-%d", brandPrefix, categoryPrefix, time.Now().UnixNano())
}

func (req *CreateProductRequest) ToProduct() *Product {
	now := time.Now()
	product := &Product{
		ID:          bson.NewObjectID(),
		SKU:         req.GenerateSKU(),
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Brand:       req.Brand,
		Price:       req.Price,
		Stock:       req.Stock,
		Images:      req.Images,
		Tags:        req.Tags,
		Status:      ProductStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if product.Images == nil {
		product.Images = []string{}
	}
	return product
}

// PrimaryImage is the image carried into order snapshots
func (p *Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

func (p *Product) IsActive() bool {
	return p.Status == ProductStatusActive
}

func (p *Product) IsInStock() bool {
	return p.Stock > 0 && p.IsActive()
}

func (p *Product) SetTimestamps() {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}
