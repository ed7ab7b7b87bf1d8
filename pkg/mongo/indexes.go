package mongo

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	idxCouponCodeUnique   = "idx_coupon_code_unique"
	idxCouponUsageUnique  = "idx_coupon_usage_user_coupon_unique"
	idxOrderPaymentUnique = "idx_order_payment_intent_unique"
	idxCustomerExternalID = "idx_customer_external_id_unique"
	idxCartUserUnique     = "idx_cart_user_unique"
	idxOrderNumberUnique  = "idx_order_number_unique"
)

type IndexConfig struct {
	CollectionName string
	IndexModel     mongo.IndexModel
}

var requiredIndexes = []IndexConfig{
	// Customers: one record per identity-provider subject
	{
		CollectionName: customersCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxCustomerExternalID),
		},
	},

	// Products
	{
		CollectionName: productsCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "category", Value: 1}},
			Options: options.Index().SetName("idx_category"),
		},
	},
	{
		CollectionName: productsCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "price", Value: -1},
			},
			Options: options.Index().SetName("idx_status_price"),
		},
	},
	// Low-stock lookups
	{
		CollectionName: productsCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "stock", Value: 1},
			},
			Options: options.Index().SetName("idx_stock_alert"),
		},
	},
	{
		CollectionName: productsCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "sku", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_sku_unique"),
		},
	},

	// Carts: one per user
	{
		CollectionName: cartsCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxCartUserUnique),
		},
	},

	// Coupons
	{
		CollectionName: couponsCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxCouponCodeUnique),
		},
	},
	// The redemption guard: at most one usage per (user, coupon)
	{
		CollectionName: couponUsagesCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "coupon_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName(idxCouponUsageUnique),
		},
	},

	// Orders
	// At most one order per payment intent
	{
		CollectionName: ordersCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "payment_result.id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxOrderPaymentUnique),
		},
	},
	{
		CollectionName: ordersCollection,
		IndexModel: mongo.IndexModel{
			Keys:    bson.D{{Key: "order_number", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxOrderNumberUnique),
		},
	},
	{
		CollectionName: ordersCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_user_orders"),
		},
	},

	// Inventory logs: per-product history
	{
		CollectionName: inventoryLogsCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "product_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_product_history"),
		},
	},

	// Settlement failures: reconciliation queue
	{
		CollectionName: settlementFailuresCollection,
		IndexModel: mongo.IndexModel{
			Keys: bson.D{
				{Key: "payment_intent_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_failure_intent"),
		},
	},
}

// EnsureIndexes creates every required index; existing identical indexes are a no-op
func EnsureIndexes(ctx context.Context, db *mongo.Database, logger *slog.Logger) error {
	logger.Info("ensuring indexes", "count", len(requiredIndexes))

	for _, idxConfig := range requiredIndexes {
		collection := db.Collection(idxConfig.CollectionName)

		indexName, err := collection.Indexes().CreateOne(ctx, idxConfig.IndexModel)
		if err != nil {
			return errors.Wrapf(err, "create index on collection %s", idxConfig.CollectionName)
		}

		logger.Debug("index ready", "index", indexName, "collection", idxConfig.CollectionName)
	}

	return nil
}
