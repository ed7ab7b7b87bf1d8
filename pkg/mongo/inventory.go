package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/models"
)

func (s *Store) CreateInventoryLog(ctx context.Context, log *models.InventoryLog) error {
	if log.ID.IsZero() {
		log.ID = bson.NewObjectID()
	}
	log.SetTimestamp()
	_, err := s.collection(inventoryLogsCollection).InsertOne(ctx, log)
	return classify("insert inventory log", err)
}

func (s *Store) RecordSettlementFailure(ctx context.Context, failure *models.SettlementFailure) error {
	if failure.ID.IsZero() {
		failure.ID = bson.NewObjectID()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now()
	}
	_, err := s.collection(settlementFailuresCollection).InsertOne(ctx, failure)
	return classify("insert settlement failure", err)
}

func (s *Store) ListSettlementFailures(ctx context.Context, limit int64) ([]*models.SettlementFailure, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return findAll[models.SettlementFailure](ctx, s.collection(settlementFailuresCollection),
		"list settlement failures", bson.D{}, opts)
}
