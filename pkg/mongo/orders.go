package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

func (s *Store) FindOrderByID(ctx context.Context, id bson.ObjectID) (*models.Order, error) {
	return s.findOrder(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) FindOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	return s.findOrder(ctx, bson.D{{Key: "payment_result.id", Value: paymentIntentID}})
}

func (s *Store) findOrder(ctx context.Context, filter bson.D) (*models.Order, error) {
	var order models.Order
	err := s.collection(ordersCollection).FindOne(ctx, filter).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrOrderNotFound
	}
	if err != nil {
		return nil, classify("find order", err)
	}
	return &order, nil
}

// CreateOrder relies on idx_order_payment_intent_unique for idempotency
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID.IsZero() {
		order.ID = bson.NewObjectID()
	}
	order.SetTimestamps()
	_, err := s.collection(ordersCollection).InsertOne(ctx, order)
	if isDuplicateOn(err, idxOrderPaymentUnique) {
		return repository.ErrDuplicateOrder
	}
	return classify("insert order", err)
}

func (s *Store) AcquireSettlementLease(ctx context.Context, id bson.ObjectID, now, until time.Time) error {
	res, err := s.collection(ordersCollection).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "settlement.stage", Value: bson.D{{Key: "$ne", Value: models.StageCompleted}}},
			{Key: "settlement.lease_until", Value: bson.D{{Key: "$lt", Value: now}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "settlement.lease_until", Value: until}}}})
	if err != nil {
		return classify("acquire settlement lease", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrSettlementLeaseHeld
	}
	return nil
}

func (s *Store) MarkItemStock(ctx context.Context, id bson.ObjectID, index int, state models.StockState) error {
	return s.settleLine(ctx, "mark item stock", id, index, state)
}

// ApplyLineStock moves a pending line to applied, takes its quantity from
// stock and logs the sale, all in one transaction.
func (s *Store) ApplyLineStock(ctx context.Context, line repository.LineStock) (*models.Product, error) {
	if line.Quantity < 1 {
		return nil, errors.Errorf("apply line stock: quantity %d must be positive", line.Quantity)
	}
	var updated *models.Product
	err := s.inTransaction(ctx, "apply line stock", func(ctx context.Context) error {
		if err := s.settleLine(ctx, "apply line stock", line.OrderID, line.Index, models.StockApplied); err != nil {
			return err
		}
		product, err := s.AdjustStock(ctx, line.ProductID, -line.Quantity)
		if err != nil {
			return err
		}
		entry := models.NewInventoryLog(product, -line.Quantity, models.InventoryChangeSale,
			line.Reason, line.PerformedBy, line.Reference)
		if err := s.CreateInventoryLog(ctx, entry); err != nil {
			return err
		}
		updated = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// settleLine sets the stock state of a line only while it is still pending
func (s *Store) settleLine(ctx context.Context, op string, id bson.ObjectID, index int, state models.StockState) error {
	field := fmt.Sprintf("items.%d.stock_state", index)
	coll := s.collection(ordersCollection)
	res, err := coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: field, Value: models.StockPending},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: field, Value: state},
			{Key: "updated_at", Value: time.Now()},
		}}})
	if err != nil {
		return classify(op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := coll.CountDocuments(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: fmt.Sprintf("items.%d", index), Value: bson.D{{Key: "$exists", Value: true}}},
	})
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return repository.ErrOrderNotFound
	}
	return repository.ErrLineSettled
}

// UpdateSettlementStage releases the lease once the order is completed
func (s *Store) UpdateSettlementStage(ctx context.Context, id bson.ObjectID, stage models.SettlementStage, at time.Time) error {
	set := bson.D{
		{Key: "settlement.stage", Value: stage},
		{Key: "updated_at", Value: at},
	}
	if stage == models.StageCompleted {
		set = append(set,
			bson.E{Key: "settlement.completed_at", Value: at},
			bson.E{Key: "settlement.lease_until", Value: time.Time{}},
		)
	}
	res, err := s.collection(ordersCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return classify("update settlement stage", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrOrderNotFound
	}
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id bson.ObjectID, from []models.OrderStatus, order *models.Order) error {
	res, err := s.collection(ordersCollection).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: bson.D{{Key: "$in", Value: from}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: order.Status},
			{Key: "timeline", Value: order.Timeline},
			{Key: "updated_at", Value: order.UpdatedAt},
		}}})
	if err != nil {
		return classify("update order status", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.FindOrderByID(ctx, id); err != nil {
			return err
		}
		return repository.ErrStatusConflict
	}
	return nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID bson.ObjectID) ([]*models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findAll[models.Order](ctx, s.collection(ordersCollection), "list user orders",
		bson.D{{Key: "user_id", Value: userID}}, opts)
}

func (s *Store) ListOrders(ctx context.Context, limit int64) ([]*models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return findAll[models.Order](ctx, s.collection(ordersCollection), "list orders", bson.D{}, opts)
}
