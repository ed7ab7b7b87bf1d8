package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

func (s *Store) FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	var product models.Product
	err := s.collection(productsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&product)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrProductNotFound
	}
	if err != nil {
		return nil, classify("find product", err)
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context, filter repository.ProductFilter) ([]*models.Product, error) {
	query := bson.D{{Key: "status", Value: models.ProductStatusActive}}
	if filter.Category != "" {
		query = append(query, bson.E{Key: "category", Value: filter.Category})
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	return findAll[models.Product](ctx, s.collection(productsCollection), "list products", query, opts)
}

func (s *Store) CreateProducts(ctx context.Context, products []*models.Product) error {
	if len(products) == 0 {
		return nil
	}
	docs := make([]any, 0, len(products))
	for _, p := range products {
		if p.ID.IsZero() {
			p.ID = bson.NewObjectID()
		}
		p.SetTimestamps()
		docs = append(docs, p)
	}
	_, err := s.collection(productsCollection).InsertMany(ctx, docs)
	return classify("insert products", err)
}

// AdjustStock applies delta to stock. A negative delta carries a $gte guard
// so the check and the decrement are a single atomic operation.
func (s *Store) AdjustStock(ctx context.Context, id bson.ObjectID, delta int) (*models.Product, error) {
	filter := bson.D{{Key: "_id", Value: id}}
	if delta < 0 {
		filter = append(filter, bson.E{Key: "stock", Value: bson.D{{Key: "$gte", Value: -delta}}})
	}
	return s.incStock(ctx, "adjust stock", id, filter, delta)
}

func (s *Store) incStock(ctx context.Context, op string, id bson.ObjectID, filter bson.D, delta int) (*models.Product, error) {
	coll := s.collection(productsCollection)
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "stock", Value: delta}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now()}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var product models.Product
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&product)
	if err == nil {
		return &product, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, classify(op, err)
	}

	// Nothing matched: either the product is gone or the guard failed
	n, err := coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, classify(op, err)
	}
	if n == 0 {
		return nil, repository.ErrProductNotFound
	}
	return nil, repository.ErrInsufficientStock
}
