package mongo

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/models"
)

func (s *Store) FindCart(ctx context.Context, userID bson.ObjectID) (*models.Cart, error) {
	var cart models.Cart
	err := s.collection(cartsCollection).FindOne(ctx, bson.D{{Key: "user_id", Value: userID}}).Decode(&cart)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.NewCart(userID), nil
	}
	if err != nil {
		return nil, classify("find cart", err)
	}
	if cart.Items == nil {
		cart.Items = []models.CartItem{}
	}
	return &cart, nil
}

// SaveCart replaces the user's cart document, creating it on first write
func (s *Store) SaveCart(ctx context.Context, cart *models.Cart) error {
	cart.SetTimestamps()
	_, err := s.collection(cartsCollection).ReplaceOne(ctx,
		bson.D{{Key: "user_id", Value: cart.UserID}},
		cart,
		options.Replace().SetUpsert(true))
	return classify("save cart", err)
}
