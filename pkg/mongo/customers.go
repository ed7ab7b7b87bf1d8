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

func (s *Store) FindCustomerByID(ctx context.Context, id bson.ObjectID) (*models.Customer, error) {
	var customer models.Customer
	err := s.collection(customersCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&customer)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrCustomerNotFound
	}
	if err != nil {
		return nil, classify("find customer", err)
	}
	return &customer, nil
}

// UpsertCustomer keeps email and name in sync with the identity provider
func (s *Store) UpsertCustomer(ctx context.Context, externalID, email, name string) (*models.Customer, error) {
	now := time.Now()
	filter := bson.D{{Key: "external_id", Value: externalID}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "email", Value: email},
			{Key: "name", Value: name},
			{Key: "updated_at", Value: now},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "addresses", Value: []models.Address{}},
			{Key: "created_at", Value: now},
		}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var customer models.Customer
	err := s.collection(customersCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&customer)
	if isDuplicateOn(err, idxCustomerExternalID) {
		// Lost a concurrent first-login upsert; the winner's document is there now
		err = s.collection(customersCollection).FindOne(ctx, filter).Decode(&customer)
	}
	if err != nil {
		return nil, classify("upsert customer", err)
	}
	return &customer, nil
}

func (s *Store) SetPaymentCustomerID(ctx context.Context, id bson.ObjectID, paymentCustomerID string) (*models.Customer, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "payment_customer_id", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "payment_customer_id", Value: ""}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "payment_customer_id", Value: paymentCustomerID},
		{Key: "updated_at", Value: time.Now()},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var customer models.Customer
	err := s.collection(customersCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&customer)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Already set by a concurrent checkout, or the customer is gone
		return s.FindCustomerByID(ctx, id)
	}
	if err != nil {
		return nil, classify("set payment customer", err)
	}
	return &customer, nil
}
