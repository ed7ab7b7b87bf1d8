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

func (s *Store) FindActiveCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return s.findCoupon(ctx, bson.D{
		{Key: "code", Value: code},
		{Key: "is_active", Value: true},
	})
}

func (s *Store) FindCouponByID(ctx context.Context, id bson.ObjectID) (*models.Coupon, error) {
	return s.findCoupon(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) findCoupon(ctx context.Context, filter bson.D) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.collection(couponsCollection).FindOne(ctx, filter).Decode(&coupon)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrCouponNotFound
	}
	if err != nil {
		return nil, classify("find coupon", err)
	}
	return &coupon, nil
}

func (s *Store) ListCoupons(ctx context.Context) ([]*models.Coupon, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findAll[models.Coupon](ctx, s.collection(couponsCollection), "list coupons", bson.D{}, opts)
}

func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	if coupon.ID.IsZero() {
		coupon.ID = bson.NewObjectID()
	}
	coupon.SetTimestamps()
	_, err := s.collection(couponsCollection).InsertOne(ctx, coupon)
	if isDuplicateOn(err, idxCouponCodeUnique) {
		return repository.ErrDuplicateCouponCode
	}
	return classify("insert coupon", err)
}

func (s *Store) UpdateCoupon(ctx context.Context, coupon *models.Coupon) error {
	coupon.SetTimestamps()
	res, err := s.collection(couponsCollection).ReplaceOne(ctx, bson.D{{Key: "_id", Value: coupon.ID}}, coupon)
	if isDuplicateOn(err, idxCouponCodeUnique) {
		return repository.ErrDuplicateCouponCode
	}
	if err != nil {
		return classify("update coupon", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrCouponNotFound
	}
	return nil
}

func (s *Store) DeleteCoupon(ctx context.Context, id bson.ObjectID) error {
	res, err := s.collection(couponsCollection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return classify("delete coupon", err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrCouponNotFound
	}
	return nil
}

func (s *Store) HasCouponUsage(ctx context.Context, userID, couponID bson.ObjectID) (bool, error) {
	n, err := s.collection(couponUsagesCollection).CountDocuments(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "coupon_id", Value: couponID}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, classify("count coupon usage", err)
	}
	return n > 0, nil
}

// RedeemCoupon inserts the usage and bumps used_count in one transaction.
// idx_coupon_usage_user_coupon_unique decides concurrent redemptions; the
// loser gets ErrDuplicateCouponUsage and writes nothing.
func (s *Store) RedeemCoupon(ctx context.Context, usage *models.CouponUsage) error {
	if usage.ID.IsZero() {
		usage.ID = bson.NewObjectID()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now()
	}
	return s.inTransaction(ctx, "redeem coupon", func(ctx context.Context) error {
		_, err := s.collection(couponUsagesCollection).InsertOne(ctx, usage)
		if isDuplicateOn(err, idxCouponUsageUnique) {
			return repository.ErrDuplicateCouponUsage
		}
		if err != nil {
			return classify("insert coupon usage", err)
		}

		res, err := s.collection(couponsCollection).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: usage.CouponID}},
			bson.D{
				{Key: "$inc", Value: bson.D{{Key: "used_count", Value: 1}}},
				{Key: "$set", Value: bson.D{{Key: "updated_at", Value: usage.UsedAt}}},
			})
		if err != nil {
			return classify("increment coupon usage", err)
		}
		if res.MatchedCount == 0 {
			return repository.ErrCouponNotFound
		}
		return nil
	})
}
