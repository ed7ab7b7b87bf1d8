package mongo

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

const (
	productsCollection           = "products"
	customersCollection          = "customers"
	cartsCollection              = "carts"
	couponsCollection            = "coupons"
	couponUsagesCollection       = "coupon_usages"
	ordersCollection             = "orders"
	inventoryLogsCollection      = "inventory_logs"
	settlementFailuresCollection = "settlement_failures"
)

// Store implements every repository interface on one database handle
type Store struct {
	db *mongo.Database
}

var (
	_ repository.ProductRepository           = (*Store)(nil)
	_ repository.CouponRepository            = (*Store)(nil)
	_ repository.OrderRepository             = (*Store)(nil)
	_ repository.CartRepository              = (*Store)(nil)
	_ repository.CustomerRepository          = (*Store)(nil)
	_ repository.InventoryLogRepository      = (*Store)(nil)
	_ repository.SettlementFailureRepository = (*Store)(nil)
)

func NewStore(db *mongo.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Database() *mongo.Database {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.Client().Ping(ctx, nil))
}

func (s *Store) collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// classify separates retryable driver failures from everything else
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return &repository.UnavailableError{Op: op, Err: err}
	}
	return errors.Wrap(err, op)
}

// inTransaction runs fn in a multi-document transaction; the driver retries
// it on transient transaction errors. Requires a replica set. Errors from fn
// come back as fn returned them.
func (s *Store) inTransaction(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return classify(op, err)
	}
	defer session.EndSession(ctx)

	var fnErr error
	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		fnErr = fn(ctx)
		return nil, fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return classify(op, err)
}

// isDuplicateOn reports an E11000 raised by the named index
func isDuplicateOn(err error, indexName string) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), indexName)
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, op string, filter any, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer cursor.Close(ctx)

	items := []*T{}
	if err := cursor.All(ctx, &items); err != nil {
		return nil, classify(op, err)
	}
	return items, nil
}
