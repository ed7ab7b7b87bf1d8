package mongo

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

var testClient *mongodriver.Client

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	// Settlement writes use transactions, which need a replica set
	container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	if err != nil {
		log.Printf("start mongodb container: %v", err)
		os.Exit(1)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		log.Printf("mongodb connection string: %v", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri).SetDirect(true).SetTimeout(10 * time.Second))
	if err != nil {
		log.Printf("connect mongodb: %v", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	code := m.Run()

	_ = testClient.Disconnect(ctx)
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs Docker")
	}

	ctx := context.Background()
	db := testClient.Database("storefront_" + bson.NewObjectID().Hex())
	require.NoError(t, EnsureIndexes(ctx, db, logging.Discard()))
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return NewStore(db)
}

func seedProduct(t *testing.T, s *Store, stock int) *models.Product {
	t.Helper()
	req := &models.CreateProductRequest{Name: "Widget", Category: "tools", Brand: "acme", Price: 20, Stock: stock}
	p := req.ToProduct()
	require.NoError(t, s.CreateProducts(context.Background(), []*models.Product{p}))
	return p
}

func TestStore_AdjustStockGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 3)

	updated, err := s.AdjustStock(ctx, p.ID, -2)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stock)

	_, err = s.AdjustStock(ctx, p.ID, -2)
	assert.ErrorIs(t, err, repository.ErrInsufficientStock)

	got, err := s.FindProductByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock, "failed decrement must not change stock")

	_, err = s.AdjustStock(ctx, bson.NewObjectID(), -1)
	assert.ErrorIs(t, err, repository.ErrProductNotFound)
}

func TestStore_ConcurrentDecrementNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustStock(ctx, p.ID, -1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := s.FindProductByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, got.Stock)
}

func seedPendingOrder(t *testing.T, s *Store, p *models.Product, qty int) *models.Order {
	t.Helper()
	now := time.Now()
	order := &models.Order{
		OrderNumber:   models.GenerateOrderNumber(now),
		UserID:        bson.NewObjectID(),
		Items:         []models.OrderItem{{ProductID: p.ID, Name: p.Name, Price: p.Price, Quantity: qty, StockState: models.StockPending}},
		PaymentResult: models.PaymentResult{ID: "pi_" + bson.NewObjectID().Hex(), Status: "succeeded"},
		Status:        models.OrderPending,
		Settlement:    models.Settlement{Stage: models.StageOrderCreated, LeaseUntil: now.Add(time.Minute)},
	}
	require.NoError(t, s.CreateOrder(context.Background(), order))
	return order
}

func TestStore_ApplyLineStockAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5)
	order := seedPendingOrder(t, s, p, 2)
	line := repository.LineStock{
		OrderID: order.ID, Index: 0, ProductID: p.ID, Quantity: 2,
		Reference: order.OrderNumber, Reason: "paid order", PerformedBy: models.PerformedBySettlement,
	}

	const workers = 6
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyLineStock(ctx, line)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	applied := 0
	for err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrLineSettled)
	}
	assert.Equal(t, 1, applied)

	got, err := s.FindProductByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stock)

	logs, err := s.collection(inventoryLogsCollection).CountDocuments(ctx, bson.D{{Key: "product_id", Value: p.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), logs)

	stored, err := s.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockApplied, stored.Items[0].StockState)
}

func TestStore_ApplyLineStockShortRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 1)
	order := seedPendingOrder(t, s, p, 2)

	_, err := s.ApplyLineStock(ctx, repository.LineStock{OrderID: order.ID, Index: 0, ProductID: p.ID, Quantity: 2})
	assert.ErrorIs(t, err, repository.ErrInsufficientStock)

	stored, err := s.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockPending, stored.Items[0].StockState, "line state rolls back with the decrement")

	require.NoError(t, s.MarkItemStock(ctx, order.ID, 0, models.StockShortfall))
	assert.ErrorIs(t, s.MarkItemStock(ctx, order.ID, 0, models.StockApplied), repository.ErrLineSettled)
	assert.ErrorIs(t, s.MarkItemStock(ctx, bson.NewObjectID(), 0, models.StockApplied), repository.ErrOrderNotFound)
}

func TestStore_CouponUsageUniqueUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &models.Coupon{Code: "RACE", Type: models.CouponFixed, Value: 5, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateCoupon(ctx, c))
	userID := bson.NewObjectID()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RedeemCoupon(ctx, &models.CouponUsage{UserID: userID, CouponID: c.ID})
		}()
	}
	wg.Wait()
	close(errs)

	created, duplicates := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case assert.ErrorIs(t, err, repository.ErrDuplicateCouponUsage):
			duplicates++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, duplicates)

	used, err := s.HasCouponUsage(ctx, userID, c.ID)
	require.NoError(t, err)
	assert.True(t, used)

	got, err := s.FindCouponByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount, "used_count commits with the usage")
}

func TestStore_RedeemMissingCouponWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID, couponID := bson.NewObjectID(), bson.NewObjectID()

	err := s.RedeemCoupon(ctx, &models.CouponUsage{UserID: userID, CouponID: couponID})
	assert.ErrorIs(t, err, repository.ErrCouponNotFound)

	used, err := s.HasCouponUsage(ctx, userID, couponID)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestStore_CouponCodeUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &models.Coupon{Code: "SAVE10", Type: models.CouponPercentage, Value: 10, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateCoupon(ctx, c))

	err := s.CreateCoupon(ctx, &models.Coupon{Code: "SAVE10", Type: models.CouponFixed, Value: 5, IsActive: true})
	assert.ErrorIs(t, err, repository.ErrDuplicateCouponCode)

	require.NoError(t, s.RedeemCoupon(ctx, &models.CouponUsage{UserID: bson.NewObjectID(), CouponID: c.ID}))
	got, err := s.FindActiveCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
}

func TestStore_OrderIdempotencyAndLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	order := &models.Order{
		OrderNumber:   models.GenerateOrderNumber(now),
		UserID:        bson.NewObjectID(),
		Items:         []models.OrderItem{{ProductID: bson.NewObjectID(), Name: "Widget", Price: 20, Quantity: 2, StockState: models.StockPending}},
		PaymentResult: models.PaymentResult{ID: "pi_123", Status: "succeeded"},
		Status:        models.OrderPending,
		Settlement:    models.Settlement{Stage: models.StageOrderCreated, LeaseUntil: now.Add(time.Minute)},
	}
	require.NoError(t, s.CreateOrder(ctx, order))

	dup := *order
	dup.ID = bson.ObjectID{}
	dup.OrderNumber = models.GenerateOrderNumber(now)
	assert.ErrorIs(t, s.CreateOrder(ctx, &dup), repository.ErrDuplicateOrder)

	// Lease still held
	assert.ErrorIs(t, s.AcquireSettlementLease(ctx, order.ID, now, now.Add(time.Minute)), repository.ErrSettlementLeaseHeld)
	// Expired lease can be taken over
	later := now.Add(2 * time.Minute)
	require.NoError(t, s.AcquireSettlementLease(ctx, order.ID, later, later.Add(time.Minute)))

	require.NoError(t, s.MarkItemStock(ctx, order.ID, 0, models.StockApplied))
	require.NoError(t, s.UpdateSettlementStage(ctx, order.ID, models.StageCompleted, later))

	got, err := s.FindOrderByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.StockApplied, got.Items[0].StockState)
	assert.True(t, got.IsSettled())
	require.NotNil(t, got.Settlement.CompletedAt)

	// Completed orders never hand out a lease
	much := later.Add(time.Hour)
	assert.ErrorIs(t, s.AcquireSettlementLease(ctx, order.ID, much, much.Add(time.Minute)), repository.ErrSettlementLeaseHeld)
}

func TestStore_UpdateOrderStatusConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := &models.Order{
		OrderNumber:   models.GenerateOrderNumber(time.Now()),
		PaymentResult: models.PaymentResult{ID: "pi_status"},
		Status:        models.OrderPending,
	}
	require.NoError(t, s.CreateOrder(ctx, order))

	shipped := *order
	require.True(t, shipped.ApplyStatus(models.OrderShipped, time.Now()))
	require.NoError(t, s.UpdateOrderStatus(ctx, order.ID, models.Predecessors(models.OrderShipped), &shipped))

	// A second writer still believing the order is pending loses
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, order.ID, []models.OrderStatus{models.OrderPending}, &shipped), repository.ErrStatusConflict)
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, bson.NewObjectID(), []models.OrderStatus{models.OrderPending}, &shipped), repository.ErrOrderNotFound)
}

func TestStore_CustomerUpsertAndPaymentReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.UpsertCustomer(ctx, "user_abc", "a@example.com", "Ada")
	require.NoError(t, err)
	again, err := s.UpsertCustomer(ctx, "user_abc", "ada@example.com", "Ada L")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "ada@example.com", again.Email)

	first, err := s.SetPaymentCustomerID(ctx, c.ID, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", first.PaymentCustomerID)

	second, err := s.SetPaymentCustomerID(ctx, c.ID, "cus_2")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", second.PaymentCustomerID, "existing reference is reused")
}

func TestStore_CartRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := bson.NewObjectID()

	cart, err := s.FindCart(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	cart.Items = append(cart.Items, models.CartItem{ProductID: bson.NewObjectID(), Quantity: 2, AddedAt: time.Now()})
	require.NoError(t, s.SaveCart(ctx, cart))
	require.NoError(t, s.SaveCart(ctx, cart))

	got, err := s.FindCart(ctx, userID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)
}
