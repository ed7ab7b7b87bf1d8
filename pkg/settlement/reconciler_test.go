package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/checkout"
	"julianmorley.ca/con-plar/storefront/pkg/coupon"
	"julianmorley.ca/con-plar/storefront/pkg/events"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/memstore"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/payment"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
	"julianmorley.ca/con-plar/storefront/pkg/snapshot"
)

type recordingCache struct {
	mu  sync.Mutex
	ids []bson.ObjectID
}

func (c *recordingCache) Invalidate(_ context.Context, ids ...bson.ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ids...)
	return nil
}

type fixture struct {
	reconciler *Reconciler
	checkout   *checkout.Service
	store      *memstore.Store
	processor  *payment.MockProcessor
	publisher  *events.MemoryPublisher
	cache      *recordingCache
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	processor := payment.NewMockProcessor("whsec_test")
	codec := snapshot.NewCodec("snapshot-key")
	m := metrics.New()
	logger := logging.Discard()
	publisher := &events.MemoryPublisher{}
	cache := &recordingCache{}

	co := checkout.NewService(store, store, coupon.NewService(store, logger), processor, codec, m, logger, checkout.Options{
		Shipping: decimal.NewFromInt(10),
		Currency: "usd",
	})
	r := NewReconciler(processor, Stores{
		Orders:   store,
		Coupons:  store,
		Failures: store,
	}, cache, codec, publisher, m, logger, Options{Lease: time.Minute, Timeout: 5 * time.Second})

	return &fixture{reconciler: r, checkout: co, store: store, processor: processor, publisher: publisher, cache: cache, metrics: m}
}

func (f *fixture) product(t *testing.T, price float64, stock int) *models.Product {
	t.Helper()
	p := (&models.CreateProductRequest{Name: "Widget", Category: "tools", Price: price, Stock: stock}).ToProduct()
	require.NoError(t, f.store.CreateProducts(context.Background(), []*models.Product{p}))
	return p
}

func (f *fixture) customer(t *testing.T, externalID string) *models.Customer {
	t.Helper()
	c, err := f.store.UpsertCustomer(context.Background(), externalID, externalID+"@example.com", externalID)
	require.NoError(t, err)
	return c
}

func (f *fixture) coupon(t *testing.T, code string, value float64) *models.Coupon {
	t.Helper()
	c := &models.Coupon{Code: code, Type: models.CouponFixed, Value: value, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.store.CreateCoupon(context.Background(), c))
	return c
}

// pay runs checkout and returns the signed payment_intent.succeeded delivery
func (f *fixture) pay(t *testing.T, customer *models.Customer, couponCode string, lines ...checkout.RawItem) ([]byte, string, *checkout.Intent) {
	t.Helper()
	intent, err := f.checkout.CreateIntent(context.Background(), customer, checkout.Request{
		Items:           lines,
		ShippingAddress: models.Address{FullName: "Ada Lovelace", Street: "1 Way", City: "London", State: "LDN", PostalCode: "N1", Country: "UK"},
		CouponCode:      couponCode,
	})
	require.NoError(t, err)
	payload, sig, err := f.processor.SucceedIntent(intent.PaymentIntentID)
	require.NoError(t, err)
	return payload, sig, intent
}

func line(p *models.Product, qty int) checkout.RawItem {
	return checkout.RawItem{ProductID: p.ID.Hex(), Quantity: qty}
}

func (f *fixture) stock(t *testing.T, id bson.ObjectID) int {
	t.Helper()
	p, err := f.store.FindProductByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) order(t *testing.T, intentID string) *models.Order {
	t.Helper()
	o, err := f.store.FindOrderByPaymentIntent(context.Background(), intentID)
	require.NoError(t, err)
	return o
}

func TestReconciler_SettlesPaidCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.customer(t, "ada")
	p := f.product(t, 20, 5)
	c := f.coupon(t, "TENOFF", 10)

	payload, sig, intent := f.pay(t, user, "tenoff", line(p, 2))
	assert.Equal(t, 5, f.stock(t, p.ID), "checkout never touches stock")

	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
	assert.Equal(t, intent.PaymentIntentID, res.PaymentIntentID)
	assert.Zero(t, res.Shortfalls)

	order := f.order(t, intent.PaymentIntentID)
	assert.Equal(t, res.OrderID, order.ID)
	assert.Equal(t, user.ID, order.UserID)
	assert.Equal(t, models.OrderPending, order.Status)
	assert.True(t, order.IsSettled())
	assert.NotNil(t, order.Settlement.CompletedAt)
	assert.Equal(t, "TENOFF", order.CouponCode)
	assert.Equal(t, models.OrderTotals{Subtotal: 40, Shipping: 10, Discount: 10, Total: 40}, order.Totals)
	assert.Equal(t, int64(4000), order.PaymentResult.Amount)
	assert.Equal(t, payment.IntentStatusSucceeded, order.PaymentResult.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, models.StockApplied, order.Items[0].StockState)
	assert.Regexp(t, `^ORD-[0-9A-Z]{26}$`, order.OrderNumber)

	assert.Equal(t, 3, f.stock(t, p.ID))

	logs := f.store.InventoryLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.InventoryChangeSale, logs[0].ChangeType)
	assert.Equal(t, -2, logs[0].QuantityChanged)
	assert.Equal(t, 5, logs[0].QuantityBefore)
	assert.Equal(t, models.PerformedBySettlement, logs[0].PerformedBy)
	assert.Equal(t, order.OrderNumber, logs[0].Reference)

	assert.Equal(t, 1, f.store.CouponUsageCount(c.ID))
	stored, err := f.store.FindCouponByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)

	assert.Equal(t, []bson.ObjectID{p.ID}, f.cache.ids)

	created := f.publisher.OfType(events.TypeOrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, order.ID.Hex(), created[0].OrderID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SettlementOutcomes.WithLabelValues("acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CouponRedemptions.WithLabelValues("committed")))
	assert.Empty(t, f.store.SettlementFailures())
}

func TestReconciler_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 15, 4)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 3))

	first, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, first.State)

	second, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, second.State)
	assert.Equal(t, first.OrderID, second.OrderID)

	assert.Equal(t, 1, f.store.OrderCount())
	assert.Equal(t, 1, f.stock(t, p.ID))
	assert.Len(t, f.store.InventoryLogs(), 1)
	assert.Len(t, f.publisher.OfType(events.TypeOrderCreated), 1)
}

func TestReconciler_ConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 15, 10)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 2))

	const deliveries = 8
	var wg sync.WaitGroup
	results := make([]Result, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.reconciler.HandleWebhook(context.Background(), payload, sig)
		}(i)
	}
	wg.Wait()

	acknowledged := 0
	for i := range results {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], apperr.ErrSettlementInProgress)
			continue
		}
		assert.Contains(t, []State{StateAcknowledged, StateDuplicate}, results[i].State)
		if results[i].State == StateAcknowledged {
			acknowledged++
		}
	}
	assert.Equal(t, 1, acknowledged)
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestReconciler_ConcurrentCouponRedemptionsCommitOnce(t *testing.T) {
	f := newFixture(t)
	user := f.customer(t, "ada")
	p := f.product(t, 50, 100)
	c := f.coupon(t, "ONCE", 5)

	// Every checkout passes because nothing is redeemed until settlement
	const orders = 6
	type delivery struct {
		payload []byte
		sig     string
	}
	deliveries := make([]delivery, orders)
	for i := range deliveries {
		payload, sig, _ := f.pay(t, user, "ONCE", line(p, 1))
		deliveries[i] = delivery{payload, sig}
	}

	var wg sync.WaitGroup
	errs := make([]error, orders)
	for i, d := range deliveries {
		wg.Add(1)
		go func(i int, d delivery) {
			defer wg.Done()
			_, errs[i] = f.reconciler.HandleWebhook(context.Background(), d.payload, d.sig)
		}(i, d)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, orders, f.store.OrderCount())
	assert.Equal(t, 1, f.store.CouponUsageCount(c.ID))
	stored, err := f.store.FindCouponByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)
	assert.Equal(t, float64(orders-1), testutil.ToFloat64(f.metrics.CouponRedemptions.WithLabelValues("duplicate")))
}

func TestReconciler_OversellIsRecordedNotClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 30, 1)

	// Both checkouts see one unit in stock
	payloadA, sigA, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 1))
	payloadB, sigB, intentB := f.pay(t, f.customer(t, "grace"), "", line(p, 1))

	_, err := f.reconciler.HandleWebhook(ctx, payloadA, sigA)
	require.NoError(t, err)

	res, err := f.reconciler.HandleWebhook(ctx, payloadB, sigB)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
	assert.Equal(t, 1, res.Shortfalls)

	assert.Equal(t, 0, f.stock(t, p.ID), "stock never goes negative")

	order := f.order(t, intentB.PaymentIntentID)
	assert.True(t, order.IsSettled())
	assert.Equal(t, models.StockShortfall, order.Items[0].StockState)

	failures := f.store.SettlementFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureOversell, failures[0].Kind)
	assert.Equal(t, intentB.PaymentIntentID, failures[0].PaymentIntentID)
	require.NotNil(t, failures[0].ProductID)
	assert.Equal(t, p.ID, *failures[0].ProductID)
	require.NotNil(t, failures[0].OrderID)
	assert.Equal(t, order.ID, *failures[0].OrderID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OversellFaults))
	assert.Len(t, f.store.InventoryLogs(), 1)
}

func TestReconciler_BadSnapshotIsRecordedAndAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	_, _, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	stored, ok := f.processor.Intent(intent.PaymentIntentID)
	require.True(t, ok)
	stored.Status = payment.IntentStatusSucceeded
	stored.Metadata[snapshot.KeySignature] = "not-a-signature"

	payload, sig, err := f.processor.SignedEvent(payment.EventPaymentSucceeded, stored)
	require.NoError(t, err)

	f.store.FailNext("RecordSettlementFailure", errors.New("write concern failed"))
	_, err = f.reconciler.HandleWebhook(ctx, payload, sig)
	assert.ErrorIs(t, err, apperr.ErrSettlementProcessing, "unrecorded failure must not be acknowledged")
	assert.Empty(t, f.store.SettlementFailures())

	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateFailedRecorded, res.State)

	failures := f.store.SettlementFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureSnapshot, failures[0].Kind)
	assert.Equal(t, intent.Amount, failures[0].Amount)
	assert.NotEmpty(t, failures[0].Metadata)

	assert.Zero(t, f.store.OrderCount())
	assert.Equal(t, 5, f.stock(t, p.ID))
}

func TestReconciler_AmountMismatchIsRecorded(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 20, 5)
	_, _, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	stored, _ := f.processor.Intent(intent.PaymentIntentID)
	stored.Status = payment.IntentStatusSucceeded
	stored.Amount = 100
	payload, sig, err := f.processor.SignedEvent(payment.EventPaymentSucceeded, stored)
	require.NoError(t, err)

	res, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateFailedRecorded, res.State)
	assert.Zero(t, f.store.OrderCount())
	require.Len(t, f.store.SettlementFailures(), 1)
	assert.Equal(t, models.FailureSnapshot, f.store.SettlementFailures()[0].Kind)
}

func TestReconciler_TransientFailureIsNotAcknowledged(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 20, 5)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	f.store.FailNext("FindOrderByPaymentIntent", &repository.UnavailableError{Op: "find order", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.True(t, apperr.IsRetryable(err))
	assert.Zero(t, f.store.OrderCount())
	assert.Empty(t, f.store.SettlementFailures())

	f.store.FailNext("CreateOrder", &repository.UnavailableError{Op: "create order", Err: context.DeadlineExceeded})
	_, err = f.reconciler.HandleWebhook(context.Background(), payload, sig)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Zero(t, f.store.OrderCount())

	res, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
}

func TestReconciler_ResumesInterruptedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 10, 5)
	b := f.product(t, 5, 5)
	c := f.coupon(t, "RESUME", 2)
	payload, sig, intent := f.pay(t, f.customer(t, "ada"), "RESUME", line(a, 1), line(b, 2))

	// The second line's decrement times out after the first landed
	f.store.FailNext("ApplyLineStock", nil)
	f.store.FailNext("ApplyLineStock", &repository.UnavailableError{Op: "apply line stock", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	order := f.order(t, intent.PaymentIntentID)
	assert.False(t, order.IsSettled())
	assert.Equal(t, models.StockApplied, order.Items[0].StockState)
	assert.Equal(t, models.StockPending, order.Items[1].StockState)
	assert.Equal(t, 4, f.stock(t, a.ID))
	assert.Equal(t, 5, f.stock(t, b.ID))

	// Redelivered while the first attempt still holds the lease
	_, err = f.reconciler.HandleWebhook(ctx, payload, sig)
	assert.ErrorIs(t, err, apperr.ErrSettlementInProgress)

	f.reconciler.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)

	order = f.order(t, intent.PaymentIntentID)
	assert.True(t, order.IsSettled())
	assert.Equal(t, 4, f.stock(t, a.ID), "applied line is not decremented twice")
	assert.Equal(t, 3, f.stock(t, b.ID))
	assert.Equal(t, 1, f.store.CouponUsageCount(c.ID))
	assert.Equal(t, 1, f.store.OrderCount())
	assert.Len(t, f.store.InventoryLogs(), 2)
}

func TestReconciler_MissingCouponIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	c := f.coupon(t, "GONE", 5)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "GONE", line(p, 1))

	c.IsActive = false
	require.NoError(t, f.store.UpdateCoupon(ctx, c))

	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
	assert.Zero(t, f.store.CouponUsageCount(c.ID))

	failures := f.store.SettlementFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureCoupon, failures[0].Kind)
}

func TestReconciler_PublishFailureDoesNotUndoSettlement(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 20, 5)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	f.publisher.FailWith(errors.New("broker down"))
	res, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventPublishErrors.WithLabelValues(events.TypeOrderCreated)))
}

func TestReconciler_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 20, 5)
	payload, _, _ := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	_, err := f.reconciler.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, apperr.ErrWebhookSignature)
	assert.Zero(t, f.store.OrderCount())
	assert.Equal(t, 5, f.stock(t, p.ID))
}

func TestReconciler_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, 20, 5)
	_, _, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 1))

	stored, _ := f.processor.Intent(intent.PaymentIntentID)
	payload, sig, err := f.processor.SignedEvent(payment.EventPaymentFailed, stored)
	require.NoError(t, err)

	res, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateIgnored, res.State)
	assert.Zero(t, f.store.OrderCount())
}

func (f *fixture) expireLease() {
	f.reconciler.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
}

func TestReconciler_LostStockReplyIsNotAppliedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	payload, sig, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 2))

	// The write commits but the reply times out
	f.store.FailAfter("ApplyLineStock", &repository.UnavailableError{Op: "apply line stock", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, 3, f.stock(t, p.ID))
	assert.Equal(t, models.StockApplied, f.order(t, intent.PaymentIntentID).Items[0].StockState)

	f.expireLease()
	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)

	assert.Equal(t, 3, f.stock(t, p.ID))
	assert.Len(t, f.store.InventoryLogs(), 1)
	assert.True(t, f.order(t, intent.PaymentIntentID).IsSettled())
}

func TestReconciler_SettledLineFromStaleReadIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	payload, sig, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 2))

	f.store.FailNext("ApplyLineStock", &repository.UnavailableError{Op: "apply line stock", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	order := f.order(t, intent.PaymentIntentID)

	// Another delivery settles the line after this one read the order
	_, err = f.store.ApplyLineStock(ctx, repository.LineStock{OrderID: order.ID, Index: 0, ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)

	d := &delivery{r: f.reconciler, log: logging.Discard(), eventID: "evt_stale", intent: &payment.Intent{ID: intent.PaymentIntentID}}
	shortfalls, err := d.adjustStock(ctx, order)
	require.NoError(t, err)
	assert.Zero(t, shortfalls)
	assert.Equal(t, 3, f.stock(t, p.ID))
	assert.Len(t, f.store.InventoryLogs(), 1)
}

func TestReconciler_LostCouponReplyIsCountedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	c := f.coupon(t, "ONEOFF", 5)
	payload, sig, _ := f.pay(t, f.customer(t, "ada"), "ONEOFF", line(p, 1))

	f.store.FailAfter("RedeemCoupon", &repository.UnavailableError{Op: "redeem coupon", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	f.expireLease()
	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)

	assert.Equal(t, 1, f.store.CouponUsageCount(c.ID))
	stored, err := f.store.FindCouponByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)
}

// stageOnLease advances the order the way a previous lease holder would,
// between the redelivery's first read and its lease acquisition.
type stageOnLease struct {
	*memstore.Store
	advance func(ctx context.Context, id bson.ObjectID)
}

func (s *stageOnLease) AcquireSettlementLease(ctx context.Context, id bson.ObjectID, now, until time.Time) error {
	if s.advance != nil {
		s.advance(ctx, id)
		s.advance = nil
	}
	return s.Store.AcquireSettlementLease(ctx, id, now, until)
}

func TestReconciler_ResumeRereadsOrderAfterLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	payload, sig, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 2))

	f.store.FailNext("ApplyLineStock", &repository.UnavailableError{Op: "apply line stock", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	require.Equal(t, 5, f.stock(t, p.ID))

	f.reconciler.stores.Orders = &stageOnLease{Store: f.store, advance: func(ctx context.Context, id bson.ObjectID) {
		_, err := f.store.ApplyLineStock(ctx, repository.LineStock{OrderID: id, Index: 0, ProductID: p.ID, Quantity: 2})
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateSettlementStage(ctx, id, models.StageStockAdjusted, time.Now()))
	}}
	f.expireLease()
	res, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)

	assert.Equal(t, 3, f.stock(t, p.ID))
	assert.Empty(t, f.cache.ids, "stock stage already done is not revisited")
	assert.True(t, f.order(t, intent.PaymentIntentID).IsSettled())
}

func TestReconciler_RereadFailureIsNotAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, 20, 5)
	payload, sig, intent := f.pay(t, f.customer(t, "ada"), "", line(p, 2))

	f.store.FailNext("ApplyLineStock", &repository.UnavailableError{Op: "apply line stock", Err: context.DeadlineExceeded})
	_, err := f.reconciler.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	f.expireLease()
	f.store.FailNext("FindOrderByID", &repository.UnavailableError{Op: "find order", Err: context.DeadlineExceeded})
	_, err = f.reconciler.HandleWebhook(ctx, payload, sig)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, 5, f.stock(t, p.ID))
	assert.False(t, f.order(t, intent.PaymentIntentID).IsSettled())
}

func TestReconciler_UndecodableSignedEventIsRecorded(t *testing.T) {
	f := newFixture(t)
	payload, sig := f.processor.Sign([]byte(`{"id":"evt_garbled","object":"event","type":"payment_intent.succeeded",` +
		`"api_version":"mock","created":1700000000,"data":{"object":{"id":"pi_garbled","object":"payment_intent","amount":"lots"}}}`))

	res, err := f.reconciler.HandleWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StateFailedRecorded, res.State)
	assert.Zero(t, f.store.OrderCount())

	failures := f.store.SettlementFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureSnapshot, failures[0].Kind)
	assert.Equal(t, "evt_garbled", failures[0].EventID)
	assert.Contains(t, failures[0].Reason, "malformed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SettlementOutcomes.WithLabelValues(string(StateFailedRecorded))))
}
