package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/events"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/memstore"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/models"
)

func setup(t *testing.T) (*Service, *memstore.Store, *events.MemoryPublisher, *metrics.Metrics) {
	t.Helper()
	store := memstore.New()
	publisher := &events.MemoryPublisher{}
	m := metrics.New()
	return NewService(store, store, publisher, m, logging.Discard()), store, publisher, m
}

func seedOrder(t *testing.T, store *memstore.Store, userID bson.ObjectID, intentID string) *models.Order {
	t.Helper()
	now := time.Now()
	o := &models.Order{
		OrderNumber:   models.GenerateOrderNumber(now),
		UserID:        userID,
		Items:         []models.OrderItem{{ProductID: bson.NewObjectID(), Name: "Widget", Price: 10, Quantity: 1, StockState: models.StockApplied}},
		PaymentResult: models.PaymentResult{ID: intentID, Status: "succeeded", Amount: 2000, Currency: "usd"},
		Totals:        models.OrderTotals{Subtotal: 10, Shipping: 10, Total: 20},
		Status:        models.OrderPending,
		Settlement:    models.Settlement{Stage: models.StageCompleted},
		Timeline:      models.Timeline{PaidAt: now},
	}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o
}

func TestOrders_ListForUser(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()
	ada, grace := bson.NewObjectID(), bson.NewObjectID()
	seedOrder(t, store, ada, "pi_1")
	seedOrder(t, store, ada, "pi_2")
	seedOrder(t, store, grace, "pi_3")

	mine, err := svc.ListForUser(ctx, ada)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, o := range mine {
		assert.Equal(t, ada, o.UserID)
	}

	all, err := svc.ListAll(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := svc.ListAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOrders_UpdateStatusForwardOnly(t *testing.T) {
	svc, store, publisher, _ := setup(t)
	ctx := context.Background()
	o := seedOrder(t, store, bson.NewObjectID(), "pi_1")

	updated, err := svc.UpdateStatus(ctx, o.ID, models.OrderShipped)
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, updated.Status)
	require.NotNil(t, updated.Timeline.ShippedAt)
	assert.Nil(t, updated.Timeline.DeliveredAt)

	_, err = svc.UpdateStatus(ctx, o.ID, models.OrderShipped)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatusTransition, "same status")

	_, err = svc.UpdateStatus(ctx, o.ID, models.OrderPending)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatusTransition, "backward")

	updated, err = svc.UpdateStatus(ctx, o.ID, models.OrderDelivered)
	require.NoError(t, err)
	require.NotNil(t, updated.Timeline.DeliveredAt)

	stored, err := store.FindOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderDelivered, stored.Status)

	changed := publisher.OfType(events.TypeOrderStatusChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, models.OrderPending, changed[0].Payload["from"])
	assert.Equal(t, models.OrderDelivered, changed[1].Payload["to"])
}

func TestOrders_UpdateStatusPendingToDeliveredStampsBoth(t *testing.T) {
	svc, store, _, _ := setup(t)
	o := seedOrder(t, store, bson.NewObjectID(), "pi_1")

	updated, err := svc.UpdateStatus(context.Background(), o.ID, models.OrderDelivered)
	require.NoError(t, err)
	assert.NotNil(t, updated.Timeline.ShippedAt)
	assert.NotNil(t, updated.Timeline.DeliveredAt)
}

func TestOrders_UpdateStatusErrors(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.UpdateStatus(ctx, bson.NewObjectID(), models.OrderShipped)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	_, err = svc.UpdateStatus(ctx, bson.NewObjectID(), models.OrderStatus("cancelled"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOrders_ConcurrentStatusUpdatesApplyOnce(t *testing.T) {
	svc, store, publisher, _ := setup(t)
	o := seedOrder(t, store, bson.NewObjectID(), "pi_1")

	const admins = 5
	var wg sync.WaitGroup
	errs := make([]error, admins)
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.UpdateStatus(context.Background(), o.ID, models.OrderShipped)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInvalidStatusTransition)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, publisher.OfType(events.TypeOrderStatusChanged), 1)
}

func TestOrders_PublishFailureKeepsStatus(t *testing.T) {
	svc, store, publisher, m := setup(t)
	o := seedOrder(t, store, bson.NewObjectID(), "pi_1")
	publisher.FailWith(errors.New("broker down"))

	_, err := svc.UpdateStatus(context.Background(), o.ID, models.OrderShipped)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventPublishErrors.WithLabelValues(events.TypeOrderStatusChanged)))
}

func TestOrders_ListSettlementFailures(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, store.RecordSettlementFailure(ctx, &models.SettlementFailure{
		PaymentIntentID: "pi_bad",
		Kind:            models.FailureSnapshot,
		Reason:          "signature mismatch",
	}))

	failures, err := svc.ListSettlementFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "pi_bad", failures[0].PaymentIntentID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, int64(DefaultListLimit), clampLimit(0))
	assert.Equal(t, int64(25), clampLimit(25))
	assert.Equal(t, int64(MaxListLimit), clampLimit(10_000))
}
