package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/memstore"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

func setup(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewService(store, store, logging.Discard()), store
}

func seedProduct(t *testing.T, store *memstore.Store, price float64, stock int) *models.Product {
	t.Helper()
	p := (&models.CreateProductRequest{Name: "Widget", Category: "tools", Price: price, Stock: stock}).ToProduct()
	require.NoError(t, store.CreateProducts(context.Background(), []*models.Product{p}))
	return p
}

func TestCartService_AddAccumulatesAndBoundsByStock(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	user := bson.NewObjectID()
	p := seedProduct(t, store, 19.99, 5)

	view, err := svc.Add(ctx, user, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 2, view.Items[0].Quantity)

	view, err = svc.Add(ctx, user, p.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, view.Items[0].Quantity)
	assert.Equal(t, 5, view.ItemCount)
	assert.Equal(t, 99.95, view.Subtotal)
	assert.True(t, view.Items[0].Available)

	_, err = svc.Add(ctx, user, p.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	stored, err := store.FindCart(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Items[0].Quantity, "rejected add leaves the cart unchanged")
}

func TestCartService_AddErrors(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	user := bson.NewObjectID()

	_, err := svc.Add(ctx, user, bson.NewObjectID(), 1)
	assert.ErrorIs(t, err, apperr.ErrProductNotFound)

	p := seedProduct(t, store, 5, 5)
	_, err = svc.Add(ctx, user, p.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	store.FailNext("FindCart", &repository.UnavailableError{Op: "find cart", Err: context.DeadlineExceeded})
	_, err = svc.Add(ctx, user, p.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestCartService_UpdateRemoveClear(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	user := bson.NewObjectID()
	a := seedProduct(t, store, 10, 3)
	b := seedProduct(t, store, 4, 10)

	_, err := svc.Update(ctx, user, a.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrCartItemNotFound)

	_, err = svc.Add(ctx, user, a.ID, 1)
	require.NoError(t, err)
	_, err = svc.Add(ctx, user, b.ID, 2)
	require.NoError(t, err)

	view, err := svc.Update(ctx, user, a.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 38.0, view.Subtotal)

	_, err = svc.Update(ctx, user, a.ID, 4)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	view, err = svc.Remove(ctx, user, a.ID)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, b.ID, view.Items[0].ProductID)

	_, err = svc.Remove(ctx, user, a.ID)
	assert.ErrorIs(t, err, apperr.ErrCartItemNotFound)

	view, err = svc.Clear(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, view.Items)
	assert.Zero(t, view.Subtotal)
}

func TestCartService_GetMarksShortLinesUnavailable(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	user := bson.NewObjectID()
	p := seedProduct(t, store, 10, 3)

	_, err := svc.Add(ctx, user, p.ID, 3)
	require.NoError(t, err)

	// Another customer's order settles first
	_, err = store.AdjustStock(ctx, p.ID, -2)
	require.NoError(t, err)

	view, err := svc.Get(ctx, user)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.False(t, view.Items[0].Available)
	assert.Equal(t, 1, view.Items[0].Stock)
}

func TestCartService_GetMarksSoldOutLinesUnavailable(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	user := bson.NewObjectID()
	p := seedProduct(t, store, 10, 3)

	_, err := svc.Add(ctx, user, p.ID, 1)
	require.NoError(t, err)
	_, err = store.AdjustStock(ctx, p.ID, -3)
	require.NoError(t, err)

	view, err := svc.Get(ctx, user)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.False(t, view.Items[0].Available)
	assert.Zero(t, view.Items[0].Stock)
	assert.Equal(t, 1, view.ItemCount)
}

func TestCartService_GetEmpty(t *testing.T) {
	svc, _ := setup(t)
	view, err := svc.Get(context.Background(), bson.NewObjectID())
	require.NoError(t, err)
	assert.Empty(t, view.Items)
	assert.Zero(t, view.ItemCount)
}
