// Package orders serves order history and the admin fulfilment lifecycle.
// Orders are created only by settlement; this package reads them and moves
// their status forward.
package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/events"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type Service struct {
	orders    repository.OrderRepository
	failures  repository.SettlementFailureRepository
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	orders repository.OrderRepository,
	failures repository.SettlementFailureRepository,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		orders:    orders,
		failures:  failures,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// ListForUser returns the user's orders, newest first
func (s *Service) ListForUser(ctx context.Context, userID bson.ObjectID) ([]*models.Order, error) {
	out, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return out, nil
}

func (s *Service) ListAll(ctx context.Context, limit int64) ([]*models.Order, error) {
	out, err := s.orders.ListOrders(ctx, clampLimit(limit))
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return out, nil
}

// UpdateStatus moves an order forward. The store applies the change only if
// the status has not moved since it was read, so two admins racing on the
// same order cannot both succeed.
func (s *Service) UpdateStatus(ctx context.Context, id bson.ObjectID, status models.OrderStatus) (*models.Order, error) {
	if !status.Valid() {
		return nil, apperr.ErrValidation.WithDetailsf("unknown order status %q", status)
	}

	order, err := s.orders.FindOrderByID(ctx, id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperr.ErrOrderNotFound
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	from := order.Status
	if !order.ApplyStatus(status, s.now()) {
		return nil, apperr.ErrInvalidStatusTransition.WithDetailsf("cannot move order from %s to %s", from, status)
	}

	err = s.orders.UpdateOrderStatus(ctx, id, models.Predecessors(status), order)
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		return nil, apperr.ErrInvalidStatusTransition.WithDetailsf("order status changed concurrently, cannot move to %s", status)
	case errors.Is(err, repository.ErrOrderNotFound):
		return nil, apperr.ErrOrderNotFound
	case err != nil:
		return nil, apperr.FromStore(err)
	}

	log := logging.FromContext(ctx, s.logger)
	log.Info("order status updated", "order_id", id.Hex(), "from", from, "to", status)

	if err := s.publisher.Publish(ctx, events.OrderStatusChanged(order, from)); err != nil {
		s.metrics.EventPublishErrors.WithLabelValues(events.TypeOrderStatusChanged).Inc()
		log.Warn("order.status_changed publish failed", "order_id", id.Hex(), "error", err)
	}
	return order, nil
}

// ListSettlementFailures is the manual reconciliation queue, newest first
func (s *Service) ListSettlementFailures(ctx context.Context, limit int64) ([]*models.SettlementFailure, error) {
	out, err := s.failures.ListSettlementFailures(ctx, clampLimit(limit))
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return out, nil
}

func clampLimit(limit int64) int64 {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
