// Package settlement turns verified payment-succeeded webhooks into orders.
//
// A delivery walks an explicit state machine:
//
//	received -> verified -> duplicate (ack)
//	                     -> order_created -> stock_adjusted -> coupon_committed -> acknowledged
//	                     -> failed_recorded (ack)
//
// Progress is stored on the order (settlement stage plus per-line stock
// state) so a redelivery resumes where an interrupted one stopped. The
// processor's redelivery is the only retry; nothing here loops.
package settlement

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
	"julianmorley.ca/con-plar/storefront/pkg/money"
	"julianmorley.ca/con-plar/storefront/pkg/payment"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
	"julianmorley.ca/con-plar/storefront/pkg/snapshot"
)

type State string

const (
	StateReceived        State = "received"
	StateVerified        State = "verified"
	StateIgnored         State = "ignored"
	StateDuplicate       State = "duplicate"
	StateOrderCreated    State = "order_created"
	StateStockAdjusted   State = "stock_adjusted"
	StateCouponCommitted State = "coupon_committed"
	StateAcknowledged    State = "acknowledged"
	StateFailedRecorded  State = "failed_recorded"
)

// Result describes a delivery that should be acknowledged. A non-nil error
// from the reconciler means the delivery must not be acknowledged.
type Result struct {
	State           State
	PaymentIntentID string
	OrderID         bson.ObjectID
	Shortfalls      int
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payment.Event, error)
}

// ProductCache is invalidated after stock changes
type ProductCache interface {
	Invalidate(ctx context.Context, ids ...bson.ObjectID) error
}

type Stores struct {
	Orders   repository.OrderRepository
	Coupons  repository.CouponRepository
	Failures repository.SettlementFailureRepository
}

type Options struct {
	// Lease is how long one delivery owns an unfinished order
	Lease time.Duration
	// Timeout bounds a whole delivery
	Timeout time.Duration
}

type Reconciler struct {
	parser    WebhookParser
	stores    Stores
	cache     ProductCache
	codec     *snapshot.Codec
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

func NewReconciler(
	parser WebhookParser,
	stores Stores,
	cache ProductCache,
	codec *snapshot.Codec,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Reconciler {
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Reconciler{
		parser:    parser,
		stores:    stores,
		cache:     cache,
		codec:     codec,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// HandleWebhook verifies the raw delivery and settles payment_intent.succeeded
// events. Other event types are acknowledged without doing anything.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	log := logging.FromContext(ctx, r.logger)

	event, err := r.parser.ParseWebhook(payload, signature)
	if errors.Is(err, payment.ErrInvalidSignature) {
		log.Warn("webhook signature verification failed", "error", err)
		r.metrics.SettlementOutcomes.WithLabelValues("signature_invalid").Inc()
		return Result{State: StateReceived}, apperr.ErrWebhookSignature.Wrap(err)
	}
	if errors.Is(err, payment.ErrMalformedEvent) {
		// Signed by the processor, so a redelivery would carry the same bytes
		return r.recordMalformed(ctx, event, err)
	}
	if err != nil {
		log.Error("webhook could not be decoded", "error", err)
		r.metrics.SettlementOutcomes.WithLabelValues("error").Inc()
		return Result{State: StateReceived}, apperr.ErrSettlementProcessing.Wrap(err)
	}

	if event.Type != payment.EventPaymentSucceeded || event.Intent == nil {
		log.Debug("webhook event ignored", "event_id", event.ID, "type", event.Type)
		r.metrics.SettlementOutcomes.WithLabelValues(string(StateIgnored)).Inc()
		return Result{State: StateIgnored}, nil
	}

	return r.OnPaymentSucceeded(ctx, event.ID, event.Intent)
}

func (r *Reconciler) recordMalformed(ctx context.Context, event *payment.Event, cause error) (Result, error) {
	eventID := ""
	if event != nil {
		eventID = event.ID
	}
	log := logging.FromContext(ctx, r.logger).With("event_id", eventID)
	d := &delivery{r: r, log: log, eventID: eventID, intent: &payment.Intent{}}
	d.transition(StateVerified)

	res, err := d.recordAndAck(ctx, &models.SettlementFailure{
		Kind:   models.FailureSnapshot,
		Reason: cause.Error(),
	})
	outcome := string(res.State)
	if err != nil {
		outcome = "error"
	}
	r.metrics.SettlementOutcomes.WithLabelValues(outcome).Inc()
	return res, err
}

// OnPaymentSucceeded settles one verified payment. It is safe to call any
// number of times, concurrently, for the same intent.
func (r *Reconciler) OnPaymentSucceeded(ctx context.Context, eventID string, intent *payment.Intent) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	log := logging.FromContext(ctx, r.logger).With("payment_intent_id", intent.ID, "event_id", eventID)
	d := &delivery{r: r, log: log, eventID: eventID, intent: intent}
	d.transition(StateVerified)

	res, err := d.run(ctx)
	res.PaymentIntentID = intent.ID

	outcome := string(res.State)
	if err != nil {
		outcome = "error"
		if apperr.IsRetryable(err) {
			log.Warn("settlement not acknowledged", "state", d.state, "error", err)
		} else {
			log.Error("settlement not acknowledged", "state", d.state, "error", err)
		}
	}
	r.metrics.SettlementOutcomes.WithLabelValues(outcome).Inc()
	return res, err
}

// delivery holds the per-call state of one settlement attempt
type delivery struct {
	r       *Reconciler
	log     *slog.Logger
	eventID string
	intent  *payment.Intent
	state   State
}

func (d *delivery) transition(s State) {
	d.state = s
	d.log.Debug("settlement transition", "state", s)
}

func (d *delivery) run(ctx context.Context) (Result, error) {
	existing, err := d.r.stores.Orders.FindOrderByPaymentIntent(ctx, d.intent.ID)
	switch {
	case err == nil:
		return d.resumeExisting(ctx, existing)
	case !errors.Is(err, repository.ErrOrderNotFound):
		return Result{State: d.state}, storeError(err)
	}

	snap, err := d.r.codec.Decode(d.intent.Metadata)
	if err != nil {
		return d.recordAndAck(ctx, &models.SettlementFailure{
			Kind:     models.FailureSnapshot,
			Reason:   err.Error(),
			Metadata: d.intent.Metadata,
		})
	}
	if want := money.ToMinorUnits(snap.Total); want != d.intent.Amount {
		return d.recordAndAck(ctx, &models.SettlementFailure{
			Kind:     models.FailureSnapshot,
			Reason:   "paid amount does not match snapshot total " + money.String(snap.Total),
			Metadata: d.intent.Metadata,
		})
	}

	order := d.newOrder(snap)
	err = d.r.stores.Orders.CreateOrder(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateOrder):
		// A concurrent delivery won the insert
		existing, err := d.r.stores.Orders.FindOrderByPaymentIntent(ctx, d.intent.ID)
		if err != nil {
			return Result{State: d.state}, storeError(err)
		}
		return d.resumeExisting(ctx, existing)
	case repository.IsUnavailable(err):
		return Result{State: d.state}, apperr.FromStore(err)
	default:
		return d.recordAndAck(ctx, &models.SettlementFailure{
			Kind:     models.FailureOrderCreation,
			Reason:   err.Error(),
			Metadata: d.intent.Metadata,
		})
	}

	d.transition(StateOrderCreated)
	d.log.Info("order created", "order_id", order.ID.Hex(), "order_number", order.OrderNumber,
		"user_id", order.UserID.Hex(), "total", order.Totals.Total)
	return d.resume(ctx, order)
}

func (d *delivery) resumeExisting(ctx context.Context, order *models.Order) (Result, error) {
	if order.IsSettled() {
		d.transition(StateDuplicate)
		d.log.Info("duplicate delivery for settled order", "order_id", order.ID.Hex())
		return Result{State: StateDuplicate, OrderID: order.ID}, nil
	}

	now := d.r.now()
	err := d.r.stores.Orders.AcquireSettlementLease(ctx, order.ID, now, now.Add(d.r.opts.Lease))
	if errors.Is(err, repository.ErrSettlementLeaseHeld) {
		return Result{State: d.state, OrderID: order.ID}, apperr.ErrSettlementInProgress
	}
	if err != nil {
		return Result{State: d.state, OrderID: order.ID}, storeError(err)
	}

	// The previous lease holder may have advanced the order after it was read
	fresh, err := d.r.stores.Orders.FindOrderByID(ctx, order.ID)
	if err != nil {
		return Result{State: d.state, OrderID: order.ID}, storeError(err)
	}
	if fresh.IsSettled() {
		d.transition(StateDuplicate)
		d.log.Info("settlement finished while waiting for the lease", "order_id", fresh.ID.Hex())
		return Result{State: StateDuplicate, OrderID: fresh.ID}, nil
	}

	d.log.Info("resuming interrupted settlement", "order_id", fresh.ID.Hex(), "stage", fresh.Settlement.Stage)
	d.transition(StateOrderCreated)
	return d.resume(ctx, fresh)
}

func (d *delivery) newOrder(snap *snapshot.Snapshot) *models.Order {
	now := d.r.now()
	return &models.Order{
		OrderNumber:     models.GenerateOrderNumber(now),
		UserID:          snap.UserID,
		Items:           snap.OrderItems(),
		ShippingAddress: snap.ShippingAddress,
		PaymentResult: models.PaymentResult{
			ID:       d.intent.ID,
			Status:   d.intent.Status,
			Amount:   d.intent.Amount,
			Currency: d.intent.Currency,
		},
		CouponCode: snap.CouponCode,
		Totals:     snap.OrderTotals(),
		Status:     models.OrderPending,
		Settlement: models.Settlement{
			Stage:      models.StageOrderCreated,
			LeaseUntil: now.Add(d.r.opts.Lease),
		},
		Timeline: models.Timeline{PaidAt: now},
	}
}

var stageRank = map[models.SettlementStage]int{
	models.StageOrderCreated:    0,
	models.StageStockAdjusted:   1,
	models.StageCouponCommitted: 2,
	models.StageCompleted:       3,
}

// resume runs every stage the order has not durably completed
func (d *delivery) resume(ctx context.Context, order *models.Order) (Result, error) {
	res := Result{State: d.state, OrderID: order.ID}
	stage := stageRank[order.Settlement.Stage]

	if stage < stageRank[models.StageStockAdjusted] {
		shortfalls, err := d.adjustStock(ctx, order)
		res.Shortfalls = shortfalls
		if err != nil {
			return res, err
		}
		if err := d.r.stores.Orders.UpdateSettlementStage(ctx, order.ID, models.StageStockAdjusted, d.r.now()); err != nil {
			return res, storeError(err)
		}
		d.transition(StateStockAdjusted)
	}

	if stage < stageRank[models.StageCouponCommitted] && order.CouponCode != "" {
		if err := d.commitCoupon(ctx, order); err != nil {
			return res, err
		}
		if err := d.r.stores.Orders.UpdateSettlementStage(ctx, order.ID, models.StageCouponCommitted, d.r.now()); err != nil {
			return res, storeError(err)
		}
		d.transition(StateCouponCommitted)
	}

	if err := d.r.stores.Orders.UpdateSettlementStage(ctx, order.ID, models.StageCompleted, d.r.now()); err != nil {
		return res, storeError(err)
	}
	d.transition(StateAcknowledged)
	res.State = StateAcknowledged
	d.log.Info("settlement completed", "order_id", order.ID.Hex(), "shortfalls", res.Shortfalls)

	d.publish(ctx, order)
	return res, nil
}

// adjustStock decrements every pending line. The decrement, the line's
// applied state and the sale log commit together, so each line is taken
// from stock at most once however often the delivery repeats. A line that
// cannot be decremented is an oversell: it is recorded and marked, never
// clamped.
func (d *delivery) adjustStock(ctx context.Context, order *models.Order) (int, error) {
	shortfalls := 0
	var touched []bson.ObjectID

	for i, item := range order.Items {
		switch item.StockState {
		case models.StockShortfall:
			shortfalls++
			continue
		case models.StockApplied:
			continue
		}

		_, err := d.r.stores.Orders.ApplyLineStock(ctx, repository.LineStock{
			OrderID:     order.ID,
			Index:       i,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			Reference:   order.OrderNumber,
			Reason:      "paid order",
			PerformedBy: models.PerformedBySettlement,
		})
		switch {
		case err == nil:
			touched = append(touched, item.ProductID)

		case errors.Is(err, repository.ErrLineSettled):
			// An earlier attempt committed this line but lost the reply
			d.log.Info("order line stock already settled", "order_id", order.ID.Hex(), "line", i)
			touched = append(touched, item.ProductID)

		case errors.Is(err, repository.ErrInsufficientStock), errors.Is(err, repository.ErrProductNotFound):
			shortfalls++
			d.r.metrics.OversellFaults.Inc()
			d.log.Error("oversell: paid line could not be decremented",
				"order_id", order.ID.Hex(), "product_id", item.ProductID.Hex(), "quantity", item.Quantity, "reason", err.Error())

			orderID, productID := order.ID, item.ProductID
			if err := d.record(ctx, &models.SettlementFailure{
				Kind:      models.FailureOversell,
				Reason:    err.Error(),
				OrderID:   &orderID,
				ProductID: &productID,
			}); err != nil {
				return shortfalls, err
			}
			err = d.r.stores.Orders.MarkItemStock(ctx, order.ID, i, models.StockShortfall)
			if err != nil && !errors.Is(err, repository.ErrLineSettled) {
				return shortfalls, storeError(err)
			}

		default:
			return shortfalls, storeError(err)
		}
	}

	if len(touched) > 0 && d.r.cache != nil {
		if err := d.r.cache.Invalidate(ctx, touched...); err != nil {
			d.log.Warn("product cache invalidation failed", "error", err)
		}
	}
	return shortfalls, nil
}

// commitCoupon redeems the order's coupon. The unique (user, coupon) usage
// record decides the race and commits together with the used_count bump, so
// a duplicate means the redemption is already fully counted.
func (d *delivery) commitCoupon(ctx context.Context, order *models.Order) error {
	c, err := d.r.stores.Coupons.FindActiveCouponByCode(ctx, order.CouponCode)
	if errors.Is(err, repository.ErrCouponNotFound) {
		d.r.metrics.CouponRedemptions.WithLabelValues("missing").Inc()
		d.log.Warn("coupon on paid order no longer active", "order_id", order.ID.Hex(), "coupon_code", order.CouponCode)
		orderID := order.ID
		return d.record(ctx, &models.SettlementFailure{
			Kind:    models.FailureCoupon,
			Reason:  "coupon " + order.CouponCode + " not found or inactive at settlement",
			OrderID: &orderID,
		})
	}
	if err != nil {
		return storeError(err)
	}

	err = d.r.stores.Coupons.RedeemCoupon(ctx, &models.CouponUsage{
		UserID:          order.UserID,
		CouponID:        c.ID,
		OrderID:         order.ID,
		PaymentIntentID: d.intent.ID,
		UsedAt:          d.r.now(),
	})
	if errors.Is(err, repository.ErrDuplicateCouponUsage) {
		d.r.metrics.CouponRedemptions.WithLabelValues("duplicate").Inc()
		d.log.Info("coupon usage already recorded", "coupon_id", c.ID.Hex(), "user_id", order.UserID.Hex())
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	d.r.metrics.CouponRedemptions.WithLabelValues("committed").Inc()
	d.log.Info("coupon redeemed", "coupon_id", c.ID.Hex(), "code", c.Code, "user_id", order.UserID.Hex())
	return nil
}

func (d *delivery) publish(ctx context.Context, order *models.Order) {
	if d.r.publisher == nil {
		return
	}
	if err := d.r.publisher.Publish(ctx, events.OrderCreated(order)); err != nil {
		d.r.metrics.EventPublishErrors.WithLabelValues(events.TypeOrderCreated).Inc()
		d.log.Warn("order.created publish failed", "order_id", order.ID.Hex(), "error", err)
	}
}

// recordAndAck stores a failure for manual reconciliation and acknowledges.
// If the record cannot be written the delivery is not acknowledged.
func (d *delivery) recordAndAck(ctx context.Context, failure *models.SettlementFailure) (Result, error) {
	d.log.Error("settlement failed, recording for reconciliation", "kind", failure.Kind, "reason", failure.Reason)
	if err := d.record(ctx, failure); err != nil {
		return Result{State: d.state}, err
	}
	d.transition(StateFailedRecorded)
	return Result{State: StateFailedRecorded}, nil
}

func (d *delivery) record(ctx context.Context, failure *models.SettlementFailure) error {
	failure.PaymentIntentID = d.intent.ID
	failure.EventID = d.eventID
	failure.Amount = d.intent.Amount
	failure.Currency = d.intent.Currency
	failure.CreatedAt = d.r.now()

	if err := d.r.stores.Failures.RecordSettlementFailure(ctx, failure); err != nil {
		d.log.Error("settlement failure could not be recorded", "kind", failure.Kind, "error", err)
		return apperr.ErrSettlementProcessing.Wrap(err)
	}
	d.r.metrics.SettlementFailures.WithLabelValues(string(failure.Kind)).Inc()
	return nil
}

// storeError keeps every store failure unacknowledged; transient ones are
// marked retryable.
func storeError(err error) error {
	if repository.IsUnavailable(err) {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return apperr.ErrSettlementProcessing.Wrap(err)
}
