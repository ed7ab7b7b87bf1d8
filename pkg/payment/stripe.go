package payment

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"julianmorley.ca/con-plar/storefront/pkg/logging"
)

type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

var _ Processor = (*StripeProcessor)(nil)

func NewStripeProcessor(secretKey, webhookSecret string, logger *slog.Logger) *StripeProcessor {
	return &StripeProcessor{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
		Name:  stripe.String(req.Name),
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID)
	if req.UserID != "" {
		params.SetIdempotencyKey("customer-" + req.UserID)
	}

	cus, err := p.api.Customers.New(params)
	if err != nil {
		return "", classify(ctx, "create customer", err)
	}
	return cus.ID, nil
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(ctx, "create payment intent", err)
	}

	logging.FromContext(ctx, p.logger).Debug("payment intent created",
		"payment_intent_id", pi.ID, "amount", pi.Amount, "currency", pi.Currency)
	return fromStripeIntent(pi), nil
}

func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseEvent(payload, signature, p.webhookSecret)
}

// classify splits processor failures into terminal rejections (4xx other than
// 409/429) and everything else, which the client may retry.
func classify(ctx context.Context, op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode == http.StatusConflict,
			se.HTTPStatusCode >= http.StatusInternalServerError:
			return errors.Wrapf(ErrUnavailable, "%s: %s", op, se.Msg)
		case se.HTTPStatusCode >= http.StatusBadRequest:
			return errors.Wrapf(ErrRejected, "%s: %s (%s)", op, se.Msg, se.Code)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrapf(ErrUnavailable, "%s: %v", op, ctxErr)
	}
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}
