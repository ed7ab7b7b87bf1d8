package payment

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// parseEvent is shared by the Stripe and mock processors so both accept
// exactly the same signed payloads.
func parseEvent(payload []byte, signature, secret string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSignature, err.Error())
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || event.Data == nil {
		return out, nil
	}

	// The event is still returned so the caller can tell which delivery it was
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return out, errors.Wrapf(ErrMalformedEvent, "decode payment intent of event %s: %v", event.ID, err)
	}
	out.Intent = fromStripeIntent(&pi)
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.Customer != nil {
		intent.CustomerID = pi.Customer.ID
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}
	return intent
}
