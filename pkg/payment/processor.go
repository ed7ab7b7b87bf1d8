// Package payment is the boundary to the external payment processor:
// customers, payment intents and signed webhook events.
package payment

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrMalformedEvent is a correctly signed event whose object cannot be decoded
	ErrMalformedEvent = errors.New("payment: malformed webhook event")
	// ErrUnavailable covers timeouts, network failures and processor 5xx/429
	ErrUnavailable = errors.New("payment: processor unavailable")
	// ErrRejected is a terminal processor refusal, e.g. an invalid request
	ErrRejected = errors.New("payment: request rejected by processor")
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"

	IntentStatusSucceeded = "succeeded"
)

type CustomerRequest struct {
	UserID string
	Email  string
	Name   string
}

type IntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	CustomerID   string
	Metadata     map[string]string
}

// Event is a verified webhook delivery. Intent is set for payment_intent.* events.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

type Processor interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// ParseWebhook verifies the signature header before decoding anything
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
