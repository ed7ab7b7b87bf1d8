package payment

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v76/webhook"
)

// MockProcessor keeps intents in memory and signs its webhook events with the
// same scheme as Stripe, so the webhook endpoint cannot tell the difference.
// Used for PAYMENT_PROVIDER=mock and in tests.
type MockProcessor struct {
	mu            sync.RWMutex
	webhookSecret string
	intents       map[string]*Intent
	byKey         map[string]string
	customers     map[string]CustomerRequest
	failures      []error
}

var _ Processor = (*MockProcessor)(nil)

func NewMockProcessor(webhookSecret string) *MockProcessor {
	return &MockProcessor{
		webhookSecret: webhookSecret,
		intents:       map[string]*Intent{},
		byKey:         map[string]string{},
		customers:     map[string]CustomerRequest{},
	}
}

// FailNext queues an error for the next processor call
func (m *MockProcessor) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// popFailure must be called with m.mu held
func (m *MockProcessor) popFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MockProcessor) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return "", err
	}
	id := "cus_" + compactID()
	m.customers[id] = req
	return id, nil
}

func (m *MockProcessor) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	if req.Amount < 1 {
		return nil, errors.Wrapf(ErrRejected, "amount %d must be positive", req.Amount)
	}

	if req.IdempotencyKey != "" {
		if id, ok := m.byKey[req.IdempotencyKey]; ok {
			return cloneIntent(m.intents[id]), nil
		}
	}

	id := "pi_" + compactID()
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + compactID(),
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       "requires_payment_method",
		CustomerID:   req.CustomerID,
		Metadata:     make(map[string]string, len(req.Metadata)),
	}
	for k, v := range req.Metadata {
		intent.Metadata[k] = v
	}
	m.intents[id] = intent
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = id
	}
	return cloneIntent(intent), nil
}

func (m *MockProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseEvent(payload, signature, m.webhookSecret)
}

func (m *MockProcessor) Intent(id string) (*Intent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, false
	}
	return cloneIntent(intent), true
}

func (m *MockProcessor) IntentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.intents)
}

func (m *MockProcessor) CustomerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.customers)
}

// SucceedIntent marks the intent paid and returns the signed
// payment_intent.succeeded delivery for it: the raw body and the
// Stripe-Signature header value.
func (m *MockProcessor) SucceedIntent(id string) ([]byte, string, error) {
	m.mu.Lock()
	intent, ok := m.intents[id]
	if ok {
		intent.Status = IntentStatusSucceeded
		intent = cloneIntent(intent)
	}
	m.mu.Unlock()
	if !ok {
		return nil, "", errors.Errorf("mock processor: unknown payment intent %s", id)
	}
	return m.SignedEvent(EventPaymentSucceeded, intent)
}

// SignedEvent builds a webhook delivery for any intent, including ones the
// mock never created.
func (m *MockProcessor) SignedEvent(eventType string, intent *Intent) ([]byte, string, error) {
	object := map[string]any{
		"id":            intent.ID,
		"object":        "payment_intent",
		"amount":        intent.Amount,
		"currency":      intent.Currency,
		"status":        intent.Status,
		"client_secret": intent.ClientSecret,
		"metadata":      intent.Metadata,
	}
	if intent.CustomerID != "" {
		object["customer"] = intent.CustomerID
	}
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + compactID(),
		"object":      "event",
		"type":        eventType,
		"api_version": "mock",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal mock event")
	}
	signed, header := m.Sign(payload)
	return signed, header, nil
}

// Sign signs an arbitrary payload with the webhook secret and returns it
// with its signature header.
func (m *MockProcessor) Sign(payload []byte) ([]byte, string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    m.webhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func cloneIntent(in *Intent) *Intent {
	out := *in
	out.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
