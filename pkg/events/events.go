// Package events publishes order domain events for downstream consumers such
// as notification delivery. Publishing is best effort: an event that fails to
// publish never undoes the state change it describes.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/models"
)

const (
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
)

type Event struct {
	EventID     string         `json:"event_id"`
	Type        string         `json:"type"`
	OrderID     string         `json:"order_id"`
	OrderNumber string         `json:"order_number"`
	UserID      string         `json:"user_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Payload     map[string]any `json:"payload"`
}

func OrderCreated(o *models.Order) Event {
	return newEvent(TypeOrderCreated, o, map[string]any{
		"payment_intent_id": o.PaymentResult.ID,
		"total":             o.Totals.Total,
		"currency":          o.PaymentResult.Currency,
		"item_count":        o.GetItemCount(),
		"coupon_code":       o.CouponCode,
	})
}

func OrderStatusChanged(o *models.Order, from models.OrderStatus) Event {
	return newEvent(TypeOrderStatusChanged, o, map[string]any{
		"from": from,
		"to":   o.Status,
	})
}

func newEvent(eventType string, o *models.Order, payload map[string]any) Event {
	return Event{
		EventID:     uuid.NewString(),
		Type:        eventType,
		OrderID:     o.ID.Hex(),
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID.Hex(),
		CreatedAt:   time.Now().UTC(),
		Payload:     payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewPublisher returns a Kafka publisher, or a no-op one when no brokers are configured
func NewPublisher(cfg *global.Config, logger *slog.Logger) Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka brokers not configured, order events disabled")
		return NopPublisher{}
	}
	return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic)
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Publish keys messages by order id so one order's events stay ordered
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", event.Type)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s event for order %s", event.Type, event.OrderID)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events; used in tests and local tooling
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// FailWith makes every later Publish return err
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
