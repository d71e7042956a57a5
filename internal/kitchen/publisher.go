// Package kitchen hands completed orders to the kitchen over RabbitMQ.
package kitchen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pizzapal-backend/internal/order"
)

const (
	Exchange   = "orders_topic"
	RoutingKey = "kitchen.delivery"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ItemMessage is one line of a kitchen ticket.
type ItemMessage struct {
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Size     string          `json:"size,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

// OrderMessage is the body published for each completed order.
type OrderMessage struct {
	OrderID         string          `json:"order_id"`
	SessionID       string          `json:"session_id"`
	Variant         string          `json:"variant,omitempty"`
	Items           []ItemMessage   `json:"items"`
	DietaryNotes    string          `json:"dietary_notes,omitempty"`
	DeliveryAddress string          `json:"delivery_address"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Publisher sends orders to the orders_topic exchange.
type Publisher struct {
	ch      Channel
	closer  func() error
	variant string
	log     logrus.FieldLogger
}

// Dial connects to the broker and declares the exchange.
func Dial(url, variant string, log logrus.FieldLogger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	p, err := NewPublisher(ch, variant, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.closer = conn.Close
	return p, nil
}

// NewPublisher declares the exchange on an open channel.
func NewPublisher(ch Channel, variant string, log logrus.FieldLogger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", Exchange, err)
	}
	return &Publisher{ch: ch, variant: variant, log: log.WithField("component", "kitchen")}, nil
}

// PublishOrder publishes rec as a persistent JSON message.
func (p *Publisher) PublishOrder(ctx context.Context, sessionID string, rec *order.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("kitchen: order id is required")
	}
	body, err := json.Marshal(NewOrderMessage(sessionID, p.variant, rec))
	if err != nil {
		return fmt.Errorf("failed to marshal order message: %w", err)
	}

	pub := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		Body:          body,
		MessageId:     rec.ID,
		CorrelationId: sessionID,
		Timestamp:     time.Now().UTC(),
		Headers: amqp.Table{
			"x-source": "pizzapal",
		},
	}
	if err := p.ch.PublishWithContext(ctx, Exchange, RoutingKey, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish order: %w", err)
	}
	p.log.WithFields(logrus.Fields{"order_id": rec.ID, "session_id": sessionID}).Info("order sent to kitchen")
	return nil
}

// NewOrderMessage flattens a record into a kitchen ticket.
func NewOrderMessage(sessionID, variant string, rec *order.Record) OrderMessage {
	msg := OrderMessage{
		OrderID:         rec.ID,
		SessionID:       sessionID,
		Variant:         variant,
		DietaryNotes:    rec.DietaryNotes,
		DeliveryAddress: rec.DeliveryAddress,
		PaymentMethod:   string(rec.PaymentMethod),
		TotalAmount:     rec.TotalPrice,
		CompletedAt:     rec.CompletedAt,
	}
	for _, g := range rec.Selections {
		for _, l := range g.Lines {
			msg.Items = append(msg.Items, ItemMessage{Category: g.Category, Name: l.Name, Size: l.Size, Price: l.Price})
		}
	}
	return msg
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.closer != nil {
		if cerr := p.closer(); err == nil {
			err = cerr
		}
	}
	return err
}
