package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishBufferFull is returned when the broker is applying backpressure.
// Nothing is sent and nothing is retried; the caller decides what it means.
var ErrPublishBufferFull = errors.New("broker: publish buffer is full")

// PublishOption adjusts an outgoing message. Delivery mode and content type
// are fixed by the Publisher and cannot be overridden.
type PublishOption func(*publishing)

type publishing struct {
	msg       amqp.Publishing
	mandatory bool
}

// WithMandatory asks the broker to return the message if no queue is bound to
// its routing key.
func WithMandatory() PublishOption {
	return func(p *publishing) { p.mandatory = true }
}

// WithMessageID sets the AMQP message-id property.
func WithMessageID(id string) PublishOption {
	return func(p *publishing) { p.msg.MessageId = id }
}

// WithCorrelationID sets the AMQP correlation-id property.
func WithCorrelationID(id string) PublishOption {
	return func(p *publishing) { p.msg.CorrelationId = id }
}

// WithHeader adds an application header.
func WithHeader(key string, value any) PublishOption {
	return func(p *publishing) {
		if p.msg.Headers == nil {
			p.msg.Headers = amqp.Table{}
		}
		p.msg.Headers[key] = value
	}
}

// WithExpiration sets a per-message TTL.
func WithExpiration(ttl time.Duration) PublishOption {
	return func(p *publishing) {
		p.msg.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}
}

// Publisher hands JSON payloads to the broker for durable delivery.
type Publisher struct {
	manager *Manager
}

// NewPublisher returns a Publisher on top of m.
func NewPublisher(m *Manager) *Publisher {
	return &Publisher{manager: m}
}

// Publish serializes payload to JSON and publishes it persistently to the
// exchange under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any, opts ...PublishOption) error {
	ch, err := p.manager.Channel(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal payload: %w", err)
	}

	var pub publishing
	for _, opt := range opts {
		opt(&pub)
	}
	pub.msg.DeliveryMode = amqp.Persistent
	pub.msg.ContentType = "application/json"
	pub.msg.Body = body
	if pub.msg.Timestamp.IsZero() {
		pub.msg.Timestamp = time.Now().UTC()
	}

	if p.manager.Blocked() {
		return ErrPublishBufferFull
	}

	if err := ch.PublishWithContext(ctx, p.manager.Exchange(), routingKey, pub.mandatory, false, pub.msg); err != nil {
		return fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}
	return nil
}
