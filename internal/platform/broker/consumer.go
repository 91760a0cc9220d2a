package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// errDeliveriesClosed means the channel under a subscription went away.
var errDeliveriesClosed = errors.New("broker: delivery channel closed")

// Consumer drains durable queues bound to the manager's exchange.
type Consumer struct {
	manager *Manager
	name    string
	// prefetch is the number of unacknowledged deliveries per subscription.
	prefetch int
	// resubscribeDelay is the pause between subscription attempts after a failure.
	resubscribeDelay time.Duration
	logger           *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerName sets the prefix of consumer tags.
func WithConsumerName(name string) ConsumerOption {
	return func(c *Consumer) { c.name = name }
}

// WithResubscribeDelay sets the pause between subscription attempts.
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.resubscribeDelay = d }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// NewConsumer returns a Consumer with prefetch 1: each subscription handles
// one message at a time.
func NewConsumer(m *Manager, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:          m,
		name:             "goxec",
		prefetch:         1,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume declares queue as durable, binds it under routingKey, and feeds
// every delivery to handler with manual acknowledgment. It resubscribes after
// connection loss and returns only when ctx is cancelled or the manager is
// closed. A delivery already being handled when ctx is cancelled is finished
// and settled before Consume returns.
func (c *Consumer) Consume(ctx context.Context, queue, routingKey string, handler domain.MessageHandler) error {
	for {
		err := c.subscribe(ctx, queue, routingKey, handler)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		c.logger.Warn("Consumer interrupted, resubscribing", "queue", queue, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.resubscribeDelay):
		}
	}
}

func (c *Consumer) subscribe(ctx context.Context, queue, routingKey string, handler domain.MessageHandler) error {
	ch, err := c.manager.Channel(ctx)
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, c.manager.Exchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", queue, routingKey, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	tag := fmt.Sprintf("%s-%s", c.name, uuid.NewString())
	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	c.logger.Info("Consumer subscribed", "queue", queue, "routingKey", routingKey, "tag", tag)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

// dispatch runs handler on a context that survives shutdown, so the store
// updates and the ack for an in-flight message are not cut short.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handler domain.MessageHandler) {
	msg := domain.Message{
		ID:          d.MessageId,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	}

	disposition, err := c.invoke(context.WithoutCancel(ctx), msg, handler)
	if err != nil {
		c.logger.Error("Consumer error", "routingKey", d.RoutingKey, "messageID", d.MessageId, "disposition", disposition, "error", err)
	}

	var settleErr error
	switch disposition {
	case domain.Ack:
		settleErr = d.Ack(false)
	case domain.Reject:
		settleErr = d.Nack(false, false)
	default:
		settleErr = d.Nack(false, true)
	}
	if settleErr != nil {
		c.logger.Error("Failed to settle delivery", "disposition", disposition, "error", settleErr)
	}
}

func (c *Consumer) invoke(ctx context.Context, msg domain.Message, handler domain.MessageHandler) (disposition domain.Disposition, err error) {
	defer func() {
		if r := recover(); r != nil {
			disposition = domain.Requeue
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
