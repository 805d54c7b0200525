package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is set on every published message
const DefaultContentType = "application/octet-stream"

// Publisher sends one message per call to a direct or fanout target
type Publisher struct {
	manager *ConnectionManager
	binder  *TopologyBinder
	logger  *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on top of the role's connection manager
func NewPublisher(manager *ConnectionManager, binder *TopologyBinder, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager: manager,
		binder:  binder,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishDirect ensures the direct topology for target and publishes payload
// with the routing key used at bind time
func (p *Publisher) PublishDirect(ctx context.Context, target string, payload []byte) error {
	return p.publish(ctx, target, payload, p.binder.EnsureDirectTopology)
}

// PublishFanout ensures the fanout topology for target and publishes payload
// with an empty routing key
func (p *Publisher) PublishFanout(ctx context.Context, target string, payload []byte) error {
	return p.publish(ctx, target, payload, p.binder.EnsureFanoutTopology)
}

type ensureFunc func(ch Channel, target string) (Route, error)

// publish is attempted once. Only connection acquisition inside Do is
// retried; a message lost with a failing channel is reported, not resent.
func (p *Publisher) publish(ctx context.Context, target string, payload []byte, ensure ensureFunc) error {
	if target == "" {
		return ErrEmptyName
	}

	msg := Message{
		Body:        payload,
		ContentType: DefaultContentType,
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now(),
	}

	var route Route
	err := p.manager.Do(ctx, func(ch Channel) error {
		var err error
		route, err = ensure(ch, target)
		if err != nil {
			return err
		}

		if err := ch.Publish(ctx, route.Exchange, route.RoutingKey, msg); err != nil {
			return &PublishError{
				Exchange:   route.Exchange,
				RoutingKey: route.RoutingKey,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Debug("publish failed",
			"target", target,
			"exchange", route.Exchange,
			"error", err,
		)
		return err
	}

	p.logger.Debug("message published",
		"target", target,
		"exchange", route.Exchange,
		"routingKey", route.RoutingKey,
		"messageId", msg.MessageID,
		"size", len(payload),
	)
	return nil
}
