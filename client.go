// Copyright 2024 Rabbitrelay Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/rabbitrelay/health"
	"github.com/glimte/rabbitrelay/interceptors"
	"github.com/glimte/rabbitrelay/internal/rabbitmq"
)

// Role names, also used as the connection name suffix shown by the broker
const (
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"
)

type (
	// Delivery is one received message
	Delivery = rabbitmq.Delivery
	// Handler processes one delivery; it runs after the message is acknowledged
	Handler = rabbitmq.Handler
	// Dialer opens broker connections
	Dialer = rabbitmq.Dialer
	// ConnectionStateListener receives connection state changes of a role
	ConnectionStateListener = rabbitmq.ConnectionStateListener
	// State is a role's connection state
	State = rabbitmq.State
)

// Client provides the main entry point for rabbitrelay. It holds a publisher
// role and a subscriber role, each with its own connection and channel.
type Client struct {
	config     Config
	logger     *slog.Logger
	publishers *rabbitmq.ConnectionManager
	consumers  *rabbitmq.ConnectionManager
	publisher  *rabbitmq.Publisher
	subscriber *rabbitmq.Subscriber
	chain      *interceptors.Chain
	health     *health.Registry
}

// NewClient creates a client. No connection is made until the first publish
// or listen.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger:      slog.Default(),
		serviceName: "rabbitrelay",
		listeners:   make(map[string][]ConnectionStateListener),
	}
	for _, opt := range options {
		opt(opts)
	}
	for role := range opts.listeners {
		if role != RolePublisher && role != RoleSubscriber {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidConfiguration, role)
		}
	}

	binder := rabbitmq.NewTopologyBinder(cfg.Naming)
	newRole := func(role string) *rabbitmq.ConnectionManager {
		dialer := opts.dialer
		if dialer == nil {
			dialer = rabbitmq.NewAMQPDialer(opts.serviceName + "-" + role)
		}
		connOpts := []rabbitmq.ConnectionOption{
			rabbitmq.WithLogger(opts.logger),
			rabbitmq.WithRetrySpec(cfg.retrySpec()),
		}
		for _, l := range opts.listeners[role] {
			connOpts = append(connOpts, rabbitmq.WithStateListener(l))
		}
		return rabbitmq.NewConnectionManager(role, dialer, cfg.Endpoint, connOpts...)
	}

	c := &Client{
		config:     cfg,
		logger:     opts.logger,
		publishers: newRole(RolePublisher),
		consumers:  newRole(RoleSubscriber),
		chain:      interceptors.NewChain(opts.interceptors...),
	}
	c.publisher = rabbitmq.NewPublisher(c.publishers, binder,
		rabbitmq.WithPublisherLogger(opts.logger.With("role", RolePublisher)),
	)
	c.subscriber = rabbitmq.NewSubscriber(c.consumers, binder,
		rabbitmq.WithSubscriberLogger(opts.logger.With("role", RoleSubscriber)),
		rabbitmq.WithConsumerTagPrefix(opts.serviceName),
	)
	c.health = health.NewRegistry(
		health.NewConnectionChecker(c.publishers),
		health.NewConnectionChecker(c.consumers),
	)

	c.logger.Debug("client created", "endpoint", cfg.Endpoint.String(), "maxRetries", cfg.MaxRetries)
	return c, nil
}

// Config returns the configuration the client was built with
func (c *Client) Config() Config {
	return c.config
}

// PublishDirect sends payload to the queue named target through its direct
// exchange, declaring the topology if needed
func (c *Client) PublishDirect(ctx context.Context, target string, payload []byte) error {
	return c.publisher.PublishDirect(ctx, target, payload)
}

// PublishFanout sends payload to every queue bound to target's fanout
// exchange, declaring target's own queue and binding if needed
func (c *Client) PublishFanout(ctx context.Context, target string, payload []byte) error {
	return c.publisher.PublishFanout(ctx, target, payload)
}

// Listen consumes queue until ctx is cancelled or the connection fails. When
// exchange is not empty the queue is bound to that fanout exchange first.
// Deliveries pass through the client's interceptors before reaching handler.
func (c *Client) Listen(ctx context.Context, queue, exchange string, handler Handler) error {
	if handler != nil {
		handler = c.chain.Then(handler)
	}
	return c.subscriber.Listen(ctx, queue, exchange, handler)
}

// Connect establishes both roles' connections ahead of first use
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.publishers.Acquire(ctx); err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	if _, err := c.consumers.Acquire(ctx); err != nil {
		return fmt.Errorf("connect subscriber: %w", err)
	}
	return nil
}

// PublisherState returns the publisher role's connection state
func (c *Client) PublisherState() State {
	return c.publishers.State()
}

// SubscriberState returns the subscriber role's connection state
func (c *Client) SubscriberState() State {
	return c.consumers.State()
}

// Health reports the connection state of both roles
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// Close closes both roles' connections. The client reconnects on next use.
func (c *Client) Close() error {
	var errs []error
	if err := c.publishers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := c.consumers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	return errors.Join(errs...)
}

// IsRetryable reports whether err is transient, so calling again, for
// example Listen after the broker restarted, can succeed
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}

// IsCancellation reports whether err is a clean stop caused by the context
func IsCancellation(err error) bool {
	return rabbitmq.IsCancellation(err)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	dialer       Dialer
	serviceName  string
	listeners    map[string][]ConnectionStateListener
	interceptors []interceptors.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialer replaces the amqp091-go dialer, for both roles
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithServiceName sets the connection name and consumer tag prefix
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithStateListener registers listener on both roles. The callbacks do not
// say which role fired; use WithRoleStateListener to tell them apart.
func WithStateListener(listener ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		for _, role := range []string{RolePublisher, RoleSubscriber} {
			cfg.listeners[role] = append(cfg.listeners[role], listener)
		}
	}
}

// WithRoleStateListener registers listener on one role, RolePublisher or
// RoleSubscriber
func WithRoleStateListener(role string, listener ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners[role] = append(cfg.listeners[role], listener)
	}
}

// WithInterceptors wraps every Listen handler, first interceptor outermost
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
