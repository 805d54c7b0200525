package rabbitmq

import (
	"context"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing rule of an exchange
type ExchangeKind string

const (
	// ExchangeDirect routes on exact routing key match
	ExchangeDirect ExchangeKind = amqp.ExchangeDirect
	// ExchangeFanout delivers to every bound queue
	ExchangeFanout ExchangeKind = amqp.ExchangeFanout
)

// Endpoint identifies the broker and the account used to reach it
type Endpoint struct {
	Host       string
	Port       int
	VHost      string
	Account    string
	Credential string
}

// DefaultEndpoint returns the local broker endpoint with no account set
func DefaultEndpoint() Endpoint {
	return Endpoint{
		Host:  "localhost",
		Port:  5672,
		VHost: "/",
	}
}

func (e Endpoint) withDefaults() Endpoint {
	def := DefaultEndpoint()
	if e.Host == "" {
		e.Host = def.Host
	}
	if e.Port == 0 {
		e.Port = def.Port
	}
	if e.VHost == "" {
		e.VHost = def.VHost
	}
	return e
}

// URL renders the endpoint as an amqp:// URI including the credential
func (e Endpoint) URL() string {
	e = e.withDefaults()
	return amqp.URI{
		Scheme:   "amqp",
		Host:     e.Host,
		Port:     e.Port,
		Username: e.Account,
		Password: e.Credential,
		Vhost:    e.VHost,
	}.String()
}

// String renders the endpoint for logs, without the credential
func (e Endpoint) String() string {
	e = e.withDefaults()
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.Account != "" {
		addr = e.Account + "@" + addr
	}
	return addr + e.VHost
}

// Message is a single outgoing payload
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
}

// Delivery is a single message received from a queue
type Delivery struct {
	Body        []byte
	Exchange    string
	RoutingKey  string
	ConsumerTag string
	MessageID   string
	ContentType string
	Timestamp   time.Time
}

// Dialer establishes connections to a broker
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// Connection is a live session with the broker
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is a multiplexed session over a Connection. Implementations are
// not required to be safe for concurrent use; ConnectionManager serializes
// access.
type Channel interface {
	ExchangeDeclare(name string, kind ExchangeKind, durable, autoDelete bool) error
	QueueDeclare(name string, durable bool) error
	QueueBind(queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Consume starts delivering messages from queue. The returned stream is
	// closed when the consumer is cancelled or the channel dies.
	Consume(queue, consumerTag string, autoAck bool) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	IsClosed() bool
}

// AMQPDialer dials RabbitMQ through amqp091-go
type AMQPDialer struct {
	ConnectionName string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
}

// NewAMQPDialer creates a dialer with the library defaults
func NewAMQPDialer(connectionName string) *AMQPDialer {
	return &AMQPDialer{
		ConnectionName: connectionName,
		Heartbeat:      10 * time.Second,
		DialTimeout:    30 * time.Second,
	}
}

// Dial implements Dialer
func (d *AMQPDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}
	cfg := amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(d.DialTimeout),
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(endpoint.URL(), cfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       endpoint.String(),
				Err:       r.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}
		return &amqpConnection{conn: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) ExchangeDeclare(name string, kind ExchangeKind, durable, autoDelete bool) error {
	return c.ch.ExchangeDeclare(
		name,
		string(kind),
		durable,
		autoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
}

func (c *amqpChannel) QueueDeclare(name string, durable bool) error {
	_, err := c.ch.QueueDeclare(
		name,
		durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (c *amqpChannel) QueueBind(queue, exchange, routingKey string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	return c.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: msg.ContentType,
			MessageId:   msg.MessageID,
			Timestamp:   msg.Timestamp,
			Body:        msg.Body,
		},
	)
}

func (c *amqpChannel) Consume(queue, consumerTag string, autoAck bool) (<-chan Delivery, error) {
	deliveries, err := c.ch.Consume(
		queue,
		consumerTag,
		autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- Delivery{
				Body:        d.Body,
				Exchange:    d.Exchange,
				RoutingKey:  d.RoutingKey,
				ConsumerTag: d.ConsumerTag,
				MessageID:   d.MessageId,
				ContentType: d.ContentType,
				Timestamp:   d.Timestamp,
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) IsClosed() bool {
	return c.ch.IsClosed()
}

var _ Dialer = (*AMQPDialer)(nil)
