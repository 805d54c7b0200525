// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq broker client interfaces. It routes direct and fanout messages the
// way RabbitMQ does, counts declared entities, and lets tests inject failures.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
)

// Op names a channel operation for fault injection
type Op string

const (
	OpExchangeDeclare Op = "exchange.declare"
	OpQueueDeclare    Op = "queue.declare"
	OpQueueBind       Op = "queue.bind"
	OpPublish         Op = "basic.publish"
	OpConsume         Op = "basic.consume"
	OpCancel          Op = "basic.cancel"
)

// ErrConnectionForced is what the broker sends when it shuts a connection down
var ErrConnectionForced = &amqp.Error{
	Code:   amqp.ConnectionForced,
	Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
	Server: true,
}

const consumerBuffer = 1024

type exchange struct {
	kind       rabbitmq.ExchangeKind
	durable    bool
	autoDelete bool
}

type binding struct {
	queue      string
	exchange   string
	routingKey string
}

type queue struct {
	durable   bool
	messages  []rabbitmq.Delivery
	consumers []*consumer
	next      int
}

type consumer struct {
	tag    string
	queue  string
	out    chan rabbitmq.Delivery
	closed bool
}

// Broker is an in-memory AMQP broker. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  map[binding]struct{}
	conns     []*Connection

	dials          int
	channelsOpened int
	published      int

	dialErrs    []error
	channelErrs []error
	faults      map[Op][]error
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[binding]struct{}),
		faults:    make(map[Op][]error),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context, endpoint rabbitmq.Endpoint) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, &rabbitmq.ConnectionError{
			Op:        "connect",
			URL:       endpoint.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next len(errs) dials fail, in order
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// FailChannels makes the next len(errs) channel opens fail, in order
func (b *Broker) FailChannels(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErrs = append(b.channelErrs, errs...)
}

// Fail makes the next call of op on any channel fail with err. Connection
// level errors also close the connection the channel belongs to, as a real
// broker would.
func (b *Broker) Fail(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], err)
}

// CloseConnections closes every open connection as if the broker restarted.
// Queues, exchanges and pending messages survive.
func (b *Broker) CloseConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked()
	}
	b.conns = nil
}

// Dials returns the number of Dial calls
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ChannelsOpened returns the number of channels successfully opened
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

// OpenConnections returns the number of connections that are not closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Published returns the number of accepted publishes
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// ExchangeCount returns the number of declared exchanges
func (b *Broker) ExchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// QueueCount returns the number of declared queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// BindingCount returns the number of distinct bindings
func (b *Broker) BindingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (rabbitmq.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex.kind, ok
}

// HasBinding reports whether queue is bound to exchange with routingKey
func (b *Broker) HasBinding(queue, exchange, routingKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[binding{queue: queue, exchange: exchange, routingKey: routingKey}]
	return ok
}

// Messages returns the bodies waiting in queue without consuming them
func (b *Broker) Messages(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	bodies := make([][]byte, 0, len(q.messages))
	for _, m := range q.messages {
		bodies = append(bodies, m.Body)
	}
	return bodies
}

// Consumers returns the number of active consumers on queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// fault pops the next injected error for op
func (b *Broker) fault(op Op) error {
	errs := b.faults[op]
	if len(errs) == 0 {
		return nil
	}
	b.faults[op] = errs[1:]
	return errs[0]
}

func (b *Broker) route(exchangeName, routingKey string, msg rabbitmq.Message) {
	ex := b.exchanges[exchangeName]
	for bnd := range b.bindings {
		if bnd.exchange != exchangeName {
			continue
		}
		if ex.kind == rabbitmq.ExchangeDirect && bnd.routingKey != routingKey {
			continue
		}
		q, ok := b.queues[bnd.queue]
		if !ok {
			continue
		}
		q.messages = append(q.messages, rabbitmq.Delivery{
			Body:        append([]byte(nil), msg.Body...),
			Exchange:    exchangeName,
			RoutingKey:  routingKey,
			MessageID:   msg.MessageID,
			ContentType: msg.ContentType,
			Timestamp:   msg.Timestamp,
		})
		b.dispatchLocked(q)
	}
}

// dispatchLocked hands waiting messages to consumers round robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		d := q.messages[0]
		d.ConsumerTag = c.tag
		select {
		case c.out <- d:
			q.messages = q.messages[1:]
			q.next++
		default:
			return
		}
	}
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
	if q, ok := b.queues[c.queue]; ok {
		for i, other := range q.consumers {
			if other == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
	}
}

// Connection is an in-memory connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels []*Channel
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if len(b.channelErrs) > 0 {
		err := b.channelErrs[0]
		b.channelErrs = b.channelErrs[1:]
		return nil, err
	}

	ch := &Channel{conn: c, id: len(c.channels) + 1, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	b.channelsOpened++
	return ch, nil
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) closeLocked() {
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
}

// Channel is an in-memory channel
type Channel struct {
	conn      *Connection
	id        int
	closed    bool
	consumers map[string]*consumer
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.conn.broker.removeConsumerLocked(c)
	}
	ch.consumers = map[string]*consumer{}
}

// enter checks the channel is usable and applies injected faults. It must
// be called with the broker lock held.
func (ch *Channel) enter(op Op) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ch.conn.broker.fault(op); err != nil {
		ch.fail(err)
		return err
	}
	return nil
}

// fail closes what a real broker would close after err
func (ch *Channel) fail(err error) {
	amqpErr, ok := err.(*amqp.Error)
	if !ok {
		return
	}
	switch amqpErr.Code {
	case amqp.ConnectionForced, amqp.FrameError, amqp.UnexpectedFrame, amqp.InternalError:
		ch.conn.closeLocked()
	default:
		ch.closeLocked()
	}
}

func (ch *Channel) channelError(code int, format string, args ...interface{}) error {
	err := &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.closeLocked()
	return err
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name string, kind rabbitmq.ExchangeKind, durable, autoDelete bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpExchangeDeclare); err != nil {
		return err
	}
	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable || existing.autoDelete != autoDelete {
			return ch.channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)
		}
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpQueueDeclare); err != nil {
		return err
	}
	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable {
			return ch.channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name)
		}
		return nil
	}
	b.queues[name] = &queue{durable: durable}
	return nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(queueName, exchangeName, routingKey string) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpQueueBind); err != nil {
		return err
	}
	if _, ok := b.queues[queueName]; !ok {
		return ch.channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if b.exchanges[exchangeName].kind == rabbitmq.ExchangeFanout {
		routingKey = ""
	}
	b.bindings[binding{queue: queueName, exchange: exchangeName, routingKey: routingKey}] = struct{}{}
	return nil
}

// Publish implements rabbitmq.Channel
func (ch *Channel) Publish(ctx context.Context, exchangeName, routingKey string, msg rabbitmq.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpPublish); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	b.published++
	b.route(exchangeName, routingKey, msg)
	return nil
}

// Consume implements rabbitmq.Channel. Only auto-ack consumers are modelled.
func (ch *Channel) Consume(queueName, consumerTag string, autoAck bool) (<-chan rabbitmq.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpConsume); err != nil {
		return nil, err
	}
	if !autoAck {
		return nil, ch.channelError(amqp.NotImplemented, "NOT_IMPLEMENTED - manual acknowledgement")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if _, ok := ch.consumers[consumerTag]; ok {
		return nil, ch.channelError(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)
	}

	c := &consumer{
		tag:   consumerTag,
		queue: queueName,
		out:   make(chan rabbitmq.Delivery, consumerBuffer),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(consumerTag string) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.enter(OpCancel); err != nil {
		return err
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	b.removeConsumerLocked(c)
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.closed
}

var (
	_ rabbitmq.Dialer     = (*Broker)(nil)
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
)
