package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
	"github.com/glimte/rabbitrelay/internal/rabbitmq/rabbitmqtest"
)

func newSubscriber(broker *rabbitmqtest.Broker) (*rabbitmq.Subscriber, *rabbitmq.ConnectionManager) {
	cm := newManager(broker)
	binder := rabbitmq.NewTopologyBinder(rabbitmq.DefaultNaming)
	return rabbitmq.NewSubscriber(cm, binder,
		rabbitmq.WithSubscriberLogger(quietLogger()),
		rabbitmq.WithConsumerTagPrefix("test"),
	), cm
}

// collector gathers deliveries from a handler
type collector struct {
	mu         sync.Mutex
	deliveries []rabbitmq.Delivery
}

func (c *collector) handle(_ context.Context, d rabbitmq.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
	return nil
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.deliveries))
	for _, d := range c.deliveries {
		out = append(out, string(d.Body))
	}
	return out
}

func (c *collector) all() []rabbitmq.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rabbitmq.Delivery(nil), c.deliveries...)
}

// listen runs Listen in the background and returns its result channel
func listen(ctx context.Context, sub *rabbitmq.Subscriber, queue, exchange string, handler rabbitmq.Handler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- sub.Listen(ctx, queue, exchange, handler)
	}()
	return done
}

func waitForConsumer(t *testing.T, broker *rabbitmqtest.Broker, queue string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return broker.Consumers(queue) == 1
	}, time.Second, time.Millisecond)
}

func waitForError(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
		return nil
	}
}

func TestListen(t *testing.T) {
	t.Run("receives direct messages and stops cleanly", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, subManager := newSubscriber(broker)
		pub, _ := newPublisher(broker)
		got := &collector{}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := listen(ctx, sub, "orders", "", got.handle)
		waitForConsumer(t, broker, "orders")
		require.Eventually(t, func() bool {
			return sub.Phase() == rabbitmq.PhaseConsuming
		}, time.Second, time.Millisecond)

		for _, body := range []string{"one", "two", "three"} {
			require.NoError(t, pub.PublishDirect(context.Background(), "orders", []byte(body)))
		}

		require.Eventually(t, func() bool {
			return len(got.bodies()) == 3
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"one", "two", "three"}, got.bodies())

		ids := map[string]bool{}
		for _, d := range got.all() {
			assert.Equal(t, rabbitmq.DefaultContentType, d.ContentType)
			assert.Equal(t, "orders.direct", d.Exchange)
			assert.NotEmpty(t, d.MessageID)
			assert.False(t, d.Timestamp.IsZero())
			ids[d.MessageID] = true
		}
		assert.Len(t, ids, 3)

		dialsBefore := broker.Dials()
		cancel()
		err := waitForError(t, done)

		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, rabbitmq.IsCancellation(err))
		assert.Equal(t, rabbitmq.StateReady, subManager.State())
		assert.Equal(t, dialsBefore, broker.Dials())
		assert.Equal(t, rabbitmq.PhaseIdle, sub.Phase())
		assert.Equal(t, 0, broker.Consumers("orders"))
	})

	t.Run("messages published before listening are delivered", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)
		pub, _ := newPublisher(broker)
		got := &collector{}

		require.NoError(t, pub.PublishDirect(context.Background(), "orders", []byte("early")))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := listen(ctx, sub, "orders", "", got.handle)

		require.Eventually(t, func() bool {
			return len(got.bodies()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"early"}, got.bodies())

		cancel()
		assert.ErrorIs(t, waitForError(t, done), context.Canceled)
	})

	t.Run("fanout exchange reaches every subscriber queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)
		pub, _ := newPublisher(broker)
		q1, q2 := &collector{}, &collector{}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done1 := listen(ctx, sub, "q1", "events.fanout", q1.handle)
		done2 := listen(ctx, sub, "q2", "events.fanout", q2.handle)
		waitForConsumer(t, broker, "q1")
		waitForConsumer(t, broker, "q2")
		assert.True(t, broker.HasBinding("q1", "events.fanout", ""))

		require.NoError(t, pub.PublishFanout(context.Background(), "events", []byte("broadcast")))

		require.Eventually(t, func() bool {
			return len(q1.bodies()) == 1 && len(q2.bodies()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"broadcast"}, q1.bodies())
		assert.Equal(t, []string{"broadcast"}, q2.bodies())

		cancel()
		assert.ErrorIs(t, waitForError(t, done1), context.Canceled)
		assert.ErrorIs(t, waitForError(t, done2), context.Canceled)
	})

	t.Run("handler errors and panics do not stop the loop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)
		pub, _ := newPublisher(broker)
		got := &collector{}

		handler := func(ctx context.Context, d rabbitmq.Delivery) error {
			switch string(d.Body) {
			case "fail":
				return errors.New("handler failed")
			case "panic":
				panic("handler panicked")
			}
			return got.handle(ctx, d)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := listen(ctx, sub, "orders", "", handler)
		waitForConsumer(t, broker, "orders")

		for _, body := range []string{"fail", "panic", "ok"} {
			require.NoError(t, pub.PublishDirect(context.Background(), "orders", []byte(body)))
		}

		require.Eventually(t, func() bool {
			return len(got.bodies()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"ok"}, got.bodies())

		cancel()
		assert.ErrorIs(t, waitForError(t, done), context.Canceled)
	})
}

func TestListenConnectionLoss(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	sub, cm := newSubscriber(broker)
	got := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := listen(ctx, sub, "orders", "", got.handle)
	waitForConsumer(t, broker, "orders")

	broker.CloseConnections()
	err := waitForError(t, done)

	var consumerErr *rabbitmq.ConsumerError
	require.ErrorAs(t, err, &consumerErr)
	assert.Equal(t, "orders", consumerErr.Queue)
	assert.ErrorIs(t, err, rabbitmq.ErrDeliveriesClosed)
	assert.True(t, rabbitmq.IsRetryable(err))
	assert.Equal(t, rabbitmq.StateAbsent, cm.State())
	assert.Equal(t, rabbitmq.PhaseIdle, sub.Phase())

	t.Run("listening again reconnects", func(t *testing.T) {
		pub, _ := newPublisher(broker)
		done := listen(ctx, sub, "orders", "", got.handle)
		waitForConsumer(t, broker, "orders")

		require.NoError(t, pub.PublishDirect(context.Background(), "orders", []byte("after restart")))
		require.Eventually(t, func() bool {
			return len(got.bodies()) == 1
		}, time.Second, time.Millisecond)

		cancel()
		assert.ErrorIs(t, waitForError(t, done), context.Canceled)
	})
}

func TestListenErrors(t *testing.T) {
	noop := func(context.Context, rabbitmq.Delivery) error { return nil }

	t.Run("empty queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)

		err := sub.Listen(context.Background(), "", "", noop)
		assert.ErrorIs(t, err, rabbitmq.ErrEmptyName)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("nil handler", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)

		err := sub.Listen(context.Background(), "orders", "", nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("consume failure is wrapped and drops the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.Fail(rabbitmqtest.OpConsume, amqp.ErrClosed)
		sub, cm := newSubscriber(broker)

		err := sub.Listen(context.Background(), "orders", "", noop)

		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
		assert.Equal(t, rabbitmq.StateAbsent, cm.State())
		assert.Equal(t, rabbitmq.PhaseIdle, sub.Phase())
	})

	t.Run("cancelled before start", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sub, _ := newSubscriber(broker)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := sub.Listen(ctx, "orders", "", noop)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, broker.Dials())
	})
}
