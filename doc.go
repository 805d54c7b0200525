// Package rabbitrelay is a small, resilient RabbitMQ client for two messaging
// patterns: direct (one queue per target) and fanout (broadcast to every
// bound queue).
//
// A Client keeps one connection and one channel per role, one for publishing
// and one for consuming. Both are created lazily, dropped as soon as the
// broker closes them or a channel level error is seen, and rebuilt on the next
// call with a fixed-delay retry:
//
//	client, err := rabbitrelay.NewClient(rabbitrelay.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.PublishDirect(ctx, "orders", []byte("hello"))
//
//	err = client.Listen(ctx, "audit", "orders.fanout",
//		func(ctx context.Context, d rabbitrelay.Delivery) error {
//			log.Printf("received %s", d.Body)
//			return nil
//		})
//
// Topology is declared on every call and is non-durable: exchanges
// "<target>.direct" and "<target>.fanout", and a queue named after the
// target. Deliveries are auto-acknowledged.
//
// Only connection acquisition is retried. A publish that fails after the
// connection was acquired is reported to the caller, and Listen returns when
// its delivery stream closes; IsRetryable tells whether calling again makes
// sense.
package rabbitrelay
