// Package rabbitmq provides the broker-facing core of rabbitrelay.
//
// This package includes:
//   - Dialer, Connection, Channel: the broker client capability, with an
//     amqp091-go implementation (AMQPDialer)
//   - ConnectionManager: owns one connection and one channel per role,
//     rebuilding both after any connection or channel level failure
//   - TopologyBinder: idempotent declaration of direct and fanout topology
//   - Publisher: one message per call to a direct or fanout target
//   - Subscriber: a blocking, cancellable receive loop with auto-ack
//
// Failures are classified by Classify into the kinds understood by the
// reliability package. Only connection acquisition is retried; failures of
// declare, bind, publish or consume invalidate the role's connection and are
// returned to the caller.
package rabbitmq
