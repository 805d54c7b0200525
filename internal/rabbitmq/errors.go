package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitrelay/internal/reliability"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrDeliveriesClosed = fmt.Errorf("rabbitmq: delivery stream closed: %w", ErrChannelClosed)

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrEmptyName            = fmt.Errorf("%w: name must not be empty", ErrInvalidConfiguration)
)

// Failure kinds observed on the wire. The first three are transient and
// make up DefaultRetryable.
const (
	KindConnectionClosed        reliability.FailureKind = "connection-closed-by-peer"
	KindChannelInvalidState     reliability.FailureKind = "channel-invalid-state"
	KindConnectionEstablishment reliability.FailureKind = "connection-establishment-failure"
	KindAuthentication          reliability.FailureKind = "authentication"
	KindProtocol                reliability.FailureKind = "protocol"
	KindInvalidArgument         reliability.FailureKind = "invalid-argument"
)

// DefaultRetryable lists the transient failure kinds
var DefaultRetryable = []reliability.FailureKind{
	KindConnectionClosed,
	KindChannelInvalidState,
	KindConnectionEstablishment,
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Endpoint, without credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Classify maps err onto a failure kind. It is the classifier behind every
// retry policy built by this package.
func Classify(err error) reliability.FailureKind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reliability.KindCancelled
	case errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidArgument
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return classifyCode(amqpErr.Code)
	}

	switch {
	case errors.Is(err, ErrChannelClosed):
		return KindChannelInvalidState
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnectionClosed
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Op == "connect" {
		return KindConnectionEstablishment
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectionEstablishment
	}

	var chanErr *ChannelError
	if errors.As(err, &chanErr) {
		return KindChannelInvalidState
	}

	return reliability.KindUnknown
}

func classifyCode(code int) reliability.FailureKind {
	switch code {
	case amqp.ConnectionForced, amqp.FrameError, amqp.UnexpectedFrame, amqp.InternalError:
		return KindConnectionClosed
	case amqp.ChannelError, amqp.ResourceError:
		return KindChannelInvalidState
	case amqp.AccessRefused:
		return KindAuthentication
	default:
		return KindProtocol
	}
}

// IsRetryable reports whether err is one of the transient failure kinds
func IsRetryable(err error) bool {
	kind := Classify(err)
	for _, k := range DefaultRetryable {
		if k == kind {
			return true
		}
	}
	return false
}

// IsCancellation reports whether err is a clean stop rather than a failure
func IsCancellation(err error) bool {
	return Classify(err) == reliability.KindCancelled
}

// invalidates reports whether err means the cached connection or channel
// can no longer be trusted
func invalidates(err error) bool {
	return IsRetryable(err)
}
