package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one delivery. Deliveries are acknowledged before the
// handler runs, so a returned error is logged and the message is not
// redelivered.
type Handler func(ctx context.Context, delivery Delivery) error

// Phase is the lifecycle phase of a Listen call
type Phase int32

const (
	// PhaseIdle means no Listen call is active
	PhaseIdle Phase = iota
	// PhaseBound means the queue and its bindings are declared
	PhaseBound
	// PhaseConsuming means deliveries are being dispatched to the handler
	PhaseConsuming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBound:
		return "bound"
	case PhaseConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// Subscriber consumes a queue and dispatches its deliveries to a handler
type Subscriber struct {
	manager   *ConnectionManager
	binder    *TopologyBinder
	logger    *slog.Logger
	tagPrefix string
	phase     atomic.Int32
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithConsumerTagPrefix prefixes generated consumer tags
func WithConsumerTagPrefix(prefix string) SubscriberOption {
	return func(s *Subscriber) {
		s.tagPrefix = prefix
	}
}

// NewSubscriber creates a subscriber on top of the role's connection manager
func NewSubscriber(manager *ConnectionManager, binder *TopologyBinder, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		manager:   manager,
		binder:    binder,
		logger:    slog.Default(),
		tagPrefix: "rabbitrelay",
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Phase returns the phase of the most recent Listen call
func (s *Subscriber) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Subscriber) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Listen declares queue, binds it to the fanout exchange when exchange is not
// empty, and dispatches deliveries to handler with auto-acknowledgement. It
// blocks until ctx is cancelled, which returns ctx.Err(), or until the
// connection fails, which invalidates the role's connection and returns the
// failure. Listen never restarts itself.
func (s *Subscriber) Listen(ctx context.Context, queue, exchange string, handler Handler) error {
	if queue == "" {
		return ErrEmptyName
	}
	if handler == nil {
		return fmt.Errorf("%w: handler must not be nil", ErrInvalidConfiguration)
	}

	tag := s.tagPrefix + "-" + uuid.New().String()
	logger := s.logger.With("queue", queue, "consumerTag", tag)

	var (
		ch         Channel
		deliveries <-chan Delivery
	)
	err := s.manager.Do(ctx, func(c Channel) error {
		if err := s.binder.EnsureQueue(c, queue); err != nil {
			return err
		}
		if exchange != "" {
			if err := s.binder.EnsureSubscriberFanoutBinding(c, queue, exchange); err != nil {
				return err
			}
		}
		s.setPhase(PhaseBound)

		d, err := c.Consume(queue, tag, true)
		if err != nil {
			return &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "consume",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
		ch, deliveries = c, d
		return nil
	})
	if err != nil {
		s.setPhase(PhaseIdle)
		if !IsCancellation(err) {
			logger.Error("failed to start consuming", "error", err)
		}
		return err
	}

	s.setPhase(PhaseConsuming)
	defer s.setPhase(PhaseIdle)
	logger.Info("waiting for messages", "exchange", exchange)

	for {
		select {
		case <-ctx.Done():
			s.stop(ch, tag, deliveries, logger)
			logger.Info("listener stopped")
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				err := &ConsumerError{
					Queue:       queue,
					ConsumerTag: tag,
					Op:          "consume",
					Err:         ErrDeliveriesClosed,
					Timestamp:   time.Now(),
				}
				logger.Warn("delivery stream closed", "error", err)
				s.manager.InvalidateChannel(ch, err)
				return err
			}
			s.dispatch(ctx, delivery, handler, logger)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, delivery Delivery, handler Handler, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "messageId", delivery.MessageID, "panic", r)
		}
	}()

	if err := handler(ctx, delivery); err != nil {
		logger.Error("failed to handle message",
			"error", err,
			"messageId", delivery.MessageID,
		)
	}
}

// stop cancels the consumer on its channel if that channel is still current
// and drains whatever the broker flushes before closing the stream
func (s *Subscriber) stop(ch Channel, tag string, deliveries <-chan Delivery, logger *slog.Logger) {
	err := s.manager.WithChannel(ch, func(c Channel) error {
		return c.Cancel(tag)
	})
	if err != nil {
		logger.Debug("consumer cancel skipped", "error", err)
	}

	go func() {
		for range deliveries {
		}
	}()
}
