package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
)

// MessageFilter decides whether a delivery reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, delivery rabbitmq.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, delivery rabbitmq.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, delivery rabbitmq.Delivery) (bool, error) {
	return f(ctx, delivery)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the delivery without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns an error when a delivery is filtered
	SkipWithError
	// SkipWithLog logs that the delivery was skipped
	SkipWithLog
)

// FilteringInterceptor filters deliveries based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, delivery)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("message filtered: exchange=%s, id=%s", delivery.Exchange, delivery.MessageID)
		case SkipWithLog:
			i.logger.Info("message skipped", "messageId", delivery.MessageID, "exchange", delivery.Exchange)
			return nil
		default:
			return nil
		}
	}

	return next(ctx, delivery)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// ExchangeFilter lets through deliveries published to one of the exchanges
type ExchangeFilter struct {
	allowed map[string]struct{}
}

// NewExchangeFilter creates a filter for the given exchanges
func NewExchangeFilter(exchanges ...string) *ExchangeFilter {
	allowed := make(map[string]struct{}, len(exchanges))
	for _, e := range exchanges {
		allowed[e] = struct{}{}
	}
	return &ExchangeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *ExchangeFilter) ShouldProcess(_ context.Context, delivery rabbitmq.Delivery) (bool, error) {
	_, ok := f.allowed[delivery.Exchange]
	return ok, nil
}

// MaxSizeFilter drops bodies larger than a limit
type MaxSizeFilter struct {
	limit int
}

// NewMaxSizeFilter creates a filter accepting bodies of at most limit bytes
func NewMaxSizeFilter(limit int) *MaxSizeFilter {
	return &MaxSizeFilter{limit: limit}
}

// ShouldProcess implements MessageFilter
func (f *MaxSizeFilter) ShouldProcess(_ context.Context, delivery rabbitmq.Delivery) (bool, error) {
	return len(delivery.Body) <= f.limit, nil
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, delivery rabbitmq.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, delivery)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
