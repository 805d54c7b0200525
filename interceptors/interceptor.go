package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
)

// Interceptor processes a delivery before it reaches the final handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error {
	return i.fn(ctx, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add adds an interceptor to the end of the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then wraps final so every delivery passes through the chain first
func (c *Chain) Then(final rabbitmq.Handler) rabbitmq.Handler {
	if len(c.interceptors) == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, delivery rabbitmq.Delivery) error {
			return interceptor.Intercept(ctx, delivery, next)
		}
	}
	return handler
}

// LoggingInterceptor logs delivery processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", delivery.MessageID,
		"exchange", delivery.Exchange,
		"size", len(delivery.Body),
	)

	err := next(ctx, delivery)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", delivery.MessageID,
			"exchange", delivery.Exchange,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"messageId", delivery.MessageID,
			"exchange", delivery.Exchange,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting metrics. Deliveries
// are keyed by the exchange they were published to.
type MetricsCollector interface {
	IncrementMessageCount(exchange string)
	RecordProcessingTime(exchange string, duration time.Duration)
	IncrementErrorCount(exchange string)
}

// MetricsInterceptor collects metrics about delivery processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error {
	start := time.Now()
	i.collector.IncrementMessageCount(delivery.Exchange)

	err := next(ctx, delivery)

	i.collector.RecordProcessingTime(delivery.Exchange, time.Since(start))
	if err != nil {
		i.collector.IncrementErrorCount(delivery.Exchange)
	}
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// Stats is a snapshot of one exchange's counters
type Stats struct {
	Messages      int
	Errors        int
	TotalDuration time.Duration
}

// Counters is an in-memory MetricsCollector
type Counters struct {
	mu    sync.Mutex
	stats map[string]Stats
}

// NewCounters creates an empty collector
func NewCounters() *Counters {
	return &Counters{stats: make(map[string]Stats)}
}

func (c *Counters) IncrementMessageCount(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[exchange]
	s.Messages++
	c.stats[exchange] = s
}

func (c *Counters) RecordProcessingTime(exchange string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[exchange]
	s.TotalDuration += duration
	c.stats[exchange] = s
}

func (c *Counters) IncrementErrorCount(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[exchange]
	s.Errors++
	c.stats[exchange] = s
}

// Snapshot returns a copy of the counters
func (c *Counters) Snapshot() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Stats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Total sums the counters across exchanges
func (c *Counters) Total() Stats {
	var total Stats
	for _, s := range c.Snapshot() {
		total.Messages += s.Messages
		total.Errors += s.Errors
		total.TotalDuration += s.TotalDuration
	}
	return total
}

// TimeoutInterceptor bounds how long a handler may run. The handler keeps
// its goroutine after a timeout; it should watch ctx.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, delivery rabbitmq.Delivery, next rabbitmq.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next(timeoutCtx, delivery)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for message %s", i.timeout, delivery.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
