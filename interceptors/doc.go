// Package interceptors wraps delivery handlers with cross-cutting behaviour.
//
// A Chain runs its interceptors in the order they were added and then calls
// the final handler:
//
//	counters := interceptors.NewCounters()
//	handler := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewMetricsInterceptor(counters),
//		interceptors.NewTimeoutInterceptor(5*time.Second),
//	).Then(handle)
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each delivery with its processing time
//   - MetricsInterceptor: counts deliveries, errors and time per exchange
//   - TimeoutInterceptor: bounds handler run time
//   - FilteringInterceptor: drops deliveries rejected by a MessageFilter
//
// Deliveries are acknowledged before any interceptor runs, so an error
// returned from the chain is logged by the subscriber and the message is not
// redelivered.
package interceptors
