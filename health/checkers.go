package health

import (
	"context"
	"time"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
)

// StateSource is what ConnectionChecker reads; *rabbitmq.ConnectionManager
// satisfies it
type StateSource interface {
	Role() string
	State() rabbitmq.State
	Endpoint() rabbitmq.Endpoint
}

// ConnectionChecker reports the state of one role's connection. It never
// touches the network, so it cannot trigger a reconnect.
type ConnectionChecker struct {
	source StateSource
}

// NewConnectionChecker creates a checker for the given role
func NewConnectionChecker(source StateSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_" + c.source.Role()
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"role":     c.source.Role(),
			"state":    state.String(),
			"endpoint": c.source.Endpoint().String(),
		},
	}

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "Connection is ready"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Reconnecting to broker"
	case rabbitmq.StateAbsent:
		result.Status = StatusDegraded
		result.Message = "Not connected yet"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Unknown connection state"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)

	return result
}

var _ StateSource = (*rabbitmq.ConnectionManager)(nil)
