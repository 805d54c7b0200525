package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitrelay/internal/reliability"
)

// State is the lifecycle state of a role's connection and channel
type State int

const (
	// StateAbsent means no connection or channel is held
	StateAbsent State = iota
	// StateConnecting is only observed while the retry loop runs
	StateConnecting
	// StateReady means a connection and its channel are cached
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int, err error)
}

// ConnectionManager owns the single connection and channel of one role.
// Every method is safe for concurrent use; callers are serialized on one
// lock so the channel is never used by two goroutines at once.
type ConnectionManager struct {
	role      string
	dialer    Dialer
	endpoint  Endpoint
	retrySpec reliability.RetrySpec
	logger    *slog.Logger

	state atomic.Int32

	mu   sync.Mutex
	conn Connection
	ch   Channel

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithRetrySpec replaces the acquisition retry spec as a whole
func WithRetrySpec(spec reliability.RetrySpec) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retrySpec = spec
	}
}

// WithMaxRetries sets the number of connection attempts, -1 for unbounded
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retrySpec.MaxAttempts = retries
	}
}

// WithReconnectDelay sets the delay between connection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retrySpec.Delay = delay
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.stateListeners = append(cm.stateListeners, listener)
	}
}

// NewConnectionManager creates a connection manager for role. Nothing is
// dialled until the first Acquire.
func NewConnectionManager(role string, dialer Dialer, endpoint Endpoint, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		role:     role,
		dialer:   dialer,
		endpoint: endpoint.withDefaults(),
		retrySpec: reliability.RetrySpec{
			MaxAttempts: reliability.Unbounded,
			Delay:       time.Second,
			Retryable:   DefaultRetryable,
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.logger = cm.logger.With("role", role)
	return cm
}

// Role returns the role name
func (cm *ConnectionManager) Role() string {
	return cm.role
}

// Endpoint returns the endpoint this manager connects to
func (cm *ConnectionManager) Endpoint() Endpoint {
	return cm.endpoint
}

// RetrySpec returns the acquisition retry spec
func (cm *ConnectionManager) RetrySpec() reliability.RetrySpec {
	return cm.retrySpec
}

// State returns the current lifecycle state. It does not wait for the role
// lock, so StateConnecting is visible while an acquisition is retrying.
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

func (cm *ConnectionManager) setState(s State) {
	cm.state.Store(int32(s))
}

// Acquire returns the cached channel, establishing a fresh connection and
// channel first when either is missing or closed
func (cm *ConnectionManager) Acquire(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.acquireLocked(ctx)
}

// Do runs fn with exclusive use of the role's channel. A connection or
// channel level failure returned by fn invalidates the pair before Do
// returns; other errors leave it cached.
func (cm *ConnectionManager) Do(ctx context.Context, fn func(Channel) error) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch, err := cm.acquireLocked(ctx)
	if err != nil {
		return err
	}

	if err := fn(ch); err != nil {
		if invalidates(err) {
			cm.logger.Warn("channel failed, dropping connection", "error", err)
			cm.invalidateLocked(err)
		}
		return err
	}
	return nil
}

// WithChannel runs fn under the role lock only if ch is still the cached
// channel. It is used to act on a channel obtained earlier, such as
// cancelling a consumer, without touching a newer one.
func (cm *ConnectionManager) WithChannel(ch Channel, fn func(Channel) error) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ch == nil || cm.ch != ch {
		return ErrChannelClosed
	}
	return fn(ch)
}

// Invalidate drops the cached connection and channel so the next Acquire
// rebuilds both. Closing the old connection is best effort.
func (cm *ConnectionManager) Invalidate() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.invalidateLocked(nil)
}

// InvalidateChannel drops the pair only if ch is still the cached channel
func (cm *ConnectionManager) InvalidateChannel(ch Channel, cause error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.ch != nil && cm.ch == ch {
		cm.invalidateLocked(cause)
	}
}

// Close releases the connection; the manager can still be used afterwards
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	cm.ch = nil
	cm.setState(StateAbsent)
	return err
}

func (cm *ConnectionManager) acquireLocked(ctx context.Context) (Channel, error) {
	if cm.conn != nil && cm.ch != nil && !cm.conn.IsClosed() && !cm.ch.IsClosed() {
		return cm.ch, nil
	}

	if cm.conn != nil || cm.ch != nil {
		cm.logger.Info("cached channel is closed, reconnecting")
		cm.invalidateLocked(ErrChannelClosed)
	}

	cm.setState(StateConnecting)
	policy := reliability.NewFixedDelay(cm.retrySpec, Classify)

	err := reliability.Retry(ctx, policy, func() error {
		return cm.establishLocked(ctx)
	},
		reliability.WithOperation(cm.role+" connect"),
		reliability.WithRetryLogger(cm.logger),
		reliability.WithRetryNotify(func(attempt int, err error, _ time.Duration) {
			cm.notifyReconnecting(attempt, err)
		}),
	)
	if err != nil {
		cm.setState(StateAbsent)
		cm.logger.Error("failed to connect to broker", "endpoint", cm.endpoint.String(), "error", err)
		return nil, err
	}

	cm.setState(StateReady)
	cm.logger.Info("connected to broker", "endpoint", cm.endpoint.String())
	cm.notifyConnected()
	return cm.ch, nil
}

// establishLocked performs one connect + open-channel attempt
func (cm *ConnectionManager) establishLocked(ctx context.Context) error {
	cm.logger.Debug("connecting to broker", "endpoint", cm.endpoint.String())

	conn, err := cm.dialer.Dial(ctx, cm.endpoint)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cm.logger.Debug("closing half-open connection failed", "error", closeErr)
		}
		return err
	}

	cm.conn = conn
	cm.ch = ch
	return nil
}

func (cm *ConnectionManager) invalidateLocked(cause error) {
	hadConn := cm.conn != nil
	if cm.conn != nil {
		if err := cm.conn.Close(); err != nil {
			cm.logger.Debug("closing broken connection failed", "error", err)
		}
	}
	cm.conn = nil
	cm.ch = nil
	cm.setState(StateAbsent)

	if hadConn {
		cm.notifyDisconnected(cause)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// Listeners are called synchronously, in registration order, while the role
// lock is held. They must not call back into the manager.
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int, err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnReconnecting(attempt, err)
	}
}
