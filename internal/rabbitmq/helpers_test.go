package rabbitmq_test

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
	"github.com/glimte/rabbitrelay/internal/rabbitmq/rabbitmqtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(broker *rabbitmqtest.Broker, options ...rabbitmq.ConnectionOption) *rabbitmq.ConnectionManager {
	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(quietLogger()),
		rabbitmq.WithReconnectDelay(time.Millisecond),
	}, options...)
	return rabbitmq.NewConnectionManager("test", broker, rabbitmq.DefaultEndpoint(), opts...)
}

// recordingListener tracks connection state changes
type recordingListener struct {
	mu       sync.Mutex
	events   []string
	attempts []int
	lastErr  error
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "connected")
}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "disconnected")
	l.lastErr = err
}

func (l *recordingListener) OnReconnecting(attempt int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "reconnecting")
	l.attempts = append(l.attempts, attempt)
	l.lastErr = err
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) Attempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...)
}

func (l *recordingListener) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
