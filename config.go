package rabbitrelay

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/rabbitrelay/internal/rabbitmq"
	"github.com/glimte/rabbitrelay/internal/reliability"
)

// Endpoint locates the broker and the account used on it
type Endpoint = rabbitmq.Endpoint

// NamingStrategy derives exchange names from target names
type NamingStrategy = rabbitmq.NamingStrategy

// Unbounded retries connection acquisition until it succeeds
const Unbounded = reliability.Unbounded

var (
	// ErrInvalidConfiguration is returned by Config.Validate
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	// ErrMaxRetriesExceeded is matched by errors.Is once connection
	// acquisition has used up MaxRetries attempts
	ErrMaxRetriesExceeded = reliability.ErrMaxRetriesExceeded
)

// Config holds what both roles of a Client share
type Config struct {
	Endpoint Endpoint

	// MaxRetries is the total number of connection attempts per acquisition.
	// Unbounded (-1) never gives up; 0 and 1 both mean a single attempt.
	MaxRetries int
	RetryDelay time.Duration

	// Naming defaults to DefaultNaming when both functions are nil
	Naming NamingStrategy
}

// DefaultNaming maps a target to "<target>.direct" and "<target>.fanout"
var DefaultNaming = rabbitmq.DefaultNaming

// DefaultConfig returns the local broker with unbounded one second retries
func DefaultConfig() Config {
	return Config{
		Endpoint:   rabbitmq.DefaultEndpoint(),
		MaxRetries: Unbounded,
		RetryDelay: time.Second,
		Naming:     DefaultNaming,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Endpoint.Port < 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Endpoint.Port)
	}
	if c.MaxRetries < Unbounded {
		return fmt.Errorf("%w: max retries must be -1 or greater, got %d", ErrInvalidConfiguration, c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfiguration)
	}
	if strings.ContainsAny(c.Endpoint.Host, "/@ ") {
		return fmt.Errorf("%w: invalid host %q", ErrInvalidConfiguration, c.Endpoint.Host)
	}
	return nil
}

// ConfigFromEnv starts from DefaultConfig and overrides it with
// <PREFIX>_HOST, _PORT, _VHOST, _ACCOUNT, _CREDENTIAL, _RETRY_ATTEMPTS and
// _RETRY_DELAY. The delay accepts a Go duration or a number of seconds.
func ConfigFromEnv(prefix string) (Config, error) {
	cfg := DefaultConfig()
	key := func(name string) string {
		if prefix == "" {
			return name
		}
		return strings.ToUpper(prefix) + "_" + name
	}

	if v, ok := os.LookupEnv(key("HOST")); ok {
		cfg.Endpoint.Host = v
	}
	if v, ok := os.LookupEnv(key("VHOST")); ok {
		cfg.Endpoint.VHost = v
	}
	if v, ok := os.LookupEnv(key("ACCOUNT")); ok {
		cfg.Endpoint.Account = v
	}
	if v, ok := os.LookupEnv(key("CREDENTIAL")); ok {
		cfg.Endpoint.Credential = v
	}
	if v, ok := os.LookupEnv(key("PORT")); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, key("PORT"), err)
		}
		cfg.Endpoint.Port = port
	}
	if v, ok := os.LookupEnv(key("RETRY_ATTEMPTS")); ok {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, key("RETRY_ATTEMPTS"), err)
		}
		cfg.MaxRetries = attempts
	}
	if v, ok := os.LookupEnv(key("RETRY_DELAY")); ok {
		delay, err := parseDelay(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, key("RETRY_DELAY"), err)
		}
		cfg.RetryDelay = delay
	}

	return cfg, cfg.Validate()
}

// parseDelay accepts seconds as a number ("1.5") or a Go duration ("1500ms")
func parseDelay(v string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.ParseDuration(v)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("delay %q is not a finite number", v)
	}
	if seconds < 0 || seconds > float64(math.MaxInt64)/float64(time.Second) {
		return 0, fmt.Errorf("delay %q is out of range", v)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (c Config) retrySpec() reliability.RetrySpec {
	return reliability.RetrySpec{
		MaxAttempts: c.MaxRetries,
		Delay:       c.RetryDelay,
		Retryable:   rabbitmq.DefaultRetryable,
	}
}
