package rabbitrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Endpoint.Host)
	assert.Equal(t, 5672, cfg.Endpoint.Port)
	assert.Equal(t, Unbounded, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero value", func(c *Config) { *c = Config{} }, true},
		{"single attempt", func(c *Config) { c.MaxRetries = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -5 }, false},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }, false},
		{"port out of range", func(c *Config) { c.Endpoint.Port = 70000 }, false},
		{"host with credentials", func(c *Config) { c.Endpoint.Host = "user@rabbit" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("reads every variable", func(t *testing.T) {
		t.Setenv("RELAY_HOST", "rabbit")
		t.Setenv("RELAY_PORT", "5673")
		t.Setenv("RELAY_VHOST", "staging")
		t.Setenv("RELAY_ACCOUNT", "user")
		t.Setenv("RELAY_CREDENTIAL", "secret")
		t.Setenv("RELAY_RETRY_ATTEMPTS", "5")
		t.Setenv("RELAY_RETRY_DELAY", "250ms")

		cfg, err := ConfigFromEnv("relay")
		require.NoError(t, err)

		assert.Equal(t, Endpoint{Host: "rabbit", Port: 5673, VHost: "staging", Account: "user", Credential: "secret"}, cfg.Endpoint)
		assert.Equal(t, 5, cfg.MaxRetries)
		assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	})

	t.Run("unset variables keep defaults", func(t *testing.T) {
		cfg, err := ConfigFromEnv("RELAY_UNSET_TEST")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Endpoint, cfg.Endpoint)
		assert.Equal(t, Unbounded, cfg.MaxRetries)
	})

	t.Run("delay in seconds", func(t *testing.T) {
		t.Setenv("RELAY_RETRY_DELAY", "2")

		cfg, err := ConfigFromEnv("RELAY")
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	})

	t.Run("malformed port", func(t *testing.T) {
		t.Setenv("RELAY_PORT", "amqp")

		_, err := ConfigFromEnv("RELAY")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	for _, delay := range []string{"NaN", "Inf", "-Inf", "1e300", "-1", "soon"} {
		t.Run("malformed retry delay "+delay, func(t *testing.T) {
			t.Setenv("RELAY_RETRY_DELAY", delay)

			_, err := ConfigFromEnv("RELAY")
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), "RELAY_RETRY_DELAY")
		})
	}

	t.Run("out of range retries", func(t *testing.T) {
		t.Setenv("RELAY_RETRY_ATTEMPTS", "-3")

		_, err := ConfigFromEnv("RELAY")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}
