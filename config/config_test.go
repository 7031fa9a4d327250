package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsWithoutEnv(t *testing.T) {
	clearTransportEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "amqp-transport", cfg.Name)
	assert.Equal(t, "amq.topic", cfg.Exchange)
	assert.Equal(t, 10*time.Second, cfg.TimeoutDefault)
	assert.Equal(t, 500, cfg.CacheCapacity)
	assert.True(t, cfg.Private)
}

func TestLoad_PrefersTransportURLOverRabbitMQURL(t *testing.T) {
	clearTransportEnv(t)
	t.Setenv("RABBITMQ_URL", "amqp://fallback/")
	t.Setenv("AMQP_TRANSPORT_URL", "amqp://primary/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "amqp://primary/", cfg.AMQPURL)
}

func TestLoad_FallsBackToRabbitMQURL(t *testing.T) {
	clearTransportEnv(t)
	t.Setenv("RABBITMQ_URL", "amqp://fallback/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "amqp://fallback/", cfg.AMQPURL)
}

func TestGetInt_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("AMQP_TRANSPORT_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getInt("AMQP_TRANSPORT_TEST_INT", 7))
}

func TestGetBool_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("AMQP_TRANSPORT_TEST_BOOL", "not-a-bool")
	assert.Equal(t, true, getBool("AMQP_TRANSPORT_TEST_BOOL", true))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

var transportEnvKeys = []string{
	"AMQP_TRANSPORT_NAME", "AMQP_TRANSPORT_VERSION", "AMQP_TRANSPORT_URL",
	"RABBITMQ_URL", "AMQP_TRANSPORT_DIAL_TIMEOUT", "AMQP_TRANSPORT_EXCHANGE",
	"AMQP_TRANSPORT_HEADERS_EXCHANGE", "AMQP_TRANSPORT_TIMEOUT",
	"AMQP_TRANSPORT_CACHE_SIZE", "AMQP_TRANSPORT_DLX_ENABLED",
	"AMQP_TRANSPORT_DLX_EXCHANGE", "AMQP_TRANSPORT_BIND_HEADERS",
	"AMQP_TRANSPORT_PRIVATE",
}

func clearTransportEnv(t *testing.T) {
	t.Helper()
	for _, key := range transportEnvKeys {
		original, had := os.LookupEnv(key)
		os.Unsetenv(key)
		if had {
			t.Cleanup(func() { os.Setenv(key, original) })
		}
	}
}
