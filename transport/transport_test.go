package transport

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/amqp-transport/config"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := &config.Config{
		Name:            "test-service",
		Version:         "1.0.0",
		Exchange:        "amq.topic",
		HeadersExchange: "amq.headers",
		CacheCapacity:   100,
	}
	tr, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func noopHandler(ctx context.Context, message interface{}, props Properties, raw amqp.Delivery, reply ReplyFunc) {}

func TestAppID_IsJSONWithNameHostPid(t *testing.T) {
	tr := newTestTransport(t)
	raw := tr.appID()

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "test-service", m["name"])
	assert.Equal(t, "1.0.0", m["version"])
	assert.NotEmpty(t, m["host"])
	assert.NotZero(t, m["pid"])
}

func TestPrivateQueueName_HasStablePrefix(t *testing.T) {
	a := privateQueueName()
	b := privateQueueName()
	assert.Contains(t, a, "microfleet.")
	assert.NotEqual(t, a, b, "each private queue name must be unique")
}

func TestQueueOptionsFor_AutoGeneratedVsNamed(t *testing.T) {
	anon := queueOptionsFor("", nil)
	assert.True(t, anon.AutoDelete)
	assert.False(t, anon.Durable)

	named := queueOptionsFor("my-queue", nil)
	assert.False(t, named.AutoDelete)
	assert.True(t, named.Durable)
	assert.Equal(t, "my-queue", named.Name)
}

func TestContainsWildcard(t *testing.T) {
	assert.True(t, containsWildcard("orders.*.created"))
	assert.True(t, containsWildcard("orders.#"))
	assert.False(t, containsWildcard("orders.created"))
}

func TestMergeTables(t *testing.T) {
	base := amqp.Table{"a": 1}
	overlay := amqp.Table{"a": 2, "b": 3}
	merged := mergeTables(base, overlay)
	assert.Equal(t, 2, merged["a"])
	assert.Equal(t, 3, merged["b"])

	assert.Nil(t, mergeTables(nil, nil))
}

func TestQueueArgsWithDLX(t *testing.T) {
	tr := newTestTransport(t)
	assert.Nil(t, tr.queueArgsWithDLX(nil))

	tr.cfg.DLX.Enabled = true
	tr.cfg.DLX.Exchange = "amq.headers.dlx"
	args := tr.queueArgsWithDLX(amqp.Table{"x-extra": true})
	assert.Equal(t, "amq.headers.dlx", args["x-dead-letter-exchange"])
	assert.Equal(t, true, args["x-extra"])
}

func TestCreateConsumedQueue_MergesRoutesForSameQueueName(t *testing.T) {
	tr := newTestTransport(t)
	tr.closed = true // keep establishConsumer from dialing a broker in this unit test

	require.NoError(t, tr.CreateConsumedQueue(ConsumedQueueOptions{
		Queue:  "shared-queue",
		Routes: []string{"orders.created"},
	}, noopHandler))

	require.NoError(t, tr.CreateConsumedQueue(ConsumedQueueOptions{
		Queue:  "shared-queue",
		Routes: []string{"orders.cancelled"},
	}, noopHandler))

	assert.Len(t, tr.bindings, 1, "second call for the same queue must merge, not add a binding")

	for _, b := range tr.bindings {
		assert.True(t, b.routes["orders.created"])
		assert.True(t, b.routes["orders.cancelled"])
	}
}

func TestCreateConsumedQueue_RejectsNilHandler(t *testing.T) {
	tr := newTestTransport(t)
	err := tr.CreateConsumedQueue(ConsumedQueueOptions{Queue: "q"}, nil)
	assert.Error(t, err)
}
