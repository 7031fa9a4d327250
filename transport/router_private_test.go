package transport

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/amqp-transport/replystore"
	"github.com/baechuer/amqp-transport/serialize"
	"github.com/baechuer/amqp-transport/txerrors"
)

func TestRoutePrivateInbound_ResolvesDataAndPopulatesCache(t *testing.T) {
	tr := newTestTransport(t)

	resolved := make(chan interface{}, 1)
	entry := &replystore.Entry{
		CorrelationID: "corr-1",
		CreatedAt:     time.Now(),
		Timeout:       time.Second,
		RoutingKey:    "orders.sum",
		SimpleReply:   true,
		CacheMessage:  map[string]interface{}{"a": 1},
		CacheTTLSec:   30,
		Resolve:       func(v interface{}) { resolved <- v },
		Reject:        func(err error) { resolved <- err },
	}
	require.NoError(t, tr.replies.Push(entry))

	body, err := serialize.Encode(serialize.ContentTypeJSON, serialize.EncodingPlain, map[string]interface{}{"data": "42"})
	require.NoError(t, err)

	d := amqp.Delivery{
		CorrelationId: "corr-1",
		ContentType:   serialize.ContentTypeJSON,
		Body:          body,
	}

	tr.routePrivateInbound(context.Background(), d)

	select {
	case v := <-resolved:
		assert.Equal(t, "42", v)
	case <-time.After(time.Second):
		t.Fatal("resolve was never called")
	}

	cached, ok := tr.cache.Get(map[string]interface{}{"a": 1}, "orders.sum", 30)
	require.True(t, ok)
	assert.Equal(t, "42", cached)
}

func TestRoutePrivateInbound_DeathForPendingEntryRejectsWithDLX(t *testing.T) {
	tr := newTestTransport(t)

	rejected := make(chan error, 1)
	entry := &replystore.Entry{
		CorrelationID: "corr-2",
		CreatedAt:     time.Now(),
		Timeout:       time.Second,
		SimpleReply:   true,
		Resolve:       func(v interface{}) {},
		Reject:        func(err error) { rejected <- err },
	}
	require.NoError(t, tr.replies.Push(entry))

	d := amqp.Delivery{
		CorrelationId: "corr-2",
		Headers: amqp.Table{
			"x-death": []interface{}{amqp.Table{"queue": "q", "reason": "expired"}},
		},
	}

	tr.routePrivateInbound(context.Background(), d)

	select {
	case err := <-rejected:
		require.Error(t, err)
		assert.True(t, txerrors.Is(err, txerrors.AMQPDLX))
	case <-time.After(time.Second):
		t.Fatal("reject was never called")
	}
}

func TestRoutePrivateInbound_ErrorShapedBodyRejectsWithDecodedError(t *testing.T) {
	tr := newTestTransport(t)

	rejected := make(chan error, 1)
	entry := &replystore.Entry{
		CorrelationID: "corr-3",
		CreatedAt:     time.Now(),
		Timeout:       time.Second,
		SimpleReply:   true,
		Resolve:       func(v interface{}) {},
		Reject:        func(err error) { rejected <- err },
	}
	require.NoError(t, tr.replies.Push(entry))

	payload := map[string]interface{}{"error": serialize.EncodeError(txerrors.NewValidation("bad input"))}
	body, err := serialize.Encode(serialize.ContentTypeJSON, serialize.EncodingPlain, payload)
	require.NoError(t, err)

	d := amqp.Delivery{CorrelationId: "corr-3", ContentType: serialize.ContentTypeJSON, Body: body}
	tr.routePrivateInbound(context.Background(), d)

	select {
	case err := <-rejected:
		require.Error(t, err)
		assert.True(t, txerrors.Is(err, txerrors.Validation))
	case <-time.After(time.Second):
		t.Fatal("reject was never called")
	}
}

func TestRoutePrivateInbound_UnknownCorrelationWithDeathForOwnQueueIsIgnored(t *testing.T) {
	tr := newTestTransport(t)
	tr.replyToName = "my-private-queue"

	d := amqp.Delivery{
		CorrelationId: "unknown",
		ReplyTo:       "my-private-queue",
		Headers: amqp.Table{
			"x-death": []interface{}{amqp.Table{"queue": "q", "reason": "expired"}},
		},
	}

	assert.NotPanics(t, func() {
		tr.routePrivateInbound(context.Background(), d)
	})
}
