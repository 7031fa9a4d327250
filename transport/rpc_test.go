package transport

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeResponse_DefaultUnwrapsEnvelopeToBareData(t *testing.T) {
	tr := newTestTransport(t)
	out := tr.shapeResponse(Response{Headers: map[string]interface{}{"h": 1}, Data: "hi"}, PublishOptions{})
	assert.Equal(t, "hi", out)
}

func TestShapeResponse_DefaultPassesBareValueThrough(t *testing.T) {
	tr := newTestTransport(t)
	out := tr.shapeResponse("hi", PublishOptions{})
	assert.Equal(t, "hi", out)
}

func TestShapeResponse_FullResponseWrapsBareValue(t *testing.T) {
	tr := newTestTransport(t)
	out := tr.shapeResponse("hi", PublishOptions{FullResponse: true})
	resp, ok := out.(Response)
	require.True(t, ok)
	assert.Equal(t, "hi", resp.Data)
}

func TestShapeResponse_FullResponsePassesEnvelopeThrough(t *testing.T) {
	tr := newTestTransport(t)
	envelope := Response{Headers: map[string]interface{}{"h": 1}, Data: "hi"}
	out := tr.shapeResponse(envelope, PublishOptions{FullResponse: true})
	assert.Equal(t, envelope, out)
}

func TestBuildPublishing_SetsAppIDAndCorrelationAndReplyTo(t *testing.T) {
	tr := newTestTransport(t)
	pub, err := tr.buildPublishing(context.Background(), map[string]interface{}{"x": 1}, PublishOptions{ReplyTo: "reply-q"}, "corr-abc")
	require.NoError(t, err)
	assert.Equal(t, "corr-abc", pub.CorrelationId)
	assert.Equal(t, "reply-q", pub.ReplyTo)
	assert.NotEmpty(t, pub.AppId)
	assert.NotEmpty(t, pub.Body)
}

func TestBuildPublishing_GzipSetsContentEncoding(t *testing.T) {
	tr := newTestTransport(t)
	pub, err := tr.buildPublishing(context.Background(), "payload", PublishOptions{Gzip: true}, "")
	require.NoError(t, err)
	assert.Equal(t, "gzip", pub.ContentEncoding)
}

func TestBuildPublishing_SkipSerializeRequiresBytes(t *testing.T) {
	tr := newTestTransport(t)
	_, err := tr.buildPublishing(context.Background(), "not bytes", PublishOptions{SkipSerialize: true}, "")
	assert.Error(t, err)

	pub, err := tr.buildPublishing(context.Background(), []byte("raw"), PublishOptions{SkipSerialize: true}, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), pub.Body)
}

func TestBuildPublishing_MergesDefaultPublishHeadersUnderCallerOverrides(t *testing.T) {
	tr := newTestTransport(t)
	tr.cfg.DefaultPublishOpt = amqp.Table{"source": "default", "kept": "base"}

	pub, err := tr.buildPublishing(context.Background(), "x", PublishOptions{Headers: map[string]interface{}{"source": "override"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "override", pub.Headers["source"])
	assert.Equal(t, "base", pub.Headers["kept"])
}

func TestAwaitPrivateQueue_ReturnsImmediatelyWhenReady(t *testing.T) {
	tr := newTestTransport(t)
	tr.replyState = replyReady
	tr.replyToName = "ready-queue"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	name, err := tr.awaitPrivateQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready-queue", name)
}

func TestAwaitPrivateQueue_UnblocksOnContextCancel(t *testing.T) {
	tr := newTestTransport(t)
	tr.replyState = replyPending
	tr.privateReadyCh = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.awaitPrivateQueue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
