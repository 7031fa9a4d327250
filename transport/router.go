package transport

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/baechuer/amqp-transport/internal/tracing"
	"github.com/baechuer/amqp-transport/serialize"
	"github.com/baechuer/amqp-transport/txerrors"
)

// decodeAndEnrich implements spec §4.6.5 steps 3-4: decode the body
// and build the enriched Properties record. Parsing appId (step 1) is
// done separately by parseAppID.
func decodeAndEnrich(d amqp.Delivery) (interface{}, Properties) {
	props := Properties{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		AppID:           d.AppId,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		Weight:          d.Priority,
	}
	props.Headers = make(map[string]interface{}, len(d.Headers))
	for k, v := range d.Headers {
		props.Headers[k] = v
	}

	contentType := d.ContentType
	if contentType == "" {
		contentType = serialize.ContentTypeJSON
	}
	contentEncoding := d.ContentEncoding
	if contentEncoding == "" {
		contentEncoding = serialize.EncodingPlain
	}

	value, err := serialize.Decode(contentType, contentEncoding, d.Body)
	if err != nil {
		return map[string]interface{}{"err": err}, props
	}
	return value, props
}

// parseAppID is used for span tagging per spec §4.6.5 step 1.
func parseAppID(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// routeConsumedInbound is the routing function adapter of spec §4.6.5,
// run per inbound delivery on a ConsumedQueue.
func (t *Transport) routeConsumedInbound(ctx context.Context, b *consumerBinding, d amqp.Delivery) {
	t.emit(Event{Kind: EventPre, Raw: &d, RoutingKey: d.RoutingKey})

	appID := parseAppID(d.AppId)

	headers := make(map[string]interface{}, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	ctx = tracing.Extract(ctx, headers)

	attrs := []attribute.KeyValue{attribute.String("amqp.routing_key", d.RoutingKey)}
	if appID != nil {
		if name, ok := appID["name"].(string); ok {
			attrs = append(attrs, attribute.String("amqp.app_name", name))
		}
	}
	spanCtx, span := tracing.StartSpan(ctx, "onConsume:"+d.RoutingKey, tracing.SpanKindServer, attrs...)

	message, props := decodeAndEnrich(d)

	// Trampoline: never run user code synchronously on the I/O
	// callback (spec §5).
	go func() {
		defer span.End()

		finished := false
		finish := func() {
			if finished {
				return
			}
			finished = true
		}

		reply := func(replyErr error, data interface{}) {
			defer finish()
			if props.ReplyTo != "" && props.CorrelationID != "" {
				t.sendReply(spanCtx, props, replyErr, data)
				return
			}
			t.emit(Event{Kind: EventAfter, Raw: &d, RoutingKey: d.RoutingKey})
		}

		b.handler(spanCtx, message, props, d, reply)
	}()
}

// sendReply implements spec §4.6.7: publish the reply, validating
// replyTo/correlationId, and emit "after" once it settles.
func (t *Transport) sendReply(ctx context.Context, inbound Properties, replyErr error, data interface{}) {
	if inbound.ReplyTo == "" || inbound.CorrelationID == "" {
		t.emit(Event{Kind: EventError, Err: txerrors.NewValidation("reply: missing replyTo/correlationId")})
		return
	}

	var body interface{}
	if replyErr != nil {
		body = map[string]interface{}{"error": serialize.EncodeError(replyErr)}
	} else {
		body = map[string]interface{}{"data": data}
	}

	encoded, err := serialize.Encode(serialize.ContentTypeJSON, serialize.EncodingPlain, body)
	if err != nil {
		t.emit(Event{Kind: EventError, Err: err})
		return
	}

	headers := amqp.Table{}
	if replyHeaders, ok := inbound.Headers[replyHeadersKey]; ok {
		if asMap, ok := replyHeaders.(map[string]interface{}); ok {
			for k, v := range asMap {
				headers[k] = v
			}
		}
	}

	ch, err := t.publishChannel()
	if err != nil {
		t.emit(Event{Kind: EventError, Err: err})
		return
	}

	pub := amqp.Publishing{
		ContentType:   serialize.ContentTypeJSON,
		Body:          encoded,
		CorrelationId: inbound.CorrelationID,
		Timestamp:     time.Now(),
		Headers:       headers,
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := t.facade.Publish(pctx, ch, "", inbound.ReplyTo, pub, publishOptsFromTransport(t)); err != nil {
		t.emit(Event{Kind: EventError, Err: err})
	}

	t.emit(Event{Kind: EventAfter})
}
