package transport

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/amqp-transport/amqpfacade"
	"github.com/baechuer/amqp-transport/internal/tracing"
	"github.com/baechuer/amqp-transport/replystore"
	"github.com/baechuer/amqp-transport/serialize"
	"github.com/baechuer/amqp-transport/txerrors"
)

// Publish is the fire-and-forget path: serialize, enrich properties,
// write to exchange/routingKey (spec §2 "Data flow").
func (t *Transport) Publish(ctx context.Context, routingKey string, message interface{}, opts PublishOptions) error {
	exchange := opts.Exchange
	if exchange == "" {
		exchange = t.cfg.Exchange
	}

	ch, err := t.publishChannel()
	if err != nil {
		return txerrors.Wrap(err, txerrors.Connection, "publish channel")
	}

	pub, err := t.buildPublishing(ctx, message, opts, "")
	if err != nil {
		return err
	}

	if err := t.facade.Publish(ctx, ch, exchange, routingKey, pub, t.facadePublishOpts(opts)); err != nil {
		return txerrors.Wrap(err, txerrors.Connection, "publish")
	}

	t.emit(Event{Kind: EventPublish, RoutingKey: routingKey, Message: message})
	return nil
}

// PublishAndWait implements spec §4.6.8 against the default/overridden
// exchange.
func (t *Transport) PublishAndWait(ctx context.Context, routingKey string, message interface{}, opts PublishOptions) (interface{}, error) {
	exchange := opts.Exchange
	if exchange == "" {
		exchange = t.cfg.Exchange
	}
	return t.call(ctx, exchange, routingKey, message, opts)
}

// SendAndWait is PublishAndWait against the default (empty) exchange,
// i.e. directly to a named queue. The empty exchange is the point —
// it must reach facade.Publish unmodified, never substituted with
// t.cfg.Exchange.
func (t *Transport) SendAndWait(ctx context.Context, queueName string, message interface{}, opts PublishOptions) (interface{}, error) {
	return t.call(ctx, "", queueName, message, opts)
}

func (t *Transport) call(ctx context.Context, exchange, routingKey string, message interface{}, opts PublishOptions) (interface{}, error) {
	if _, err := t.awaitPrivateQueue(ctx); err != nil {
		return nil, txerrors.Wrap(err, txerrors.Connection, "private reply queue unavailable")
	}

	if opts.CacheTTLSec > 0 {
		if cached, ok := t.cache.Get(message, routingKey, opts.CacheTTLSec); ok {
			return t.shapeResponse(cached, opts), nil
		}
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.cfg.TimeoutDefault
	}

	resultCh := make(chan callResult, 1)
	entry := &replystore.Entry{
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
		Timeout:       timeout,
		RoutingKey:    routingKey,
		SimpleReply:   !opts.FullResponse,
		CacheMessage:  message,
		CacheTTLSec:   opts.CacheTTLSec,
		Resolve: func(v interface{}) {
			resultCh <- callResult{value: v}
		},
		Reject: func(err error) {
			resultCh <- callResult{err: err}
		},
	}

	if err := t.replies.Push(entry); err != nil {
		return nil, err
	}

	t.mu.Lock()
	replyTo := opts.ReplyTo
	if replyTo == "" {
		replyTo = t.replyToName
	}
	t.mu.Unlock()

	pub, err := t.buildPublishing(ctx, message, opts, correlationID)
	if err != nil {
		t.replies.Reject(correlationID, err)
		return nil, err
	}
	pub.ReplyTo = replyTo
	pub.Expiration = strconv.FormatInt(int64(math.Ceil(0.9*float64(timeout.Milliseconds()))), 10)

	ch, err := t.publishChannel()
	if err != nil {
		publishErr := txerrors.Wrap(err, txerrors.Connection, "publish channel")
		t.replies.Reject(correlationID, publishErr)
		return nil, publishErr
	}

	if err := t.facade.Publish(ctx, ch, exchange, routingKey, pub, t.facadePublishOpts(opts)); err != nil {
		publishErr := txerrors.Wrap(err, txerrors.Connection, "publish")
		t.replies.Reject(correlationID, publishErr)
		return nil, publishErr
	}

	t.emit(Event{Kind: EventPublish, RoutingKey: routingKey, Message: message})

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return t.shapeResponse(res.value, opts), nil
	case <-ctx.Done():
		t.replies.Reject(correlationID, ctx.Err())
		return nil, ctx.Err()
	}
}

type callResult struct {
	value interface{}
	err   error
}

// shapeResponse applies spec §4.7's response contract, defaulting to
// simpleResponse (bare payload) unless the caller asked for
// FullResponse: the private router already resolved with either bare
// data or a Response envelope; a cache hit must mirror the same shape
// the caller would have observed live.
func (t *Transport) shapeResponse(value interface{}, opts PublishOptions) interface{} {
	if resp, ok := value.(Response); ok {
		if opts.FullResponse {
			return resp
		}
		return resp.Data
	}
	if opts.FullResponse {
		return Response{Data: value}
	}
	return value
}

// awaitPrivateQueue implements spec §4.6.8 step 1: wait for
// private-queue-ready if pending, or trigger creation if unknown.
func (t *Transport) awaitPrivateQueue(ctx context.Context) (string, error) {
	for {
		t.mu.Lock()
		switch t.replyState {
		case replyReady:
			name := t.replyToName
			t.mu.Unlock()
			return name, nil
		case replyPending:
			ch := t.privateReadyCh
			t.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		default:
			t.mu.Unlock()
			go t.ensurePrivateQueue()
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}
	}
}

// buildPublishing serializes message and assembles the full set of
// outbound AMQP properties spec §6 requires (contentType, appId,
// timeout/tracing headers). skipSerialize bypasses encoding entirely.
// It does not decide the destination exchange — callers resolve that
// themselves, since an empty exchange (the default exchange) and "no
// override given" are different things callers must distinguish.
func (t *Transport) buildPublishing(ctx context.Context, message interface{}, opts PublishOptions, correlationID string) (amqp.Publishing, error) {
	contentType := serialize.ContentTypeJSON
	contentEncoding := serialize.EncodingPlain
	if opts.Gzip {
		contentEncoding = serialize.EncodingGzip
	}

	var body []byte
	if opts.SkipSerialize {
		raw, ok := message.([]byte)
		if !ok {
			return amqp.Publishing{}, txerrors.NewValidation("skipSerialize requires []byte payload")
		}
		body = raw
	} else {
		encoded, err := serialize.Encode(contentType, contentEncoding, message)
		if err != nil {
			return amqp.Publishing{}, err
		}
		body = encoded
	}

	headers := amqp.Table{}
	for k, v := range t.cfg.DefaultPublishOpt {
		headers[k] = v
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.Timeout > 0 {
		headers["timeout"] = opts.Timeout.Milliseconds()
	}

	textHeaders := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		textHeaders[k] = v
	}
	tracing.Inject(ctx, textHeaders)
	for k, v := range textHeaders {
		headers[k] = v
	}

	pub := amqp.Publishing{
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		AppId:           t.appID(),
		CorrelationId:   correlationID,
		ReplyTo:         opts.ReplyTo,
		Timestamp:       time.Now(),
		Headers:         headers,
		Body:            body,
	}

	return pub, nil
}

func (t *Transport) facadePublishOpts(opts PublishOptions) amqpfacade.PublishOptions {
	return amqpfacade.PublishOptions{
		Confirm:   opts.Confirm,
		Mandatory: opts.Mandatory,
		Immediate: opts.Immediate,
		Timeout:   opts.Timeout,
	}
}
