package transport

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/amqp-transport/amqpfacade"
	"github.com/baechuer/amqp-transport/backoff"
	"github.com/baechuer/amqp-transport/serialize"
	"github.com/baechuer/amqp-transport/txerrors"
)

// ensurePrivateQueue implements spec §4.6.3: declare (or redeclare,
// across reconnects, under the same name) the private reply queue,
// bind the private message router as its consumer, and, if DLX is
// enabled, bind it to the DLX headers exchange on reply-to=<name> so
// broker-expired requests return here.
func (t *Transport) ensurePrivateQueue() {
	t.mu.Lock()
	if t.replyState == replyPending {
		t.mu.Unlock()
		return
	}
	t.replyState = replyPending
	t.privateReadyCh = make(chan struct{})
	name := t.replyToName
	t.mu.Unlock()

	attempt := 0
	for {
		attempt++
		if err := t.declarePrivateQueue(name); err != nil {
			t.lg.Error().Err(err).Int("attempt", attempt).Msg("private queue declare failed; retrying")
			sleep(backoff.Delay(t.cfg.RecoveryPrivate, attempt))
			continue
		}
		return
	}
}

func (t *Transport) declarePrivateQueue(name string) error {
	if name == "" {
		name = privateQueueName()
	}

	ch, err := t.allocateChannel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	opts := amqpfacade.QueueOptions{
		Name:       name,
		Durable:    false,
		AutoDelete: false,
		Exclusive:  true,
		Args:       t.cfg.PrivateQueueOpts,
	}

	q, handle, err := t.createQueue(ch, opts, "private-"+name, amqpfacade.QoS{}, func(ctx context.Context, d amqp.Delivery) {
		t.routePrivateInbound(ctx, d)
	})
	if err != nil {
		return err
	}

	if t.cfg.DLX.Enabled {
		if err := t.facade.Bind(ch, q.Name, "", t.cfg.DLX.Exchange, amqp.Table{
			"x-match":  "any",
			"reply-to": q.Name,
		}); err != nil {
			_ = handle.Close()
			return fmt.Errorf("bind private queue to dlx headers exchange: %w", err)
		}
	}

	t.mu.Lock()
	t.replyToName = q.Name
	t.replyState = replyReady
	t.privateConsumer = handle
	readyCh := t.privateReadyCh
	t.mu.Unlock()

	close(readyCh)
	t.emit(Event{Kind: EventPrivateQueueReady, Queue: q.Name})

	go t.watchPrivateConsumer(q.Name, handle)
	return nil
}

// watchPrivateConsumer implements spec §4.6.3's error/cancel handling:
// 404 on our own queue swallows further errors, closes the consumer,
// and schedules re-creation after a "private" backoff delay; any
// other error is emitted as a transport error.
func (t *Transport) watchPrivateConsumer(name string, handle *amqpfacade.ConsumerHandle) {
	select {
	case err := <-handle.Errors():
		if err != nil && err.ReplyCode == amqpfacade.ReplyNotFound && err.Queue == name {
			_ = handle.Close()
			t.mu.Lock()
			t.replyState = replyUnknown
			t.mu.Unlock()
			sleep(backoff.Delay(t.cfg.RecoveryPrivate, 1))
			go t.ensurePrivateQueue()
			return
		}
		if err != nil {
			t.emit(Event{Kind: EventError, Err: err})
		}
	case <-handle.Cancelled():
		t.emit(Event{Kind: EventConsumerClose, Consumer: handle, Queue: name})
		t.mu.Lock()
		t.replyState = replyUnknown
		t.mu.Unlock()
		go t.ensurePrivateQueue()
	}
}

// routePrivateInbound is the private message router of spec §4.6.6.
func (t *Transport) routePrivateInbound(ctx context.Context, d amqp.Delivery) {
	entry, present := t.replies.Pop(d.CorrelationId)

	deathTrail, hasDeath := parseXDeath(d.Headers)

	if !present {
		if hasDeath {
			t.lg.Warn().Str("correlation_id", d.CorrelationId).Msg("DLX arrival for unknown correlation id")
			t.mu.Lock()
			ourQueue := t.replyToName
			t.mu.Unlock()
			if d.ReplyTo != "" && d.ReplyTo != ourQueue {
				t.forwardNotPermitted(ctx, d, deathTrail)
			}
		}
		return
	}

	if hasDeath {
		entry.Reject(txerrors.NewDLX("request expired in transit", deathTrail))
		return
	}

	value, err := serialize.Decode(firstNonEmptyStr(d.ContentType, serialize.ContentTypeJSON), firstNonEmptyStr(d.ContentEncoding, serialize.EncodingPlain), d.Body)
	if err != nil {
		entry.Reject(err)
		return
	}

	if inner, ok := serialize.IsErrorShaped(value); ok {
		rebuilt := serialize.DecodeError(inner)
		rebuilt.ReplyHeaders = headersToMap(d.Headers)
		entry.Reject(rebuilt)
		return
	}

	data := value
	if m, ok := value.(map[string]interface{}); ok {
		if v, hasData := m["data"]; hasData {
			data = v
		}
	}

	headers := headersToMap(d.Headers)
	t.cache.Set(entry.CacheMessage, entry.RoutingKey, entry.CacheTTLSec, data)
	if entry.SimpleReply {
		entry.Resolve(data)
	} else {
		entry.Resolve(Response{Headers: headers, Data: data})
	}
}

func (t *Transport) forwardNotPermitted(ctx context.Context, d amqp.Delivery, death []txerrors.Death) {
	ch, err := t.publishChannel()
	if err != nil {
		return
	}

	notPermitted := &txerrors.Error{Kind: txerrors.NotPermitted, Message: "no recipient for this correlation id", Death: death}
	body := map[string]interface{}{"error": serialize.EncodeError(notPermitted)}
	encoded, _ := serialize.Encode(serialize.ContentTypeJSON, serialize.EncodingPlain, body)

	_ = t.facade.Publish(ctx, ch, "", d.ReplyTo, amqp.Publishing{
		ContentType:   serialize.ContentTypeJSON,
		Body:          encoded,
		CorrelationId: d.CorrelationId,
	}, amqpfacade.PublishOptions{})
}

func parseXDeath(headers amqp.Table) ([]txerrors.Death, bool) {
	raw, ok := headers["x-death"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, true
	}

	out := make([]txerrors.Death, 0, len(list))
	for _, item := range list {
		entry, ok := item.(amqp.Table)
		if !ok {
			continue
		}
		d := txerrors.Death{}
		if q, ok := entry["queue"].(string); ok {
			d.Queue = q
		}
		if r, ok := entry["reason"].(string); ok {
			d.Reason = r
		}
		if e, ok := entry["exchange"].(string); ok {
			d.Exchange = e
		}
		if c, ok := entry["count"].(int64); ok {
			d.Count = c
		}
		out = append(out, d)
	}
	return out, true
}

func headersToMap(h amqp.Table) map[string]interface{} {
	m := make(map[string]interface{}, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}

func firstNonEmptyStr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func publishOptsFromTransport(t *Transport) amqpfacade.PublishOptions {
	return amqpfacade.PublishOptions{Timeout: t.cfg.TimeoutDefault}
}
