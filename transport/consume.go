package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/amqp-transport/amqpfacade"
	"github.com/baechuer/amqp-transport/backoff"
)

// createQueue implements spec §4.6.2: declare the queue (tolerating a
// 406 precondition-failed by keeping the server's existing
// definition), optionally open a consumer with QoS applied.
func (t *Transport) createQueue(ch *amqp.Channel, opts amqpfacade.QueueOptions, tag string, qos amqpfacade.QoS, router func(context.Context, amqp.Delivery)) (amqpfacade.Queue, *amqpfacade.ConsumerHandle, error) {
	q, declErr := t.facade.DeclareQueue(ch, opts)
	if declErr != nil {
		if declErr.ReplyCode == amqpfacade.ReplyPreconditionFailed {
			t.lg.Warn().Str("queue", opts.Name).Msg("queue precondition failed; keeping server definition")
			q = amqpfacade.Queue{Name: opts.Name}
		} else {
			return amqpfacade.Queue{}, nil, declErr
		}
	}

	if router == nil {
		return q, nil, nil
	}

	handle, err := t.facade.Consume(ch, q.Name, tag, qos)
	if err != nil {
		return q, nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go t.pumpDeliveries(handle, router)

	return q, handle, nil
}

// pumpDeliveries runs the trampoline spec §5 requires: the I/O
// callback (this goroutine reading off handle.Deliveries) never runs
// user code synchronously — router itself dispatches to the user
// handler via `go` (see routeConsumedInbound).
func (t *Transport) pumpDeliveries(handle *amqpfacade.ConsumerHandle, router func(context.Context, amqp.Delivery)) {
	for d := range handle.Deliveries {
		router(context.Background(), d)
	}
}

// queueOptionsFor applies spec §4.6.2's auto-generated-name rule:
// unnamed queues are auto-delete/non-durable, named ones durable and
// non-auto-delete.
func queueOptionsFor(name string, extra amqp.Table) amqpfacade.QueueOptions {
	if name == "" {
		return amqpfacade.QueueOptions{Durable: false, AutoDelete: true, Args: extra}
	}
	return amqpfacade.QueueOptions{Name: name, Durable: true, AutoDelete: false, Args: extra}
}

// CreateConsumedQueue registers a long-running consumer (spec
// §4.6.4). It builds an establishConsumer closure run now and on
// every subsequent reconnect. Calling it again for a Queue name
// already bound merges the new Routes into the existing binding
// (uniq(overrides.routes ∪ previously-remembered-routes)) instead of
// opening a second consumer on the same queue.
func (t *Transport) CreateConsumedQueue(opts ConsumedQueueOptions, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("amqp-transport: nil handler")
	}

	if opts.Queue != "" {
		t.mu.Lock()
		for _, existing := range t.bindings {
			if existing.queue == opts.Queue {
				existing.mu.Lock()
				current := make([]string, 0, len(existing.routes))
				for r := range existing.routes {
					current = append(current, r)
				}
				merged := uniqStrings(current, opts.Routes)
				existing.routes = make(map[string]bool, len(merged))
				for _, r := range merged {
					existing.routes[r] = true
				}
				existing.handler = handler
				existing.mu.Unlock()
				connected := !t.closed
				t.mu.Unlock()

				if connected {
					go t.establishConsumer(existing)
				}
				return nil
			}
		}
		t.mu.Unlock()
	}

	routes := make(map[string]bool, len(opts.Routes))
	for _, r := range opts.Routes {
		routes[r] = true
	}

	exchange := opts.Exchange
	if exchange == "" {
		exchange = t.cfg.Exchange
	}

	binding := &consumerBinding{
		id:          newBindingID(t),
		queue:       opts.Queue,
		exchange:    exchange,
		routes:      routes,
		qos:         amqpfacade.QoS{PrefetchCount: opts.Prefetch, NoAck: opts.NoAck},
		handler:     handler,
		headersBind: opts.BindPersistentToHeaders,
		queueOpts:   queueOptionsFor(opts.Queue, t.cfg.DefaultQueueOpts),
	}

	t.mu.Lock()
	t.bindings[binding.id] = binding
	connected := !t.closed
	t.mu.Unlock()

	if connected {
		go t.establishConsumer(binding)
	}
	return nil
}

// establishConsumer runs steps 1-6 of spec §4.6.4, retrying the whole
// sequence with the "consumed" backoff policy on failure.
func (t *Transport) establishConsumer(b *consumerBinding) {
	attempt := 0
	for {
		if err := t.tryEstablishConsumer(b); err != nil {
			attempt++
			t.emit(Event{Kind: EventError, Err: err, Queue: b.queue})
			d := backoffConsumedDelay(t, attempt)
			t.lg.Error().Err(err).Int("attempt", attempt).Msg("establishConsumer failed; retrying")
			sleep(d)
			continue
		}
		return
	}
}

func (t *Transport) tryEstablishConsumer(b *consumerBinding) error {
	b.mu.Lock()
	if b.consumer != nil {
		_ = b.consumer.Close()
		b.consumer = nil
	}
	b.mu.Unlock()

	ch, err := t.allocateChannel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	if err := t.facade.DeclareExchange(ch, amqpfacade.ExchangeOptions{Name: b.exchange, Kind: "topic", Durable: true, Args: t.cfg.ExchangeArgs}); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}

	dlxArgs := t.queueArgsWithDLX(nil)
	opts := b.queueOpts
	opts.Args = mergeTables(opts.Args, dlxArgs)

	tag := fmt.Sprintf("consumer-%d", b.id)
	q, handle, err := t.createQueue(ch, opts, tag, b.qos, func(ctx context.Context, d amqp.Delivery) {
		t.routeConsumedInbound(ctx, b, d)
	})
	if err != nil {
		return err
	}
	b.queue = q.Name

	b.mu.Lock()
	routeList := make([]string, 0, len(b.routes))
	for r := range b.routes {
		routeList = append(routeList, r)
	}
	b.mu.Unlock()

	for _, route := range routeList {
		if err := t.facade.Bind(ch, q.Name, route, b.exchange, nil); err != nil {
			_ = handle.Close()
			return fmt.Errorf("bind %s to %s: %w", q.Name, route, err)
		}

		if b.headersBind {
			if containsWildcard(route) {
				_ = handle.Close()
				return fmt.Errorf("route %q contains wildcard; cannot bind on headers exchange", route)
			}
			if err := t.facade.Bind(ch, q.Name, "", t.cfg.HeadersExchange, amqp.Table{
				"x-match":     "any",
				"routing-key": route,
			}); err != nil {
				_ = handle.Close()
				return fmt.Errorf("headers-bind %s: %w", q.Name, err)
			}
		}
	}

	b.mu.Lock()
	b.consumer = handle
	b.attempt = 0
	b.mu.Unlock()

	go t.watchConsumer(b, handle)

	t.emit(Event{Kind: EventConsumedQueueReconnected, Queue: q.Name})
	return nil
}

// watchConsumer implements spec §4.6.4 step 5's error/cancel
// handling.
func (t *Transport) watchConsumer(b *consumerBinding, handle *amqpfacade.ConsumerHandle) {
	select {
	case err := <-handle.Errors():
		if err == nil {
			return
		}
		switch err.ReplyCode {
		case amqpfacade.ReplyContentTooLarge, amqpfacade.ReplyNoConsumers:
			t.lg.Info().Err(err).Msg("consumer notice; ignoring")
			return
		case amqpfacade.ReplyNotFound:
			if err.Queue == b.queue {
				t.lg.Warn().Str("queue", b.queue).Msg("our queue missing; rebinding")
				t.rebind(b)
				return
			}
			t.emit(Event{Kind: EventError, Err: err, Queue: b.queue})
		default:
			t.emit(Event{Kind: EventError, Err: err, Queue: b.queue})
			t.rebind(b)
		}
	case <-handle.Cancelled():
		t.emit(Event{Kind: EventConsumerClose, Consumer: handle, Queue: b.queue})
		t.rebind(b)
	}
}

func (t *Transport) rebind(b *consumerBinding) {
	go t.establishConsumer(b)
}

func backoffConsumedDelay(t *Transport, attempt int) time.Duration {
	return backoff.Delay(t.cfg.RecoveryConsumed, attempt)
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

func containsWildcard(route string) bool {
	return strings.ContainsAny(route, "*#")
}

func mergeTables(base, overlay amqp.Table) amqp.Table {
	if base == nil && overlay == nil {
		return nil
	}
	out := amqp.Table{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// queueArgsWithDLX sets x-dead-letter-exchange on every queue the
// transport declares when DLX is enabled (spec §6).
func (t *Transport) queueArgsWithDLX(extra amqp.Table) amqp.Table {
	if !t.cfg.DLX.Enabled {
		return extra
	}
	args := amqp.Table{"x-dead-letter-exchange": t.cfg.DLX.Exchange}
	return mergeTables(args, extra)
}
