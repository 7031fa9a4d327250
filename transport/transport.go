// Package transport is the RPC/worker-queue layer described by this
// module: connection and consumer lifecycle, RPC correlation, the
// consume/publish pipeline, and response caching, built over
// amqpfacade the way email-service's Consumer and event-service's
// Publisher build directly over amqp091-go.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/amqp-transport/amqpfacade"
	"github.com/baechuer/amqp-transport/backoff"
	"github.com/baechuer/amqp-transport/cache"
	"github.com/baechuer/amqp-transport/config"
	"github.com/baechuer/amqp-transport/replystore"
	"github.com/baechuer/amqp-transport/txerrors"
)

// replyState is the tri-state _replyTo representation from spec §9:
// Unknown (never requested), Pending (being (re)created), Ready (name
// known and usable).
type replyState int

const (
	replyUnknown replyState = iota
	replyPending
	replyReady
)

// Handler is the user consume callback (spec §4.6.5 step 5).
type Handler func(ctx context.Context, message interface{}, props Properties, raw amqp.Delivery, reply ReplyFunc)

// ReplyFunc is the callback argument passed to Handler (spec §4.6.5 /
// §4.6.7). Calling it with a non-nil err publishes an error reply;
// data is ignored in that case.
type ReplyFunc func(err error, data interface{})

// consumerBinding is the Go-native binding identity spec §9 calls for
// in place of a weak-map keyed by closure: an opaque id keying two
// structures (here folded into one struct) instead.
type consumerBinding struct {
	id       uint64
	mu       sync.Mutex
	queue    string
	exchange string
	routes   map[string]bool
	qos      amqpfacade.QoS
	handler  Handler
	headersBind bool
	queueOpts   amqpfacade.QueueOptions

	consumer *amqpfacade.ConsumerHandle
	attempt  int
}

// Transport is the process-wide facade applications use.
type Transport struct {
	cfg    *config.Config
	facade *amqpfacade.Facade
	lg     zerolog.Logger
	cache  *cache.Cache
	replies *replystore.Store

	mu              sync.Mutex
	closed          bool
	replyState      replyState
	replyToName     string
	privateReadyCh  chan struct{}
	privateConsumer *amqpfacade.ConsumerHandle

	bindings   map[uint64]*consumerBinding
	nextBindID uint64

	publishCh *amqp.Channel

	observers []func(Event)
}

// New builds a Transport. It does not connect; call Connect.
func New(cfg *config.Config, lg zerolog.Logger) (*Transport, error) {
	c, err := cache.New(cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("amqp-transport: build cache: %w", err)
	}

	return &Transport{
		cfg:     cfg,
		facade:  amqpfacade.New(cfg.AMQPURL, cfg.AMQP, lg),
		lg:      lg.With().Str("component", "transport").Logger(),
		cache:   c,
		replies: replystore.New(),

		bindings: make(map[uint64]*consumerBinding),
	}, nil
}

// Connect dials the broker and wires lifecycle handlers (spec
// §4.6.1). Refuses to run while already opening/open/reconnecting
// (enforced by amqpfacade.Connect itself).
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.facade.Connect(ctx); err != nil {
		return txerrors.Wrap(err, txerrors.InvalidOperation, "connect")
	}

	go t.superviseClose()

	t.emit(Event{Kind: EventReady})
	t.onReady()

	return nil
}

// superviseClose waits for the connection to drop, then reconnects
// with the "consumed" backoff policy and re-enters onReady, so every
// registered ConsumerBinding and the private reply queue survive a
// broker restart (spec §5 shared-resource guarantee).
func (t *Transport) superviseClose() {
	closed := t.facade.Closed()

	for {
		err, ok := <-closed
		if !ok {
			return
		}

		t.mu.Lock()
		stopped := t.closed
		t.mu.Unlock()
		if stopped {
			return
		}

		t.lg.Warn().Err(err).Msg("connection closed; reconnecting")
		t.emit(Event{Kind: EventClose, Err: err})

		attempt := 1
		for {
			closed = t.facade.Closed()
			if connErr := t.facade.Connect(context.Background()); connErr != nil {
				d := backoff.Delay(t.cfg.RecoveryConsumed, attempt)
				t.lg.Error().Err(connErr).Dur("backoff", d).Int("attempt", attempt).Msg("reconnect failed")
				time.Sleep(d)
				attempt++
				continue
			}
			break
		}

		t.emit(Event{Kind: EventReady})
		t.onReady()
	}
}

// onReady re-establishes the private reply queue and every registered
// consumer binding, run both on first Connect and after every
// reconnect (spec §4.6.3 / §4.6.4).
func (t *Transport) onReady() {
	t.mu.Lock()
	needPrivate := t.cfg.Private || t.replyState != replyUnknown
	bindings := make([]*consumerBinding, 0, len(t.bindings))
	for _, b := range t.bindings {
		bindings = append(bindings, b)
	}
	t.mu.Unlock()

	if needPrivate {
		go t.ensurePrivateQueue()
	}
	for _, b := range bindings {
		go t.establishConsumer(b)
	}
}

// allocateChannel opens a fresh channel for the caller's own use
// (each consumer binding and the publish path get their own channel,
// matching email-service's separate chConsume/chPublish).
func (t *Transport) allocateChannel() (*amqp.Channel, error) {
	return t.facade.Channel()
}

func (t *Transport) publishChannel() (*amqp.Channel, error) {
	t.mu.Lock()
	ch := t.publishCh
	t.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	newCh, err := t.allocateChannel()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.publishCh = newCh
	t.mu.Unlock()
	return newCh, nil
}

// Close tears down the connection and rejects every pending RPC with
// a connection error (spec §5).
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	bindings := make([]*consumerBinding, 0, len(t.bindings))
	for _, b := range t.bindings {
		bindings = append(bindings, b)
	}
	t.mu.Unlock()

	for _, b := range bindings {
		b.mu.Lock()
		if b.consumer != nil {
			_ = b.consumer.Close()
		}
		b.mu.Unlock()
	}

	t.replies.RejectAll(txerrors.New(txerrors.Connection, "transport closed"))

	return t.facade.Close()
}

func newBindingID(t *Transport) uint64 {
	return atomic.AddUint64(&t.nextBindID, 1)
}

// appID builds the JSON-encoded {name, host, pid, ...} header spec §6
// requires on every outbound publish.
func (t *Transport) appID() string {
	hostname, _ := hostnameOr("unknown")
	return fmt.Sprintf(`{"name":%q,"host":%q,"pid":%d,"version":%q}`, t.cfg.Name, hostname, pid(), t.cfg.Version)
}

func privateQueueName() string {
	return "microfleet." + uuid.NewString()
}
