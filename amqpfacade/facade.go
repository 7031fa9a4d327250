// Package amqpfacade is a thin adapter over github.com/rabbitmq/amqp091-go
// exposing the queue/exchange/consume/publish primitives and the
// connection state enum spec §4.5 names. It owns exactly one
// connection and hands out channels; reconnect policy itself lives in
// package transport, not here. Grounded on the connect/declare
// sequences in email-service's connectAndDeclare and event-service's
// connectLocked / NotifyPublish+NotifyReturn confirm handling.
package amqpfacade

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle enum from spec §3.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AMQP reply codes the transport special-cases (spec §4.5/§4.6).
const (
	ReplyContentTooLarge   = 311
	ReplyNoConsumers       = 313
	ReplyNotFound          = 404
	ReplyResourceLocked    = 405
	ReplyAccessRefused     = 403
	ReplyPreconditionFailed = 406
)

// Error wraps a channel/connection-level AMQP error with its reply
// code so callers can pattern-match per spec §4.5/§7.
type Error struct {
	ReplyCode int
	Reason    string
	Queue     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("amqp error %d on %q: %s", e.ReplyCode, e.Queue, e.Reason)
}

func fromAMQPErr(queue string, err *amqp.Error) *Error {
	if err == nil {
		return nil
	}
	return &Error{ReplyCode: err.Code, Reason: err.Reason, Queue: queue}
}

// QueueOptions mirrors the subset of amqp.QueueDeclare args the
// transport needs (spec §4.6.2).
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// ExchangeOptions mirrors amqp.ExchangeDeclare args.
type ExchangeOptions struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
}

// Queue is the declared-queue result.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// QoS is per-consumer prefetch configuration (spec's "neck").
type QoS struct {
	PrefetchCount int
	NoAck         bool
}

// ConsumerHandle is a live consumer: deliveries plus the error/cancel
// lifecycle events spec §4.5 requires.
type ConsumerHandle struct {
	Queue      string
	Tag        string
	Deliveries <-chan amqp.Delivery

	errCh    chan *Error
	cancelCh chan struct{}
	closeCh  chan *amqp.Error

	ch     *amqp.Channel
	once   sync.Once
	doneWg sync.WaitGroup
}

// Errors carries channel-level errors for this consumer tagged with
// their AMQP reply code.
func (h *ConsumerHandle) Errors() <-chan *Error { return h.errCh }

// Cancelled fires once if the broker cancels this consumer.
func (h *ConsumerHandle) Cancelled() <-chan struct{} { return h.cancelCh }

// Close cancels the consumer and closes its channel. Emits on
// Cancelled via the watch goroutine, matching the corpus's
// "consumer-close" hook (spec §9 open question b).
func (h *ConsumerHandle) Close() error {
	var err error
	h.once.Do(func() {
		if h.ch != nil {
			err = h.ch.Cancel(h.Tag, false)
			_ = h.ch.Close()
		}
	})
	return err
}

// Facade owns one AMQP connection.
type Facade struct {
	url    string
	config amqp.Config
	lg     zerolog.Logger

	mu    sync.Mutex
	state State
	conn  *amqp.Connection

	readyCh chan struct{}
	closeCh chan error
}

func New(url string, config amqp.Config, lg zerolog.Logger) *Facade {
	return &Facade{
		url:    url,
		config: config,
		lg:     lg.With().Str("component", "amqp_facade").Logger(),
		state:  StateClosed,
	}
}

func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Ready returns a channel closed once the next successful Connect
// completes. A new channel is handed out after every reconnect.
func (f *Facade) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyCh == nil {
		f.readyCh = make(chan struct{})
	}
	return f.readyCh
}

// Closed fires with the triggering error (nil on a clean Close) when
// the underlying connection goes away.
func (f *Facade) Closed() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCh == nil {
		f.closeCh = make(chan error, 1)
	}
	return f.closeCh
}

// Connect dials the broker. It refuses to run while state is
// Opening|Open|Reconnecting (spec §4.6.1).
func (f *Facade) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateOpening || f.state == StateOpen || f.state == StateReconnecting {
		f.mu.Unlock()
		return fmt.Errorf("amqpfacade: connect called in state %s", f.state)
	}
	f.state = StateOpening
	f.mu.Unlock()

	conn, err := amqp.DialConfig(f.url, f.config)
	if err != nil {
		f.mu.Lock()
		f.state = StateClosed
		f.mu.Unlock()
		return fmt.Errorf("amqp dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.state = StateOpen
	ready := f.readyCh
	f.readyCh = nil
	f.mu.Unlock()

	if ready != nil {
		close(ready)
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr := <-notify
		f.mu.Lock()
		f.state = StateClosed
		closed := f.closeCh
		f.closeCh = nil
		f.mu.Unlock()
		if closed != nil {
			if amqpErr != nil {
				closed <- amqpErr
			} else {
				closed <- nil
			}
			close(closed)
		}
	}()

	return nil
}

func (f *Facade) Channel() (*amqp.Channel, error) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("amqpfacade: not connected")
	}
	return conn.Channel()
}

func (f *Facade) DeclareQueue(ch *amqp.Channel, opts QueueOptions) (Queue, *Error) {
	q, err := ch.QueueDeclare(opts.Name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, opts.Args)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			return Queue{}, fromAMQPErr(opts.Name, amqpErr)
		}
		return Queue{}, &Error{ReplyCode: 0, Reason: err.Error(), Queue: opts.Name}
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (f *Facade) DeclareExchange(ch *amqp.Channel, opts ExchangeOptions) error {
	return ch.ExchangeDeclare(opts.Name, opts.Kind, opts.Durable, opts.AutoDelete, false, false, opts.Args)
}

func (f *Facade) Bind(ch *amqp.Channel, queue, routingKey, exchange string, args amqp.Table) error {
	return ch.QueueBind(queue, routingKey, exchange, false, args)
}

func (f *Facade) Consume(ch *amqp.Channel, queue string, tag string, qos QoS) (*ConsumerHandle, error) {
	if qos.PrefetchCount > 0 {
		if err := ch.Qos(qos.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(queue, tag, qos.NoAck, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	handle := &ConsumerHandle{
		Queue:      queue,
		Tag:        tag,
		Deliveries: deliveries,
		errCh:      make(chan *Error, 1),
		cancelCh:   make(chan struct{}),
		ch:         ch,
	}

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelNotify := ch.NotifyCancel(make(chan string, 1))

	handle.doneWg.Add(1)
	go func() {
		defer handle.doneWg.Done()
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				handle.errCh <- fromAMQPErr(queue, amqpErr)
			}
			close(handle.cancelCh)
		case <-cancelNotify:
			close(handle.cancelCh)
		}
	}()

	return handle, nil
}

// Publish writes to exchange/routingKey. When opts.Confirm is true it
// enables publisher confirms on ch (idempotent per channel) and waits
// for the broker's ack/return before returning, grounded on
// event-service's publisher confirm/return handling.
type PublishOptions struct {
	Confirm   bool
	Mandatory bool
	Immediate bool
	Timeout   time.Duration
}

func (f *Facade) Publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, msg amqp.Publishing, opts PublishOptions) error {
	if !opts.Confirm {
		return ch.PublishWithContext(ctx, exchange, routingKey, opts.Mandatory, opts.Immediate, msg)
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, opts.Mandatory, opts.Immediate, msg); err != nil {
		return err
	}

	wait := opts.Timeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ret := <-returnCh:
		return fmt.Errorf("publish returned: %d %s", ret.ReplyCode, ret.ReplyText)
	case conf := <-confirmCh:
		if !conf.Ack {
			return fmt.Errorf("publish nacked by broker")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish confirm timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Facade) Close() error {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.state = StateClosed
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
