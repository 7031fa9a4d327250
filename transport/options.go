package transport

import "time"

// Properties is the enriched AMQP-properties record handed to
// Handler (spec §4.6.5 step 4) and accepted back from callers on
// reply/publish paths.
type Properties struct {
	ContentType     string
	ContentEncoding string
	AppID           string
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	Headers         map[string]interface{}
	MessageID       string
	Timestamp       time.Time

	// Delivery metadata overlaid on inbound messages only (spec §6).
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Weight      uint8
}

// replyHeadersKey is the reserved "reply-headers" key. sendReply copies
// a map found under this key in an inbound message's headers into the
// headers of the reply it publishes. On the caller side, a reply's
// headers reach an error through txerrors.Error.ReplyHeaders, not
// through this key.
const replyHeadersKey = "reply-headers"

// PublishOptions covers every option spec §4.7 recognizes on
// publish/send. FullResponse opts into the {headers, data} envelope;
// the zero value keeps spec §4.7's default of a bare-payload
// ("simpleResponse: true") reply.
type PublishOptions struct {
	Exchange      string
	Confirm       bool
	Mandatory     bool
	Immediate     bool
	Timeout       time.Duration
	CacheTTLSec   int
	Gzip          bool
	SkipSerialize bool
	CorrelationID string
	ReplyTo       string
	FullResponse  bool
	Headers       map[string]interface{}
}

// Response is the {headers, data} envelope returned by RPC calls when
// FullResponse is true (spec §4.7).
type Response struct {
	Headers map[string]interface{}
	Data    interface{}
}

// ConsumedQueueOptions configures createConsumedQueue (spec §4.6.4).
type ConsumedQueueOptions struct {
	Queue                       string
	Durable                     bool
	AutoDelete                  bool
	Exclusive                   bool
	Exchange                    string
	Routes                      []string
	Prefetch                    int
	NoAck                       bool
	BindPersistentToHeaders     bool
}
