package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// FailurePolicy controls behavior when upstream (real broker) fails.
type FailurePolicy int

const (
	FailCloseClient FailurePolicy = iota // close client immediately
	FailReconnect                        // attempt reconnect
	FailEnqueue                          // enqueue in memory until upstream back
)

func (p FailurePolicy) String() string {
	switch p {
	case FailCloseClient:
		return "close"
	case FailReconnect:
		return "reconnect"
	case FailEnqueue:
		return "enqueue"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// ParseFailurePolicy accepts "close", "reconnect" or "enqueue".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "close":
		return FailCloseClient, nil
	case "reconnect", "":
		return FailReconnect, nil
	case "enqueue":
		return FailEnqueue, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}

// UpstreamConfig configures the upstream broker connection and behavior.
type UpstreamConfig struct {
	URL            string
	TLS            bool
	DefaultUser    string
	DefaultPass    string
	TLSConfig      *tls.Config
	FailurePolicy  FailurePolicy
	ReconnectDelay time.Duration
	ConfirmTimeout time.Duration
}

func (c *UpstreamConfig) setDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
}

// Settler settles received deliveries. *amqp.Receiver implements it.
type Settler interface {
	SendDisposition(id uint32, state amqp.DeliveryState) error
}

// PublishHook allows intercepting messages before they are forwarded
// upstream. When handled is true the message is not published and state
// settles the delivery.
type PublishHook func(msg *amqp.Message, d amqp.ReceivedDelivery) (handled bool, state amqp.DeliveryState)

type forwardJob struct {
	msg *amqp.Message
	d   amqp.ReceivedDelivery
}

// Forwarder publishes messages received on an AMQP 1.0 link to RabbitMQ and
// settles each delivery with the broker's verdict: accepted on ack, rejected
// on nack, released when the publish failed.
type Forwarder struct {
	up          *Upstream
	exchange    string
	routingKey  string
	PublishHook PublishHook
	logger      zerolog.Logger

	buffer int
	wake   chan struct{}

	mu      sync.Mutex
	queue   []forwardJob
	stopped bool
}

// NewForwarder returns a Forwarder publishing to exchange. Messages with a
// subject use it as routing key; others use routingKey. buffer bounds the
// messages held between the link and the broker; deliveries arriving while
// it is full are released.
func NewForwarder(up *Upstream, exchange, routingKey string, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Forwarder{
		up:         up,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     zerolog.Nop(),
		buffer:     buffer,
		wake:       make(chan struct{}, 1),
	}
}

func (f *Forwarder) SetLogger(l zerolog.Logger) {
	f.logger = l.With().Str("component", "forwarder").Logger()
}

// Handler returns the MessageHandler to attach the receiving link with. It
// runs on the connection's reader and never waits for the broker:
// deliveries are settled later by Run. Once Run has returned, or while the
// buffer is full, they are released.
func (f *Forwarder) Handler() amqp.MessageHandler {
	return func(msg *amqp.Message, d amqp.ReceivedDelivery) amqp.DeliveryState {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return &amqp.Released{}
		}
		if len(f.queue) >= f.buffer {
			f.mu.Unlock()
			f.logger.Warn().Uint32("delivery_id", d.DeliveryID).Int("buffer", f.buffer).Msg("forward buffer full, releasing delivery")
			return &amqp.Released{}
		}
		f.queue = append(f.queue, forwardJob{msg: msg, d: d})
		f.mu.Unlock()
		select {
		case f.wake <- struct{}{}:
		default:
		}
		return nil
	}
}

// Buffered returns the number of messages waiting to be forwarded.
func (f *Forwarder) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Run forwards queued messages until ctx is done or the Upstream becomes
// unusable. Messages still buffered then are released. It must be called
// once.
func (f *Forwarder) Run(ctx context.Context, settler Settler) error {
	defer f.stop(settler)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.up.Done():
			return f.up.Err()
		default:
		}
		job, ok := f.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.up.Done():
				return f.up.Err()
			case <-f.wake:
			}
			continue
		}
		f.forward(ctx, settler, job)
	}
}

func (f *Forwarder) next() (forwardJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return forwardJob{}, false
	}
	job := f.queue[0]
	f.queue[0] = forwardJob{}
	f.queue = f.queue[1:]
	return job, true
}

func (f *Forwarder) stop(settler Settler) {
	f.mu.Lock()
	f.stopped = true
	left := f.queue
	f.queue = nil
	f.mu.Unlock()
	for _, job := range left {
		if job.d.Settled {
			continue
		}
		if err := settler.SendDisposition(job.d.DeliveryID, &amqp.Released{}); err != nil {
			f.logger.Error().Err(err).Uint32("delivery_id", job.d.DeliveryID).Msg("failed to release buffered delivery")
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, settler Settler, job forwardJob) {
	var state amqp.DeliveryState
	handled := false
	if f.PublishHook != nil {
		handled, state = f.PublishHook(job.msg, job.d)
	}
	if !handled {
		key := f.routingKey
		if p := job.msg.Properties; p != nil && p.Subject != nil && *p.Subject != "" {
			key = *p.Subject
		}
		acked, err := f.up.Publish(ctx, f.exchange, key, toPublishing(job.msg))
		switch {
		case err != nil:
			f.logger.Error().Err(err).Uint32("delivery_id", job.d.DeliveryID).Str("exchange", f.exchange).Str("rkey", key).Msg("failed to forward message upstream")
			state = &amqp.Released{}
		case acked:
			state = &amqp.Accepted{}
		default:
			state = &amqp.Rejected{Error: &amqp.Error{Condition: amqp.ErrCondInternalError, Description: "upstream broker nacked the message"}}
		}
	}
	if job.d.Settled || state == nil {
		return
	}
	if err := settler.SendDisposition(job.d.DeliveryID, state); err != nil {
		f.logger.Error().Err(err).Uint32("delivery_id", job.d.DeliveryID).Msg("failed to settle forwarded delivery")
	}
}

// toPublishing maps an AMQP 1.0 message onto a RabbitMQ publishing. Data
// sections are concatenated; application properties that a RabbitMQ table
// cannot carry are dropped.
func toPublishing(msg *amqp.Message) amqp091.Publishing {
	pub := amqp091.Publishing{Body: bytes.Join(msg.Data, nil)}
	if h := msg.Header; h != nil {
		if h.Durable {
			pub.DeliveryMode = amqp091.Persistent
		}
		pub.Priority = h.Priority
		if h.TTL > 0 {
			pub.Expiration = strconv.FormatInt(h.TTL.Milliseconds(), 10)
		}
	}
	if p := msg.Properties; p != nil {
		pub.ContentType = deref(p.ContentType)
		pub.ContentEncoding = deref(p.ContentEncoding)
		pub.ReplyTo = deref(p.ReplyTo)
		if p.MessageID != nil {
			pub.MessageId = fmt.Sprint(p.MessageID)
		}
		if p.CorrelationID != nil {
			pub.CorrelationId = fmt.Sprint(p.CorrelationID)
		}
		if p.CreationTime != nil {
			pub.Timestamp = *p.CreationTime
		}
	}
	if len(msg.ApplicationProperties) > 0 {
		pub.Headers = amqp091.Table{}
		for k, v := range msg.ApplicationProperties {
			if hv, ok := tableValue(v); ok {
				pub.Headers[k] = hv
			}
		}
	}
	return pub
}

func tableValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil, bool, int8, uint8, int16, int32, int64, int, float32, float64, string, []byte, time.Time:
		return x, true
	case uint16:
		return int32(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return nil, false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
