package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	// ErrUpstreamClosed is returned once the Upstream has been closed.
	ErrUpstreamClosed = errors.New("upstream: closed")
	// ErrUpstreamLost is returned after the broker connection dropped under
	// FailCloseClient.
	ErrUpstreamLost = errors.New("upstream: connection lost")
	// ErrConfirmTimeout is returned when the broker does not confirm a publish
	// within ConfirmTimeout.
	ErrConfirmTimeout = errors.New("upstream: confirm timeout")

	errNoChannel = errors.New("upstream: no channel")
)

// room for confirms that arrive after their publish timed out
const confirmBuffer = 64

// upstreamChannel is the part of *amqp091.Channel the bridge uses.
type upstreamChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type upstreamConn interface {
	Channel() (upstreamChannel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

type rabbitConn struct{ *amqp091.Connection }

func (c rabbitConn) Channel() (upstreamChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type dialFunc func(cfg UpstreamConfig) (upstreamConn, error)

func dialRabbit(cfg UpstreamConfig) (upstreamConn, error) {
	dialURL, err := buildDialURL(cfg.URL, cfg.DefaultUser, cfg.DefaultPass)
	if err != nil {
		return nil, err
	}
	var conn *amqp091.Connection
	if cfg.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{InsecureSkipVerify: true}
		}
		conn, err = amqp091.DialTLS(dialURL, tlsCfg)
	} else {
		conn, err = amqp091.Dial(dialURL)
	}
	if err != nil {
		return nil, err
	}
	return rabbitConn{conn}, nil
}

// buildDialURL injects credentials into a configured upstream URL.
func buildDialURL(rawURL, user, pass string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u.String(), nil
}

type enqueuedMsg struct {
	exchange string
	rkey     string
	pub      amqp091.Publishing
	when     time.Time
}

// Upstream is a RabbitMQ connection shared by a Forwarder and a Pump. It
// dials lazily, publishes on a channel in confirm mode and applies the
// configured FailurePolicy when the broker goes away.
type Upstream struct {
	cfg    UpstreamConfig
	dial   dialFunc
	logger zerolog.Logger

	// serializes publish and confirm wait so tags line up
	pubMu sync.Mutex

	mu       sync.Mutex
	conn     upstreamConn
	pubCh    upstreamChannel
	confirms chan amqp091.Confirmation
	nextTag  uint64
	closed   bool
	err      error
	done     chan struct{}

	// connection in-progress singleflight
	connecting    bool
	connectWaitCh chan struct{}
	connectErr    error

	enqueueMu sync.Mutex
	enqueued  []enqueuedMsg
}

// NewUpstream returns an Upstream for cfg. No connection is made until the
// first Publish or Consume.
func NewUpstream(cfg UpstreamConfig) *Upstream {
	cfg.setDefaults()
	return &Upstream{cfg: cfg, dial: dialRabbit, logger: zerolog.Nop(), done: make(chan struct{})}
}

// SetLogger sets the logger used for connection and publish events.
func (u *Upstream) SetLogger(l zerolog.Logger) { u.logger = l.With().Str("component", "upstream").Logger() }

// Config returns the effective configuration.
func (u *Upstream) Config() UpstreamConfig { return u.cfg }

// Done is closed when the Upstream is closed or, under FailCloseClient, when
// the broker connection is lost.
func (u *Upstream) Done() <-chan struct{} { return u.done }

// Err reports why Done was closed.
func (u *Upstream) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Connect dials the broker unless a connection already exists.
func (u *Upstream) Connect() error { return u.connect() }

func (u *Upstream) connect() error {
	u.mu.Lock()
	if u.closed {
		err := u.err
		u.mu.Unlock()
		return err
	}
	if u.conn != nil {
		u.mu.Unlock()
		return nil
	}
	// singleflight: if another goroutine is connecting, wait for it
	if u.connecting {
		ch := u.connectWaitCh
		u.mu.Unlock()
		<-ch
		u.mu.Lock()
		err := u.connectErr
		u.mu.Unlock()
		return err
	}
	u.connecting = true
	u.connectWaitCh = make(chan struct{})
	u.connectErr = nil
	u.mu.Unlock()

	conn, err := u.dial(u.cfg)
	var ch upstreamChannel
	var confirms chan amqp091.Confirmation
	if err == nil {
		ch, confirms, err = openConfirmChannel(conn)
		if err != nil {
			_ = conn.Close()
		}
	}

	u.mu.Lock()
	// if closed while dialing, discard the connection
	if u.closed && err == nil {
		_ = conn.Close()
		err = u.err
	}
	if err == nil {
		u.conn = conn
		u.pubCh = ch
		u.confirms = confirms
		u.nextTag = 0
	}
	u.connectErr = err
	close(u.connectWaitCh)
	u.connecting = false
	u.connectWaitCh = nil
	u.mu.Unlock()
	if err != nil {
		return err
	}

	go u.monitorUpstream(conn)
	go u.drainEnqueued()
	return nil
}

func openConfirmChannel(conn upstreamConn) (upstreamChannel, chan amqp091.Confirmation, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open upstream channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("channel could not be put into confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, confirmBuffer))
	return ch, confirms, nil
}

func (u *Upstream) monitorUpstream(conn upstreamConn) {
	errInfo := <-conn.NotifyClose(make(chan *amqp091.Error, 1))
	u.mu.Lock()
	if u.conn == conn {
		u.conn = nil
		u.pubCh = nil
		u.confirms = nil
	}
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return
	}

	var cause error
	if errInfo != nil {
		cause = errInfo
	}
	u.logger.Info().Err(cause).Msg("upstream connection closed")

	switch u.cfg.FailurePolicy {
	case FailCloseClient:
		lost := ErrUpstreamLost
		if cause != nil {
			lost = fmt.Errorf("%w: %v", ErrUpstreamLost, cause)
		}
		u.shutdown(lost)
	case FailReconnect, FailEnqueue:
		u.reconnectLoop()
	}
}

func (u *Upstream) reconnectLoop() {
	for {
		select {
		case <-u.done:
			return
		case <-time.After(u.cfg.ReconnectDelay):
		}
		if err := u.connect(); err != nil {
			if u.isDone() {
				return
			}
			u.logger.Warn().Err(err).Msg("failed to reconnect to upstream, will retry")
			continue
		}
		u.logger.Info().Msg("reconnected to upstream")
		return
	}
}

func (u *Upstream) isDone() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// shutdown marks the Upstream unusable with cause and returns the live
// connection, if any, for the caller to close.
func (u *Upstream) shutdown(cause error) upstreamConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.err = cause
	conn := u.conn
	u.conn = nil
	u.pubCh = nil
	u.confirms = nil
	close(u.done)
	return conn
}

// Close closes the broker connection and stops reconnect attempts. Messages
// still enqueued are dropped.
func (u *Upstream) Close() error {
	conn := u.shutdown(ErrUpstreamClosed)
	u.enqueueMu.Lock()
	if n := len(u.enqueued); n > 0 {
		u.logger.Warn().Int("count", n).Msg("dropping enqueued messages on close")
	}
	u.enqueued = nil
	u.enqueueMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Publish sends pub to the broker and waits for its confirm. acked is false
// when the broker nacked the message. Failures are handled per the
// FailurePolicy: FailEnqueue keeps the message in memory and reports it
// acked, FailReconnect reconnects and retries once.
func (u *Upstream) Publish(ctx context.Context, exchange, key string, pub amqp091.Publishing) (acked bool, err error) {
	acked, err = u.publish(ctx, exchange, key, pub)
	if err == nil || ctx.Err() != nil || u.isDone() {
		return acked, err
	}
	switch u.cfg.FailurePolicy {
	case FailEnqueue:
		u.logger.Warn().Err(err).Str("exchange", exchange).Str("rkey", key).Msg("upstream publish failed, enqueued")
		u.enqueuePublish(exchange, key, pub)
		return true, nil
	case FailReconnect:
		if cerr := u.connect(); cerr != nil {
			return false, errors.Join(err, cerr)
		}
		return u.publish(ctx, exchange, key, pub)
	}
	return false, err
}

func (u *Upstream) publish(ctx context.Context, exchange, key string, pub amqp091.Publishing) (bool, error) {
	if err := u.connect(); err != nil {
		return false, err
	}
	u.pubMu.Lock()
	defer u.pubMu.Unlock()

	u.mu.Lock()
	ch, confirms := u.pubCh, u.confirms
	u.mu.Unlock()
	if ch == nil {
		return false, errNoChannel
	}
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		return false, fmt.Errorf("upstream publish: %w", err)
	}
	u.mu.Lock()
	if u.pubCh != ch {
		u.mu.Unlock()
		return false, errNoChannel
	}
	u.nextTag++
	tag := u.nextTag
	u.mu.Unlock()

	timer := time.NewTimer(u.cfg.ConfirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				return false, fmt.Errorf("%w: channel closed before confirm", errNoChannel)
			}
			if c.DeliveryTag < tag {
				// late confirm for a publish that already timed out
				continue
			}
			return c.Ack, nil
		case <-timer.C:
			return false, ErrConfirmTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (u *Upstream) enqueuePublish(exchange, rkey string, pub amqp091.Publishing) {
	u.enqueueMu.Lock()
	defer u.enqueueMu.Unlock()
	u.enqueued = append(u.enqueued, enqueuedMsg{exchange: exchange, rkey: rkey, pub: pub, when: time.Now()})
}

// Enqueued returns the number of messages waiting for the broker to return.
func (u *Upstream) Enqueued() int {
	u.enqueueMu.Lock()
	defer u.enqueueMu.Unlock()
	return len(u.enqueued)
}

func (u *Upstream) drainEnqueued() {
	u.enqueueMu.Lock()
	queue := u.enqueued
	u.enqueued = nil
	u.enqueueMu.Unlock()
	for i, em := range queue {
		acked, err := u.publish(context.Background(), em.exchange, em.rkey, em.pub)
		if err != nil {
			// re-enqueue the rest in order for a future retry
			u.enqueueMu.Lock()
			u.enqueued = append(queue[i:len(queue):len(queue)], u.enqueued...)
			u.enqueueMu.Unlock()
			u.logger.Error().Err(err).Str("exchange", em.exchange).Str("rkey", em.rkey).Int("remaining", len(queue)-i).Msg("failed to publish enqueued message, re-enqueued")
			return
		}
		if !acked {
			u.logger.Warn().Str("exchange", em.exchange).Str("rkey", em.rkey).Dur("age", time.Since(em.when)).Msg("upstream nacked enqueued message, dropped")
		}
	}
}

// Consumer is a RabbitMQ subscription on its own channel.
type Consumer struct {
	Tag        string
	Deliveries <-chan amqp091.Delivery
	ch         upstreamChannel
}

// Close closes the consumer's channel; unacknowledged deliveries are
// requeued by the broker.
func (c *Consumer) Close() error { return c.ch.Close() }

// Consume subscribes to queue with manual acknowledgement. prefetch > 0
// limits unacknowledged deliveries.
func (u *Upstream) Consume(queue, consumerTag string, prefetch int) (*Consumer, error) {
	if err := u.connect(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil, errNoChannel
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open upstream channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("upstream qos: %w", err)
		}
	}
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("up-%d", time.Now().UnixNano())
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("upstream consume %q: %w", queue, err)
	}
	return &Consumer{Tag: consumerTag, Deliveries: deliveries, ch: ch}, nil
}
