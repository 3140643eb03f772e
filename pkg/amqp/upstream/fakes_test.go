package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	pub      amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	confirming bool
	confirms   chan amqp091.Confirmation
	tag        uint64
	published  []published
	nack       bool
	noConfirm  bool
	publishErr error
	qos        int
	consumed   string
	deliveries chan amqp091.Delivery
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp091.Delivery, 16)}
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.tag++
	c.published = append(c.published, published{exchange: exchange, key: key, pub: msg})
	if c.confirming && c.confirms != nil && !c.noConfirm {
		c.confirms <- amqp091.Confirmation{DeliveryTag: c.tag, Ack: !c.nack}
	}
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirming = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed = queue
	return c.deliveries, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.deliveries) })
	return nil
}

func (c *fakeChannel) set(fn func(c *fakeChannel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeChannel) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeConn struct {
	mu       sync.Mutex
	channels []*fakeChannel
	notify   []chan *amqp091.Error
	closed   bool
	// applied to each new channel
	setup func(c *fakeChannel)
}

func (c *fakeConn) Channel() (upstreamChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp091.ErrClosed
	}
	ch := newFakeChannel()
	if c.setup != nil {
		c.setup(ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	return nil
}

// drop simulates the broker going away.
func (c *fakeConn) drop(e *amqp091.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, n := range c.notify {
		n <- e
		close(n)
	}
	c.notify = nil
}

func (c *fakeConn) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fails int
	setup func(c *fakeChannel)
}

func (d *fakeDialer) dial(cfg UpstreamConfig) (upstreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("dial tcp: connection refused")
	}
	c := &fakeConn{setup: d.setup}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestUpstream(cfg UpstreamConfig, d *fakeDialer) *Upstream {
	if cfg.URL == "" {
		cfg.URL = "amqp://127.0.0.1:5672/"
	}
	u := NewUpstream(cfg)
	u.dial = d.dial
	return u
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	acks []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ackRecord{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) records() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.acks...)
}

type disposition struct {
	id    uint32
	state amqp.DeliveryState
}

type fakeSettler struct {
	ch chan disposition
}

func newFakeSettler() *fakeSettler { return &fakeSettler{ch: make(chan disposition, 16)} }

func (s *fakeSettler) SendDisposition(id uint32, state amqp.DeliveryState) error {
	s.ch <- disposition{id: id, state: state}
	return nil
}

func (s *fakeSettler) next(t *testing.T) disposition {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disposition")
	}
	return disposition{}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []*amqp.Message
	err  error
}

func (s *fakeSender) SendTransfer(msg *amqp.Message, opts ...amqp.SendOption) (*amqp.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil, nil
}

func (s *fakeSender) sent() []*amqp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*amqp.Message(nil), s.msgs...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
