package upstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// TransferSender sends messages over an AMQP 1.0 link. *amqp.Sender
// implements it.
type TransferSender interface {
	SendTransfer(msg *amqp.Message, opts ...amqp.SendOption) (*amqp.PendingDelivery, error)
}

// PumpConfig selects the RabbitMQ queue a Pump drains.
type PumpConfig struct {
	Queue       string
	ConsumerTag string
	// Prefetch bounds deliveries in flight on the AMQP 1.0 link.
	Prefetch int
	// Timeout abandons a transfer the peer has not settled in time; the
	// message is requeued.
	Timeout time.Duration
	// Settled sends pre-settled transfers, acking each once it is written.
	Settled bool
}

// Pump moves messages from a RabbitMQ queue onto an AMQP 1.0 sender link.
// Each RabbitMQ delivery is acked or nacked when its transfer is settled.
type Pump struct {
	up     *Upstream
	cfg    PumpConfig
	logger zerolog.Logger
}

func NewPump(up *Upstream, cfg PumpConfig) *Pump {
	return &Pump{up: up, cfg: cfg, logger: zerolog.Nop()}
}

func (p *Pump) SetLogger(l zerolog.Logger) {
	p.logger = l.With().Str("component", "pump").Str("queue", p.cfg.Queue).Logger()
}

// Run consumes until ctx is done. When the subscription ends it resubscribes
// after the reconnect delay unless the policy is FailCloseClient.
func (p *Pump) Run(ctx context.Context, s TransferSender) error {
	for {
		c, err := p.up.Consume(p.cfg.Queue, p.cfg.ConsumerTag, p.cfg.Prefetch)
		if err != nil {
			if !p.retry(ctx, err) {
				return err
			}
			continue
		}
		p.logger.Info().Str("up_tag", c.Tag).Msg("consuming from upstream")
		err = p.pump(ctx, s, c)
		_ = c.Close()
		if err != nil {
			return err
		}
		lost := fmt.Errorf("%w: consumer %s stopped", ErrUpstreamLost, c.Tag)
		if !p.retry(ctx, lost) {
			return lost
		}
	}
}

func (p *Pump) retry(ctx context.Context, err error) bool {
	if p.up.Config().FailurePolicy == FailCloseClient || p.up.isDone() {
		return false
	}
	p.logger.Warn().Err(err).Dur("delay", p.up.Config().ReconnectDelay).Msg("upstream consumer unavailable, will retry")
	select {
	case <-ctx.Done():
		return false
	case <-p.up.Done():
		return false
	case <-time.After(p.up.Config().ReconnectDelay):
		return true
	}
}

func (p *Pump) pump(ctx context.Context, s TransferSender, c *Consumer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-c.Deliveries:
			if !ok {
				return nil
			}
			p.forward(s, d)
		}
	}
}

func (p *Pump) forward(s TransferSender, d amqp091.Delivery) {
	opts := []amqp.SendOption{amqp.WithOnSettled(func(_ *amqp.Message, reason amqp.SettleReason, state amqp.DeliveryState) error {
		return settleUpstream(d, reason, state)
	})}
	if p.cfg.Timeout > 0 {
		opts = append(opts, amqp.WithTimeout(p.cfg.Timeout))
	}
	if p.cfg.Settled {
		opts = append(opts, amqp.WithSettled(true))
	}
	if _, err := s.SendTransfer(fromDelivery(d), opts...); err != nil {
		p.logger.Error().Err(err).Uint64("up_tag", d.DeliveryTag).Msg("failed to send upstream delivery, requeueing")
		if nerr := d.Nack(false, true); nerr != nil {
			p.logger.Error().Err(nerr).Uint64("up_tag", d.DeliveryTag).Msg("failed to nack upstream delivery")
		}
	}
}

// settleUpstream acks or nacks d according to how its transfer ended.
func settleUpstream(d amqp091.Delivery, reason amqp.SettleReason, state amqp.DeliveryState) error {
	switch reason {
	case amqp.SettleSettled:
		return d.Ack(false)
	case amqp.SettleDispositionReceived:
		switch st := state.(type) {
		case *amqp.Accepted:
			return d.Ack(false)
		case *amqp.Rejected:
			return d.Nack(false, false)
		case *amqp.Modified:
			return d.Nack(false, !st.UndeliverableHere)
		}
	}
	return d.Nack(false, true)
}

// fromDelivery maps a RabbitMQ delivery onto an AMQP 1.0 message. The
// routing key becomes the subject; exchange and routing key are also kept as
// message annotations.
func fromDelivery(d amqp091.Delivery) *amqp.Message {
	msg := amqp.NewMessage(d.Body)
	hdr := &amqp.MessageHeader{
		Durable:  d.DeliveryMode == amqp091.Persistent,
		Priority: d.Priority,
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		hdr.TTL = time.Duration(ms) * time.Millisecond
	}
	if d.Redelivered {
		hdr.DeliveryCount = 1
	}
	msg.Header = hdr

	props := &amqp.MessageProperties{}
	if d.RoutingKey != "" {
		props.Subject = strPtr(d.RoutingKey)
	}
	if d.MessageId != "" {
		props.MessageID = d.MessageId
	}
	if d.CorrelationId != "" {
		props.CorrelationID = d.CorrelationId
	}
	props.ContentType = strPtr(d.ContentType)
	props.ContentEncoding = strPtr(d.ContentEncoding)
	props.ReplyTo = strPtr(d.ReplyTo)
	if !d.Timestamp.IsZero() {
		ts := d.Timestamp
		props.CreationTime = &ts
	}
	msg.Properties = props

	if len(d.Headers) > 0 {
		msg.ApplicationProperties = map[string]any{}
		for k, v := range d.Headers {
			// nested tables and arrays have no application-properties form
			switch v.(type) {
			case amqp091.Table, []any, amqp091.Decimal:
				continue
			}
			msg.ApplicationProperties[k] = v
		}
	}
	msg.Annotations = amqp.Annotations{
		"x-exchange":    d.Exchange,
		"x-routing-key": d.RoutingKey,
	}
	return msg
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
