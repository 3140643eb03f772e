package amqp

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// SettleReason tells a SettleFunc why a delivery reached its final state.
type SettleReason int

const (
	// SettleSettled reports a pre-settled delivery that was transmitted.
	SettleSettled SettleReason = iota
	// SettleDispositionReceived reports a settled disposition from the peer.
	SettleDispositionReceived
	// SettleTimeout reports a delivery whose timeout elapsed before the peer
	// settled it.
	SettleTimeout
	// SettleCancelled reports CancelTransfer or a detach without error.
	SettleCancelled
	// SettleErrored reports a delivery abandoned after a protocol error or a
	// detach carrying an error.
	SettleErrored
)

func (r SettleReason) String() string {
	switch r {
	case SettleSettled:
		return "settled"
	case SettleDispositionReceived:
		return "disposition-received"
	case SettleTimeout:
		return "timeout"
	case SettleCancelled:
		return "cancelled"
	case SettleErrored:
		return "errored"
	}
	return fmt.Sprintf("SettleReason(%d)", int(r))
}

// SettleFunc is called exactly once when a delivery is terminated. state is
// the peer's outcome for SettleDispositionReceived and nil otherwise. A
// returned error is logged.
type SettleFunc func(msg *Message, reason SettleReason, state DeliveryState) error

// SendOption configures a single SendTransfer.
type SendOption func(*sendConfig)

type sendConfig struct {
	settled   bool
	timeout   time.Duration
	onSettled SettleFunc
}

// WithSettled sends the delivery pre-settled. It only has effect on links in
// ModeMixed.
func WithSettled(settled bool) SendOption { return func(c *sendConfig) { c.settled = settled } }

// WithTimeout expires the delivery when the peer has not settled it within d
// of SendTransfer. Expiry is checked by Sweep.
func WithTimeout(d time.Duration) SendOption { return func(c *sendConfig) { c.timeout = d } }

// WithOnSettled registers the settlement callback.
func WithOnSettled(fn SettleFunc) SendOption { return func(c *sendConfig) { c.onSettled = fn } }

// PendingDelivery tracks one message from SendTransfer until it is
// terminated. It is either queued waiting for credit, transmitted and
// waiting for settlement, or terminated.
type PendingDelivery struct {
	Message *Message

	sender    *Sender
	settled   bool
	created   time.Time
	timeout   time.Duration
	onSettled SettleFunc
	done      chan struct{}

	// guarded by sender.mu
	sent       bool
	deliveryID uint32
	tag        []byte
	terminated bool
	reason     SettleReason
	state      DeliveryState
}

// Settled reports whether the delivery is sent pre-settled.
func (d *PendingDelivery) Settled() bool { return d.settled }

// Created returns when SendTransfer was called.
func (d *PendingDelivery) Created() time.Time { return d.created }

// DeliveryID returns the id assigned by the session, and false while the
// delivery has not been transmitted.
func (d *PendingDelivery) DeliveryID() (uint32, bool) {
	d.sender.mu.Lock()
	defer d.sender.mu.Unlock()
	return d.deliveryID, d.sent
}

// Tag returns the delivery tag, nil before transmission.
func (d *PendingDelivery) Tag() []byte {
	d.sender.mu.Lock()
	defer d.sender.mu.Unlock()
	return d.tag
}

// Done is closed after the delivery is terminated and its callback returned.
func (d *PendingDelivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery is terminated or ctx is done.
func (d *PendingDelivery) Wait(ctx context.Context) (SettleReason, DeliveryState, error) {
	select {
	case <-d.done:
		d.sender.mu.Lock()
		defer d.sender.mu.Unlock()
		return d.reason, d.state, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// describe names the delivery in errors and logs.
func (d *PendingDelivery) describe() string {
	switch {
	case d.sent:
		return fmt.Sprintf("delivery-id %d (tag %x)", d.deliveryID, d.tag)
	case d.terminated:
		return "terminated unsent delivery"
	default:
		return "queued unsent delivery"
	}
}

// settlement is a terminated delivery whose callback has not run yet.
type settlement struct {
	d      *PendingDelivery
	reason SettleReason
	state  DeliveryState
}

func (st settlement) fire(log zerolog.Logger) {
	d := st.d
	defer close(d.done)
	if d.onSettled == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("reason", st.reason.String()).Msg("[sender] settlement callback panicked")
		}
	}()
	if err := d.onSettled(d.Message, st.reason, st.state); err != nil {
		log.Warn().Err(err).Str("reason", st.reason.String()).Msg("[sender] settlement callback failed")
	}
}

func fireAll(log zerolog.Logger, sts []settlement) {
	for _, st := range sts {
		st.fire(log)
	}
}

// Sender is the sending end of a link. Transfers are gated by the credit the
// peer grants with flow frames; deliveries submitted without credit are
// queued and sent in order when credit arrives.
type Sender struct {
	link

	queue         []*PendingDelivery
	pending       map[uint32]*PendingDelivery
	flowRequested bool // a flow asking for credit was sent since the last peer flow
}

func newSender(sess linkSession, handle uint32, opts ...LinkOption) *Sender {
	s := &Sender{pending: make(map[uint32]*PendingDelivery)}
	s.init(sess, handle, RoleSender, opts)
	return s
}

// Credit returns the current link credit.
func (s *Sender) Credit() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLinkCredit
}

// DeliveryCount returns the number of deliveries transmitted since attach,
// offset by the initial delivery-count.
func (s *Sender) DeliveryCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveryCount
}

// Pending returns the number of transmitted deliveries awaiting settlement
// and the number queued for credit.
func (s *Sender) Pending() (unsettled, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.queue)
}

// SendTransfer submits msg. It fails with ErrIllegalState when the link is
// not attached and with ErrSendFailed when the session could not transmit
// the transfer; a failed delivery is not queued again. Without credit, or
// while the peer's session window is closed, the delivery is queued.
// Settlement is reported through WithOnSettled.
func (s *Sender) SendTransfer(msg *Message, opts ...SendOption) (*PendingDelivery, error) {
	if msg == nil {
		return nil, errors.New("amqp: nil message")
	}
	var cfg sendConfig
	for _, o := range opts {
		o(&cfg)
	}

	s.mu.Lock()
	if s.state != LinkAttached || s.closed {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: send on %s link %q", ErrIllegalState, state, s.name)
	}
	settled := false
	switch s.sendSettleMode {
	case ModeSettled:
		settled = true
	case ModeMixed:
		settled = cfg.settled
	}
	d := &PendingDelivery{
		Message:   msg,
		sender:    s,
		settled:   settled,
		created:   s.clock(),
		timeout:   cfg.timeout,
		onSettled: cfg.onSettled,
		done:      make(chan struct{}),
	}
	if s.currentLinkCredit <= 0 || len(s.queue) > 0 {
		s.queue = append(s.queue, d)
		s.log.Debug().Int("queued", len(s.queue)).Msg("[sender] no credit, delivery queued")
		s.mu.Unlock()
		return d, nil
	}
	st, err := s.transmitLocked(d)
	if errors.Is(err, errWindowClosed) {
		s.queue = append(s.queue, d)
		s.log.Debug().Int("queued", len(s.queue)).Msg("[sender] session window closed, delivery queued")
		s.mu.Unlock()
		return d, nil
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	if st != nil {
		st.fire(s.log)
	}
	return d, nil
}

// transmitLocked sends d as a transfer. A pre-settled delivery is terminated
// at once and its settlement returned.
func (s *Sender) transmitLocked(d *PendingDelivery) (*settlement, error) {
	payload, err := s.codec.Encode(d.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, unsendableError{fmt.Errorf("encode message: %w", err)})
	}
	if s.maxMessageSize != 0 && uint64(len(payload)) > s.maxMessageSize {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, unsendableError{
			fmt.Errorf("message of %d bytes exceeds max-message-size %d", len(payload), s.maxMessageSize),
		})
	}
	tag := binary.BigEndian.AppendUint32(nil, s.deliveryCount+1)
	format := d.Message.Format
	t := &Transfer{
		Handle:        s.handle,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       d.settled,
		Payload:       payload,
	}
	id, err := s.session.sendTransfer(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	d.sent = true
	d.deliveryID = id
	d.tag = tag
	s.deliveryCount++
	s.currentLinkCredit--
	s.log.Debug().Uint32("delivery_id", id).Bool("settled", d.settled).Int64("credit", s.currentLinkCredit).Msg("[sender] transfer sent")

	if d.settled {
		st := s.terminateLocked(d, SettleSettled, nil)
		return &st, nil
	}
	s.pending[id] = d
	return nil, nil
}

func (s *Sender) terminateLocked(d *PendingDelivery, reason SettleReason, state DeliveryState) settlement {
	d.terminated = true
	d.reason = reason
	d.state = state
	return settlement{d: d, reason: reason, state: state}
}

// drainLocked transmits queued deliveries in order while credit lasts. A
// delivery the session fails to transmit stays at the head of the queue.
func (s *Sender) drainLocked() []settlement {
	var out []settlement
	for len(s.queue) > 0 && s.currentLinkCredit > 0 && s.state == LinkAttached {
		d := s.queue[0]
		st, err := s.transmitLocked(d)
		if err != nil {
			if isUnsendable(err) {
				s.log.Error().Err(err).Msg("[sender] dropping queued delivery that cannot be sent")
				s.queue[0] = nil
				s.queue = s.queue[1:]
				out = append(out, s.terminateLocked(d, SettleErrored, nil))
				continue
			}
			if !errors.Is(err, errWindowClosed) {
				s.log.Warn().Err(err).Int("queued", len(s.queue)).Msg("[sender] transmit failed, delivery stays queued")
			}
			break
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// resume transmits queued deliveries after the session window reopened.
func (s *Sender) resume() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	out := s.drainLocked()
	s.mu.Unlock()
	fireAll(s.log, out)
}

// unsendableError marks failures that retrying cannot fix.
type unsendableError struct{ err error }

func (e unsendableError) Error() string { return e.err.Error() }
func (e unsendableError) Unwrap() error { return e.err }

func isUnsendable(err error) bool {
	var ue unsendableError
	return errors.As(err, &ue)
}

// CancelTransfer terminates a transmitted delivery that is still waiting
// for settlement and fires its callback with SettleCancelled. The peer is
// not told. Deliveries that are queued, settled or unknown fail with
// ErrNotFound.
func (s *Sender) CancelTransfer(d *PendingDelivery) error {
	if d == nil {
		return fmt.Errorf("%w: nil delivery", ErrNotFound)
	}
	s.mu.Lock()
	if !d.sent || d.terminated || s.pending[d.deliveryID] != d {
		desc := d.describe()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on link %q", ErrNotFound, desc, s.name)
	}
	delete(s.pending, d.deliveryID)
	st := s.terminateLocked(d, SettleCancelled, nil)
	s.mu.Unlock()
	st.fire(s.log)
	return nil
}

// Sweep asks the peer for credit when none is left, once until the peer's
// next flow, then expires pending deliveries whose timeout has elapsed.
// Conn calls it periodically for every sender.
func (s *Sender) Sweep() {
	s.mu.Lock()
	if s.state != LinkAttached {
		s.mu.Unlock()
		return
	}
	if s.currentLinkCredit <= 0 && !s.flowRequested {
		if err := s.session.sendPerformative(s.linkFlowLocked(s.linkCredit)); err != nil {
			s.log.Warn().Err(err).Msg("[sender] failed to request credit")
		} else {
			s.flowRequested = true
		}
	}
	now := s.clock()
	var expired []uint32
	for id, d := range s.pending {
		if d.timeout > 0 && now.Sub(d.created) >= d.timeout {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	out := make([]settlement, 0, len(expired))
	for _, id := range expired {
		d := s.pending[id]
		delete(s.pending, id)
		out = append(out, s.terminateLocked(d, SettleTimeout, nil))
	}
	s.mu.Unlock()
	if len(out) > 0 {
		s.log.Debug().Int("expired", len(out)).Msg("[sender] deliveries timed out")
	}
	fireAll(s.log, out)
}

// handleFrame processes a frame routed to this link by the session.
func (s *Sender) handleFrame(p Performative) {
	s.mu.Lock()
	var out []settlement
	switch fr := p.(type) {
	case *Attach:
		if s.remoteAttachLocked(fr) {
			s.markAttachedLocked()
		}
	case *Flow:
		out = s.flowLocked(fr)
	case *Disposition:
		out = s.dispositionLocked(fr)
	case *Detach:
		s.remoteDetachLocked(fr)
		reason := SettleCancelled
		if fr.Error != nil {
			reason = SettleErrored
		}
		out = s.abandonLocked(reason)
	default:
		s.log.Warn().Str("frame", performativeName(p)).Msg("[sender] unexpected frame ignored")
	}
	s.mu.Unlock()
	fireAll(s.log, out)
}

func (s *Sender) flowLocked(fr *Flow) []settlement {
	if fr.Handle == nil || s.state != LinkAttached {
		return nil
	}
	if fr.DeliveryCount == nil || fr.LinkCredit == nil {
		s.violationLocked(fmt.Errorf("%w: flow without delivery-count or link-credit", ErrProtocolViolation))
		return s.abandonLocked(SettleErrored)
	}
	s.flowRequested = false
	s.currentLinkCredit = creditFrom(*fr.DeliveryCount, *fr.LinkCredit, s.deliveryCount)
	s.log.Debug().Int64("credit", s.currentLinkCredit).Msg("[sender] flow")

	out := s.drainLocked()
	if fr.Drain && s.currentLinkCredit > 0 && len(s.queue) == 0 {
		// consume the remaining credit
		s.deliveryCount += uint32(s.currentLinkCredit)
		s.currentLinkCredit = 0
		if err := s.session.sendPerformative(s.linkFlowLocked(0)); err != nil {
			s.log.Warn().Err(err).Msg("[sender] failed to answer drain")
		}
	} else if fr.Echo {
		credit := uint32(max(s.currentLinkCredit, 0))
		if err := s.session.sendPerformative(s.linkFlowLocked(credit)); err != nil {
			s.log.Warn().Err(err).Msg("[sender] failed to echo flow")
		}
	}
	return out
}

// dispositionLocked resolves every pending delivery in [first, last] when
// the disposition is settled.
func (s *Sender) dispositionLocked(fr *Disposition) []settlement {
	if !fr.Settled {
		return nil
	}
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}
	// collect ids first; the map is mutated below
	var ids []uint32
	for id := range s.pending {
		if id-fr.First <= last-fr.First {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uint32) int {
		return cmp.Compare(a-fr.First, b-fr.First)
	})
	out := make([]settlement, 0, len(ids))
	for _, id := range ids {
		d := s.pending[id]
		delete(s.pending, id)
		out = append(out, s.terminateLocked(d, SettleDispositionReceived, fr.State))
	}
	return out
}

// abandonLocked terminates every transmitted and queued delivery. It is
// used when the link detaches.
func (s *Sender) abandonLocked(reason SettleReason) []settlement {
	ids := make([]uint32, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]settlement, 0, len(ids)+len(s.queue))
	for _, id := range ids {
		out = append(out, s.terminateLocked(s.pending[id], reason, nil))
		delete(s.pending, id)
	}
	for _, d := range s.queue {
		out = append(out, s.terminateLocked(d, reason, nil))
	}
	s.queue = nil
	return out
}

// sessionClosed detaches the link after its session ended or the
// connection dropped.
func (s *Sender) sessionClosed(cause error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.setDetachedLocked(cause)
	out := s.abandonLocked(SettleErrored)
	s.mu.Unlock()
	fireAll(s.log, out)
}
