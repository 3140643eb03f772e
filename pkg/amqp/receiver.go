package amqp

import (
	"fmt"
)

// ReceivedDelivery describes a completed incoming delivery.
type ReceivedDelivery struct {
	DeliveryID    uint32
	DeliveryTag   []byte
	MessageFormat uint32
	Settled       bool
}

// MessageHandler processes a received message. For unsettled deliveries a
// non-nil result is sent to the peer as a settled disposition; returning nil
// leaves the delivery for a later SendDisposition. The handler runs on the
// connection's reader goroutine.
type MessageHandler func(msg *Message, d ReceivedDelivery) DeliveryState

// Receiver is the receiving end of a link. It grants credit to the peer,
// reassembles multi-frame transfers and hands decoded messages to its
// MessageHandler.
type Receiver struct {
	link

	handler MessageHandler

	// guarded by mu
	buf        []byte
	inProgress bool
	cur        ReceivedDelivery
}

func newReceiver(sess linkSession, handle uint32, handler MessageHandler, opts ...LinkOption) *Receiver {
	r := &Receiver{handler: handler}
	r.init(sess, handle, RoleReceiver, opts)
	return r
}

// Credit returns the credit currently granted to the peer.
func (r *Receiver) Credit() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLinkCredit
}

// DeliveryCount returns the receiver's delivery-count.
func (r *Receiver) DeliveryCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveryCount
}

// SendDisposition settles delivery id with state. It fails with
// ErrIllegalState when the link is not attached.
func (r *Receiver) SendDisposition(id uint32, state DeliveryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispositionLocked(id, state)
}

func (r *Receiver) dispositionLocked(id uint32, state DeliveryState) error {
	if r.state != LinkAttached || r.closed {
		return fmt.Errorf("%w: disposition on %s link %q", ErrIllegalState, r.state, r.name)
	}
	d := &Disposition{Role: RoleReceiver, First: id, Settled: true, State: state}
	if err := r.session.sendPerformative(d); err != nil {
		return fmt.Errorf("send disposition: %w", err)
	}
	return nil
}

// IssueCredit grants the peer n more transfers on top of the current credit.
func (r *Receiver) IssueCredit(n uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != LinkAttached || r.closed {
		return fmt.Errorf("%w: flow on %s link %q", ErrIllegalState, r.state, r.name)
	}
	r.currentLinkCredit += int64(n)
	return r.session.sendPerformative(r.linkFlowLocked(uint32(r.currentLinkCredit)))
}

// handleFrame processes a frame routed to this link by the session.
func (r *Receiver) handleFrame(p Performative) {
	r.mu.Lock()
	switch fr := p.(type) {
	case *Attach:
		r.attachLocked(fr)
	case *Transfer:
		if msg, d, ok := r.transferLocked(fr); ok {
			r.mu.Unlock()
			r.deliver(msg, d)
			return
		}
	case *Flow:
		if fr.Echo && r.state == LinkAttached {
			if err := r.session.sendPerformative(r.linkFlowLocked(uint32(max(r.currentLinkCredit, 0)))); err != nil {
				r.log.Warn().Err(err).Msg("[receiver] failed to echo flow")
			}
		}
	case *Disposition:
		// the peer settling in mode second; nothing is tracked here
	case *Detach:
		r.remoteDetachLocked(fr)
		r.resetLocked()
	default:
		r.log.Warn().Str("frame", performativeName(p)).Msg("[receiver] unexpected frame ignored")
	}
	r.mu.Unlock()
}

func (r *Receiver) attachLocked(a *Attach) {
	if a.InitialDeliveryCount == nil && r.state == LinkAttaching {
		r.resetLocked()
		r.violationLocked(fmt.Errorf("%w: attach without initial-delivery-count", ErrProtocolViolation))
		return
	}
	if !r.remoteAttachLocked(a) {
		return
	}
	r.deliveryCount = *a.InitialDeliveryCount
	r.currentLinkCredit = int64(r.linkCredit)
	r.markAttachedLocked()
	if err := r.session.sendPerformative(r.linkFlowLocked(r.linkCredit)); err != nil {
		r.log.Warn().Err(err).Msg("[receiver] failed to grant credit")
	}
}

// transferLocked adds fr to the delivery in progress. When fr completes the
// delivery it returns the decoded message and true.
func (r *Receiver) transferLocked(fr *Transfer) (*Message, ReceivedDelivery, bool) {
	if r.state != LinkAttached {
		r.log.Warn().Str("state", r.state.String()).Msg("[receiver] transfer on unattached link ignored")
		return nil, ReceivedDelivery{}, false
	}
	if fr.Aborted {
		r.log.Debug().Uint32("delivery_id", r.cur.DeliveryID).Msg("[receiver] delivery aborted")
		r.resetLocked()
		return nil, ReceivedDelivery{}, false
	}
	if !r.inProgress {
		if fr.DeliveryID == nil {
			r.resetLocked()
			r.violationLocked(fmt.Errorf("%w: transfer without delivery-id and no delivery in progress", ErrProtocolViolation))
			return nil, ReceivedDelivery{}, false
		}
		r.inProgress = true
		r.cur = ReceivedDelivery{
			DeliveryID:  *fr.DeliveryID,
			DeliveryTag: fr.DeliveryTag,
			Settled:     fr.Settled,
		}
		if fr.MessageFormat != nil {
			r.cur.MessageFormat = *fr.MessageFormat
		}
		r.currentLinkCredit--
		r.deliveryCount++
		r.replenishLocked()
	} else if fr.Settled {
		r.cur.Settled = true
	}

	if fr.More || len(r.buf) > 0 {
		r.buf = append(r.buf, fr.Payload...)
	}
	if fr.More {
		return nil, ReceivedDelivery{}, false
	}
	payload := fr.Payload
	if len(r.buf) > 0 {
		payload = r.buf
	}
	d := r.cur
	r.resetLocked()

	msg, err := r.codec.Decode(payload)
	if err != nil {
		r.log.Warn().Err(err).Uint32("delivery_id", d.DeliveryID).Msg("[receiver] failed to decode message")
		if !d.Settled {
			rej := &Rejected{Error: &Error{Condition: ErrCondDecodeError, Description: err.Error()}}
			if err := r.dispositionLocked(d.DeliveryID, rej); err != nil {
				r.log.Warn().Err(err).Msg("[receiver] failed to reject delivery")
			}
		}
		return nil, ReceivedDelivery{}, false
	}
	msg.Format = d.MessageFormat
	return msg, d, true
}

// replenishLocked restores the full window once half of it is used.
func (r *Receiver) replenishLocked() {
	if r.linkCredit == 0 || r.currentLinkCredit > int64(r.linkCredit/2) {
		return
	}
	r.currentLinkCredit = int64(r.linkCredit)
	if err := r.session.sendPerformative(r.linkFlowLocked(r.linkCredit)); err != nil {
		r.log.Warn().Err(err).Msg("[receiver] failed to replenish credit")
	}
}

func (r *Receiver) resetLocked() {
	r.buf = nil
	r.inProgress = false
	r.cur = ReceivedDelivery{}
}

// deliver runs the handler without holding the lock and settles the
// delivery with its result.
func (r *Receiver) deliver(msg *Message, d ReceivedDelivery) {
	if r.handler == nil {
		return
	}
	state := r.callHandler(msg, d)
	if d.Settled || state == nil {
		return
	}
	if err := r.SendDisposition(d.DeliveryID, state); err != nil {
		r.log.Warn().Err(err).Uint32("delivery_id", d.DeliveryID).Msg("[receiver] failed to send disposition")
	}
}

func (r *Receiver) callHandler(msg *Message, d ReceivedDelivery) (state DeliveryState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Uint32("delivery_id", d.DeliveryID).Msg("[receiver] message handler panicked")
			state = nil
		}
	}()
	return r.handler(msg, d)
}

// sessionClosed detaches the link after its session ended or the
// connection dropped.
func (r *Receiver) sessionClosed(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.setDetachedLocked(cause)
}
