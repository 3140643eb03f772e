package amqp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultWindow    = 5000
	defaultHandleMax = 4095
)

// errWindowClosed is returned by sendTransfer when the peer's incoming
// window cannot take every frame of the transfer. Nothing was sent and no
// delivery-id was used.
var errWindowClosed = errors.New("amqp: session incoming window of peer is closed")

// linkEndpoint is a Sender or Receiver as seen by its session.
type linkEndpoint interface {
	handleFrame(p Performative)
	sessionClosed(cause error)
	linkName() string
	localHandle() uint32
	linkRole() Role
	attachedCh() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Attach() error
	Close() error
}

// Session multiplexes links over one channel of a Conn. It assigns handles
// and delivery-ids and routes incoming frames to links by handle.
type Session struct {
	conn    *Conn
	channel uint16
	log     zerolog.Logger

	begun chan struct{}
	done  chan struct{}

	mu                   sync.Mutex
	remoteChannel        uint16
	remoteBegin          *Begin
	nextDeliveryID       uint32
	nextOutgoingID       uint32
	nextIncomingID       uint32
	incomingWindow       uint32
	remoteIncomingWindow uint32
	handleMax            uint32
	links                map[uint32]linkEndpoint // by local handle
	remoteLinks          map[uint32]linkEndpoint // by peer handle
	attaching            map[string]linkEndpoint // by name, until the peer attaches
	endSent              bool
	err                  error
}

func newSession(c *Conn, channel uint16) *Session {
	s := &Session{
		conn:           c,
		channel:        channel,
		log:            c.log.With().Uint16("channel", channel).Logger(),
		begun:          make(chan struct{}),
		done:           make(chan struct{}),
		incomingWindow: defaultWindow,
		handleMax:      defaultHandleMax,
		links:          make(map[uint32]linkEndpoint),
		remoteLinks:    make(map[uint32]linkEndpoint),
		attaching:      make(map[string]linkEndpoint),
	}
	return s
}

func (s *Session) beginFrame() *Begin {
	return &Begin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: defaultWindow,
		HandleMax:      s.handleMax,
	}
}

// NewSender attaches a sending link to target and waits for the peer's
// attach.
func (s *Session) NewSender(ctx context.Context, target string, opts ...LinkOption) (*Sender, error) {
	opts = append([]LinkOption{WithTarget(&Target{Address: target})}, opts...)
	var snd *Sender
	err := s.attachLink(ctx, func(handle uint32) linkEndpoint {
		snd = newSender(s, handle, opts...)
		return snd
	})
	if err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver attaches a receiving link to source and waits for the peer's
// attach. handler receives every completed delivery.
func (s *Session) NewReceiver(ctx context.Context, source string, handler MessageHandler, opts ...LinkOption) (*Receiver, error) {
	opts = append([]LinkOption{WithSource(&Source{Address: source})}, opts...)
	var rcv *Receiver
	err := s.attachLink(ctx, func(handle uint32) linkEndpoint {
		rcv = newReceiver(s, handle, handler, opts...)
		return rcv
	})
	if err != nil {
		return nil, err
	}
	return rcv, nil
}

func (s *Session) attachLink(ctx context.Context, build func(handle uint32) linkEndpoint) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	handle, ok := s.allocHandleLocked()
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("amqp: session on channel %d has no free handle (handle-max %d)", s.channel, s.handleMax)
	}
	l := build(handle)
	if _, dup := s.attaching[l.linkName()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("amqp: link %q is already attaching", l.linkName())
	}
	s.links[handle] = l
	s.attaching[l.linkName()] = l
	s.mu.Unlock()

	if err := l.Attach(); err != nil {
		s.unlink(handle)
		return err
	}
	select {
	case <-l.attachedCh():
		return nil
	case <-l.Done():
		if err := l.Err(); err != nil {
			return fmt.Errorf("attach link %q: %w", l.linkName(), err)
		}
		return fmt.Errorf("attach link %q: detached", l.linkName())
	case <-ctx.Done():
		_ = l.Close()
		return ctx.Err()
	}
}

func (s *Session) allocHandleLocked() (uint32, bool) {
	for h := uint32(0); h <= s.handleMax; h++ {
		if _, used := s.links[h]; !used {
			return h, true
		}
	}
	return 0, false
}

// sendPerformative implements linkSession.
func (s *Session) sendPerformative(p Performative) error {
	if fl, ok := p.(*Flow); ok {
		s.mu.Lock()
		s.fillFlowLocked(fl)
		s.mu.Unlock()
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.conn.writeFrame(Frame{Type: frameTypeAMQP, Channel: s.channel, Body: p})
}

func (s *Session) fillFlowLocked(fl *Flow) {
	if s.remoteBegin != nil {
		next := s.nextIncomingID
		fl.NextIncomingID = &next
	}
	fl.IncomingWindow = s.incomingWindow
	fl.NextOutgoingID = s.nextOutgoingID
	fl.OutgoingWindow = defaultWindow
}

// sendTransfer implements linkSession. The payload is split into frames of
// at most the peer's max-frame-size. It never waits: when the peer's
// incoming window is smaller than the frame count it fails with
// errWindowClosed and the caller retries after the next session flow.
func (s *Session) sendTransfer(t *Transfer) (uint32, error) {
	// size the frames for the widest delivery-id encoding
	id := uint32(math.MaxUint32)
	t.DeliveryID = &id
	frames, err := splitTransfer(t, s.conn.peerMaxFrameSize())
	if err != nil {
		t.DeliveryID = nil
		return 0, err
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		t.DeliveryID = nil
		return 0, err
	}
	if uint64(s.remoteIncomingWindow) < uint64(len(frames)) {
		window := s.remoteIncomingWindow
		s.mu.Unlock()
		t.DeliveryID = nil
		return 0, fmt.Errorf("%w: %d frames, window %d", errWindowClosed, len(frames), window)
	}
	id = s.nextDeliveryID
	s.nextDeliveryID++
	s.remoteIncomingWindow -= uint32(len(frames))
	s.nextOutgoingID += uint32(len(frames))
	s.mu.Unlock()

	for _, fr := range frames {
		if err := s.conn.writeFrame(Frame{Type: frameTypeAMQP, Channel: s.channel, Body: fr}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// splitTransfer splits t into frames no larger than maxFrame bytes. Every
// frame but the last has more set.
func splitTransfer(t *Transfer, maxFrame uint32) ([]*Transfer, error) {
	head := *t
	head.Payload = nil
	head.More = true
	overhead, err := encodedSize(&head)
	if err != nil {
		return nil, err
	}
	if overhead+len(t.Payload) <= int(maxFrame) {
		return []*Transfer{t}, nil
	}
	chunk := int(maxFrame) - overhead
	if chunk <= 0 {
		return nil, fmt.Errorf("amqp: max-frame-size %d too small for transfer header", maxFrame)
	}
	payload := t.Payload
	frames := make([]*Transfer, 0, len(payload)/chunk+1)
	for first := true; len(payload) > 0; first = false {
		n := min(chunk, len(payload))
		var fr *Transfer
		if first {
			f := head
			fr = &f
		} else {
			fr = &Transfer{Handle: t.Handle}
		}
		fr.Payload = payload[:n]
		payload = payload[n:]
		fr.More = len(payload) > 0
		frames = append(frames, fr)
	}
	return frames, nil
}

// unlink implements linkSession.
func (s *Session) unlink(handle uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[handle]
	if !ok {
		return
	}
	delete(s.links, handle)
	if s.attaching[l.linkName()] == l {
		delete(s.attaching, l.linkName())
	}
	for rh, rl := range s.remoteLinks {
		if rl == l {
			delete(s.remoteLinks, rh)
		}
	}
}

// Senders returns the sending links currently attached to the session.
func (s *Session) Senders() []*Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Sender
	for _, l := range s.links {
		if snd, ok := l.(*Sender); ok {
			out = append(out, snd)
		}
	}
	return out
}

// handleFrame routes a frame received on the session's channel.
func (s *Session) handleFrame(p Performative) {
	switch fr := p.(type) {
	case *Begin:
		s.mu.Lock()
		if s.remoteBegin != nil {
			s.mu.Unlock()
			s.log.Warn().Msg("[session] duplicate begin ignored")
			return
		}
		s.remoteBegin = fr
		s.nextIncomingID = fr.NextOutgoingID
		s.remoteIncomingWindow = fr.IncomingWindow
		if fr.HandleMax < s.handleMax {
			s.handleMax = fr.HandleMax
		}
		s.mu.Unlock()
		close(s.begun)

	case *Attach:
		s.mu.Lock()
		l, ok := s.attaching[fr.Name]
		if ok {
			delete(s.attaching, fr.Name)
			s.remoteLinks[fr.Handle] = l
		}
		s.mu.Unlock()
		if !ok {
			s.log.Warn().Str("link", fr.Name).Msg("[session] attach for unknown link ignored")
			return
		}
		l.handleFrame(fr)

	case *Flow:
		s.mu.Lock()
		var next uint32
		if fr.NextIncomingID != nil {
			next = *fr.NextIncomingID
		}
		s.remoteIncomingWindow = next + fr.IncomingWindow - s.nextOutgoingID
		open := s.remoteIncomingWindow > 0
		var l linkEndpoint
		if fr.Handle != nil {
			l = s.remoteLinks[*fr.Handle]
		}
		s.mu.Unlock()
		if l != nil {
			l.handleFrame(fr)
		} else if fr.Handle == nil && fr.Echo {
			if err := s.sendPerformative(&Flow{}); err != nil {
				s.log.Warn().Err(err).Msg("[session] failed to echo flow")
			}
		}
		if open {
			for _, snd := range s.Senders() {
				snd.resume()
			}
		}

	case *Transfer:
		s.mu.Lock()
		s.nextIncomingID++
		s.incomingWindow--
		var fl *Flow
		if s.incomingWindow <= defaultWindow/2 {
			s.incomingWindow = defaultWindow
			fl = &Flow{}
		}
		l := s.remoteLinks[fr.Handle]
		s.mu.Unlock()
		if fl != nil {
			if err := s.sendPerformative(fl); err != nil {
				s.log.Warn().Err(err).Msg("[session] failed to open incoming window")
			}
		}
		if l == nil {
			s.log.Warn().Uint32("handle", fr.Handle).Msg("[session] transfer for unknown handle dropped")
			return
		}
		l.handleFrame(fr)

	case *Disposition:
		// delivery-ids are session scoped; every link on the settled side sees it
		for _, l := range s.linksWithRole(!fr.Role) {
			l.handleFrame(fr)
		}

	case *Detach:
		s.mu.Lock()
		l := s.remoteLinks[fr.Handle]
		delete(s.remoteLinks, fr.Handle)
		s.mu.Unlock()
		if l == nil {
			s.log.Warn().Uint32("handle", fr.Handle).Msg("[session] detach for unknown handle ignored")
			return
		}
		l.handleFrame(fr)

	case *End:
		s.mu.Lock()
		replied := s.endSent
		s.mu.Unlock()
		if !replied {
			if err := s.conn.writeFrame(Frame{Type: frameTypeAMQP, Channel: s.channel, Body: &End{}}); err != nil {
				s.log.Warn().Err(err).Msg("[session] failed to answer end")
			}
		}
		var cause error = ErrConnClosed
		if fr.Error != nil {
			cause = fmt.Errorf("amqp: session ended by peer: %w", fr.Error)
		}
		s.terminate(cause)

	default:
		s.log.Warn().Str("frame", performativeName(p)).Msg("[session] unexpected frame ignored")
	}
}

func (s *Session) linksWithRole(role Role) []linkEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]linkEndpoint, 0, len(s.links))
	for _, l := range s.links {
		if l.linkRole() == role {
			out = append(out, l)
		}
	}
	return out
}

// terminate ends the session locally and detaches every link with cause.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = cause
	links := make([]linkEndpoint, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		l.sessionClosed(cause)
	}
	close(s.done)
	s.conn.removeSession(s)
	s.log.Debug().Err(cause).Msg("[session] ended")
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// End sends end and waits for the peer's end or ctx. Links still attached
// are detached with ErrConnClosed.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	send := s.err == nil && !s.endSent
	s.endSent = true
	s.mu.Unlock()

	if send {
		if err := s.conn.writeFrame(Frame{Type: frameTypeAMQP, Channel: s.channel, Body: &End{}}); err != nil {
			s.terminate(err)
			return err
		}
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.terminate(ErrConnClosed)
		return ctx.Err()
	}
}
