package amqp

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultLinkCredit is the credit window used when WithLinkCredit is not
// given.
const DefaultLinkCredit = 300

// LinkState is the attach state of a link.
type LinkState int32

const (
	LinkDetached LinkState = iota
	LinkAttaching
	LinkAttached
	LinkDetaching
)

func (s LinkState) String() string {
	switch s {
	case LinkDetached:
		return "detached"
	case LinkAttaching:
		return "attaching"
	case LinkAttached:
		return "attached"
	case LinkDetaching:
		return "detaching"
	}
	return fmt.Sprintf("LinkState(%d)", int32(s))
}

// linkSession is the part of a Session a link talks to.
type linkSession interface {
	// sendPerformative writes p on the session channel, filling in
	// session-level fields of Flow.
	sendPerformative(p Performative) error
	// sendTransfer assigns a delivery-id to t, writes it (split into several
	// frames when needed) and returns the id. It fails with errWindowClosed
	// instead of waiting for the peer's session window.
	sendTransfer(t *Transfer) (uint32, error)
	// unlink forgets the link once it is detached.
	unlink(handle uint32)
}

// LinkOption configures a Sender or Receiver.
type LinkOption func(*linkConfig)

type linkConfig struct {
	name           string
	credit         uint32
	source         *Source
	target         *Target
	sendSettleMode *SenderSettleMode
	recvSettleMode *ReceiverSettleMode
	maxMessageSize uint64
	properties     map[Symbol]any
	codec          PayloadCodec
	log            *zerolog.Logger
	clock          func() time.Time
}

// WithName sets the link name. It must be unique per connection.
func WithName(name string) LinkOption { return func(c *linkConfig) { c.name = name } }

// WithLinkCredit sets the credit window. A receiver grants it on attach and
// when replenishing; a sender requests it when it runs out.
func WithLinkCredit(n uint32) LinkOption { return func(c *linkConfig) { c.credit = n } }

func WithSource(s *Source) LinkOption { return func(c *linkConfig) { c.source = s } }

func WithTarget(t *Target) LinkOption { return func(c *linkConfig) { c.target = t } }

// WithSendSettleMode sets the sender settle mode. ModeMixed lets each
// SendTransfer choose with WithSettled.
func WithSendSettleMode(m SenderSettleMode) LinkOption {
	return func(c *linkConfig) { c.sendSettleMode = &m }
}

func WithReceiveSettleMode(m ReceiverSettleMode) LinkOption {
	return func(c *linkConfig) { c.recvSettleMode = &m }
}

// WithMaxMessageSize advertises the largest message the link accepts.
func WithMaxMessageSize(n uint64) LinkOption { return func(c *linkConfig) { c.maxMessageSize = n } }

// WithLinkProperties sets the properties sent in attach.
func WithLinkProperties(p map[Symbol]any) LinkOption {
	return func(c *linkConfig) { c.properties = p }
}

// WithCodec replaces DefaultCodec for this link.
func WithCodec(codec PayloadCodec) LinkOption { return func(c *linkConfig) { c.codec = codec } }

// WithLinkLogger sets the base logger of the link. The package logger is used
// otherwise.
func WithLinkLogger(l zerolog.Logger) LinkOption { return func(c *linkConfig) { c.log = &l } }

// WithClock replaces time.Now for delivery timestamps and timeout sweeps.
func WithClock(now func() time.Time) LinkOption { return func(c *linkConfig) { c.clock = now } }

// link holds the state shared by Sender and Receiver. All fields below mu
// are guarded by it.
type link struct {
	session linkSession
	codec   PayloadCodec
	log     zerolog.Logger
	clock   func() time.Time

	name           string
	handle         uint32
	role           Role
	source         *Source
	target         *Target
	sendSettleMode SenderSettleMode
	recvSettleMode ReceiverSettleMode
	maxMessageSize uint64
	properties     map[Symbol]any

	attached chan struct{}
	done     chan struct{}

	mu                sync.Mutex
	state             LinkState
	closed            bool // Close was called
	terminated        bool // reached detached after attaching; not reusable
	remote            *Attach
	deliveryCount     uint32
	linkCredit        uint32
	currentLinkCredit int64
	err               error
}

// init sets up l for a link with the given local handle.
func (l *link) init(sess linkSession, handle uint32, role Role, opts []LinkOption) {
	cfg := linkConfig{credit: DefaultLinkCredit}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.name == "" {
		cfg.name = uuid.NewString()
	}
	if cfg.codec == nil {
		cfg.codec = DefaultCodec
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	base := logger
	if cfg.log != nil {
		base = *cfg.log
	}
	l.session = sess
	l.codec = cfg.codec
	l.clock = cfg.clock
	l.name = cfg.name
	l.handle = handle
	l.role = role
	l.source = cfg.source
	l.target = cfg.target
	l.maxMessageSize = cfg.maxMessageSize
	l.properties = cfg.properties
	l.linkCredit = cfg.credit
	l.attached = make(chan struct{})
	l.done = make(chan struct{})

	if cfg.sendSettleMode != nil {
		l.sendSettleMode = *cfg.sendSettleMode
	} else if role == RoleReceiver {
		l.sendSettleMode = ModeMixed
	}
	if cfg.recvSettleMode != nil {
		l.recvSettleMode = *cfg.recvSettleMode
	}
	switch role {
	case RoleSender:
		if l.source == nil {
			l.source = &Source{Address: "sender-link-" + l.name}
		}
	case RoleReceiver:
		if l.target == nil {
			l.target = &Target{Address: "receiver-link-" + l.name}
		}
	}
	l.log = base.With().Str("link", l.name).Uint32("handle", handle).Str("role", role.String()).Logger()
}

// Name returns the link name.
func (l *link) Name() string { return l.name }

// Handle returns the local handle of the link.
func (l *link) Handle() uint32 { return l.handle }

// Role returns RoleSender or RoleReceiver.
func (l *link) Role() Role { return l.role }

func (l *link) linkName() string { return l.name }

func (l *link) localHandle() uint32 { return l.handle }

func (l *link) linkRole() Role { return l.role }

func (l *link) attachedCh() <-chan struct{} { return l.attached }

// State returns the current attach state.
func (l *link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RemoteAttach returns the attach frame received from the peer, or nil.
func (l *link) RemoteAttach() *Attach {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

// Done is closed when the link reaches the detached state after attaching.
func (l *link) Done() <-chan struct{} { return l.done }

// Err returns why the link detached. It is nil while the link is attached
// and after a detach started by Close.
func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// attachFrameLocked builds the attach frame sent by this side.
func (l *link) attachFrameLocked() *Attach {
	a := &Attach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               l.role,
		SenderSettleMode:   l.sendSettleMode,
		ReceiverSettleMode: l.recvSettleMode,
		Source:             l.source,
		Target:             l.target,
		MaxMessageSize:     l.maxMessageSize,
		Properties:         l.properties,
	}
	if l.role == RoleSender {
		dc := l.deliveryCount
		a.InitialDeliveryCount = &dc
	}
	return a
}

// Attach sends attach and moves the link to LinkAttaching. It fails with
// ErrIllegalState unless the link is detached and has never been attached.
func (l *link) Attach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkDetached || l.terminated {
		return fmt.Errorf("%w: attach on %s link %q", ErrIllegalState, l.state, l.name)
	}
	l.state = LinkAttaching
	if err := l.session.sendPerformative(l.attachFrameLocked()); err != nil {
		l.state = LinkDetached
		return fmt.Errorf("send attach: %w", err)
	}
	l.log.Debug().Msg("[link] attaching")
	return nil
}

// Close starts a closing detach. The link reaches LinkDetached when the peer
// answers; wait on Done for that.
func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case LinkDetaching:
		return nil
	case LinkDetached:
		if l.terminated {
			return nil
		}
		return fmt.Errorf("%w: close on unattached link %q", ErrIllegalState, l.name)
	}
	l.closed = true
	l.state = LinkDetaching
	if err := l.session.sendPerformative(&Detach{Handle: l.handle, Closed: true}); err != nil {
		l.setDetachedLocked(fmt.Errorf("send detach: %w", err))
		return err
	}
	l.log.Debug().Msg("[link] detaching")
	return nil
}

// remoteAttachLocked records the peer's attach. It reports whether the
// attach completes the handshake. A peer that refuses the link answers with
// a nil terminus and detaches right after; the link stays attaching until
// that detach arrives.
func (l *link) remoteAttachLocked(a *Attach) bool {
	if l.state != LinkAttaching {
		l.log.Warn().Str("state", l.state.String()).Msg("[link] unexpected attach ignored")
		return false
	}
	l.remote = a
	if (l.role == RoleSender && a.Target == nil) || (l.role == RoleReceiver && a.Source == nil) {
		l.log.Debug().Msg("[link] peer refused terminus, awaiting detach")
		return false
	}
	if a.MaxMessageSize != 0 && l.role == RoleSender && (l.maxMessageSize == 0 || a.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = a.MaxMessageSize
	}
	return true
}

func (l *link) markAttachedLocked() {
	l.state = LinkAttached
	close(l.attached)
	l.log.Debug().Msg("[link] attached")
}

// remoteDetachLocked handles the peer's detach and returns the detach
// cause, nil when the detach was started locally and carried no error.
func (l *link) remoteDetachLocked(d *Detach) error {
	var cause error
	if d.Error != nil || !l.closed {
		cause = &DetachError{RemoteErr: d.Error}
	}
	if l.state != LinkDetaching && l.state != LinkDetached {
		// echo the detach
		if err := l.session.sendPerformative(&Detach{Handle: l.handle, Closed: d.Closed}); err != nil {
			l.log.Warn().Err(err).Msg("[link] failed to answer detach")
		}
	}
	l.setDetachedLocked(cause)
	return cause
}

// violationLocked forces the link to detached after a protocol error,
// telling the peer why.
func (l *link) violationLocked(cause error) {
	l.log.Error().Err(cause).Msg("[link] protocol violation, detaching")
	if l.state == LinkAttaching || l.state == LinkAttached {
		d := &Detach{Handle: l.handle, Closed: true, Error: &Error{
			Condition:   ErrCondInvalidField,
			Description: cause.Error(),
		}}
		if err := l.session.sendPerformative(d); err != nil {
			l.log.Warn().Err(err).Msg("[link] failed to send detach")
		}
	}
	l.setDetachedLocked(cause)
}

// setDetachedLocked moves the link to its terminal detached state.
func (l *link) setDetachedLocked(cause error) {
	if l.terminated {
		return
	}
	l.state = LinkDetached
	l.terminated = true
	l.closed = true
	l.err = cause
	close(l.done)
	l.session.unlink(l.handle)
	if cause != nil {
		l.log.Debug().Err(cause).Msg("[link] detached")
	} else {
		l.log.Debug().Msg("[link] detached")
	}
}

// creditFrom computes link credit from a peer's flow using serial number
// arithmetic: peer delivery-count plus peer link-credit minus our
// delivery-count.
func creditFrom(peerDeliveryCount, peerLinkCredit, deliveryCount uint32) int64 {
	return int64(int32(peerDeliveryCount + peerLinkCredit - deliveryCount))
}

// linkFlowLocked returns a link-level flow carrying our state.
func (l *link) linkFlowLocked(credit uint32) *Flow {
	h := l.handle
	dc := l.deliveryCount
	return &Flow{Handle: &h, DeliveryCount: &dc, LinkCredit: &credit}
}
