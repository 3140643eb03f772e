package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultChannelMax    = 255
	defaultSweepInterval = time.Second
	defaultCloseTimeout  = 10 * time.Second
)

// ConnOption configures Dial and NewConn.
type ConnOption func(*connConfig)

type connConfig struct {
	credential    Credential
	tlsConfig     *tls.Config
	containerID   string
	hostname      string
	maxFrameSize  uint32
	channelMax    uint16
	sweepInterval time.Duration
	closeTimeout  time.Duration
	properties    map[Symbol]any
	log           *zerolog.Logger
}

// WithCredential runs SASL with cred before opening the connection.
// Credentials in a Dial URL are used when no credential is given.
func WithCredential(cred Credential) ConnOption { return func(c *connConfig) { c.credential = cred } }

// WithTLSConfig sets the TLS configuration used by Dial for amqps URLs.
func WithTLSConfig(cfg *tls.Config) ConnOption { return func(c *connConfig) { c.tlsConfig = cfg } }

// WithContainerID sets the container-id sent in open. A random id is used
// otherwise.
func WithContainerID(id string) ConnOption { return func(c *connConfig) { c.containerID = id } }

// WithHostname sets the hostname sent in sasl-init and open.
func WithHostname(host string) ConnOption { return func(c *connConfig) { c.hostname = host } }

func WithMaxFrameSize(n uint32) ConnOption { return func(c *connConfig) { c.maxFrameSize = n } }

func WithChannelMax(n uint16) ConnOption { return func(c *connConfig) { c.channelMax = n } }

// WithSweepInterval sets how often Sweep runs on every sender. Zero disables
// the periodic sweep.
func WithSweepInterval(d time.Duration) ConnOption {
	return func(c *connConfig) { c.sweepInterval = d }
}

// WithCloseTimeout bounds how long Close waits for the peer's close.
func WithCloseTimeout(d time.Duration) ConnOption { return func(c *connConfig) { c.closeTimeout = d } }

func WithConnProperties(p map[Symbol]any) ConnOption {
	return func(c *connConfig) { c.properties = p }
}

func WithConnLogger(l zerolog.Logger) ConnOption { return func(c *connConfig) { c.log = &l } }

func newConnConfig(opts []ConnOption) connConfig {
	cfg := connConfig{
		maxFrameSize:  MaxFrameSize,
		channelMax:    defaultChannelMax,
		sweepInterval: defaultSweepInterval,
		closeTimeout:  defaultCloseTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.containerID == "" {
		cfg.containerID = uuid.NewString()
	}
	if cfg.maxFrameSize < minMaxFrameSize {
		cfg.maxFrameSize = minMaxFrameSize
	}
	return cfg
}

// Conn is a client AMQP 1.0 connection. A single reader goroutine routes
// incoming frames to sessions; writes are serialized by the transport.
type Conn struct {
	transport Transport
	cfg       connConfig
	log       zerolog.Logger

	done       chan struct{}
	readerDone chan struct{}
	closeRecv  chan struct{}

	mu             sync.Mutex
	remoteOpen     *Open
	sessions       map[uint16]*Session // by local channel
	remoteSessions map[uint16]*Session // by peer channel
	closeSent      bool
	err            error
}

// Dial connects to addr, an amqp:// or amqps:// URL or a plain host:port,
// and opens an AMQP connection. User info in the URL becomes a
// PlainCredential unless WithCredential is given.
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*Conn, error) {
	if !strings.Contains(addr, "://") {
		addr = "amqp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("amqp: parse address: %w", err)
	}
	useTLS := false
	port := "5672"
	switch u.Scheme {
	case "amqp":
	case "amqps":
		useTLS = true
		port = "5671"
	default:
		return nil, fmt.Errorf("amqp: unsupported scheme %q", u.Scheme)
	}
	if u.Port() != "" {
		port = u.Port()
	}

	cfg := newConnConfig(opts)
	if cfg.credential == nil && u.User != nil {
		pass, _ := u.User.Password()
		cfg.credential = PlainCredential{Authcid: u.User.Username(), Passwd: pass}
	}
	if cfg.hostname == "" {
		cfg.hostname = u.Hostname()
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, err
	}
	if useTLS {
		tlsCfg := cfg.tlsConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("amqp: tls handshake: %w", err)
		}
		nc = tc
	}
	return newConn(ctx, NewTransport(nc), cfg)
}

// NewConn opens an AMQP connection over an established net.Conn.
func NewConn(ctx context.Context, nc net.Conn, opts ...ConnOption) (*Conn, error) {
	return newConn(ctx, NewTransport(nc), newConnConfig(opts))
}

func newConn(ctx context.Context, t Transport, cfg connConfig) (*Conn, error) {
	base := logger
	if cfg.log != nil {
		base = *cfg.log
	}
	c := &Conn{
		transport:      t,
		cfg:            cfg,
		log:            base.With().Str("container", cfg.containerID).Logger(),
		done:           make(chan struct{}),
		readerDone:     make(chan struct{}),
		closeRecv:      make(chan struct{}),
		sessions:       make(map[uint16]*Session),
		remoteSessions: make(map[uint16]*Session),
	}
	if err := c.handshake(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	go c.readLoop()
	go c.keepalive()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if c.cfg.credential != nil {
		n := &Negotiator{Transport: c.transport, Credential: c.cfg.credential, Hostname: c.cfg.hostname}
		if err := n.Negotiate(ctx); err != nil {
			return err
		}
	}
	stop := watchContext(ctx, c.transport)
	defer stop()

	if err := c.transport.WriteProtoHeader(amqpProtoHeader); err != nil {
		return ctxErr(ctx, fmt.Errorf("write protocol header: %w", err))
	}
	hdr, err := c.transport.ReadProtoHeader()
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("read protocol header: %w", err))
	}
	if hdr != amqpProtoHeader {
		return fmt.Errorf("%w: got %s, want %s", ErrProtocolMismatch, hdr, amqpProtoHeader)
	}

	open := &Open{
		ContainerID:  c.cfg.containerID,
		Hostname:     c.cfg.hostname,
		MaxFrameSize: c.cfg.maxFrameSize,
		ChannelMax:   c.cfg.channelMax,
		Properties:   c.cfg.properties,
	}
	if err := c.transport.WriteFrame(Frame{Type: frameTypeAMQP, Body: open}); err != nil {
		return ctxErr(ctx, fmt.Errorf("write open: %w", err))
	}
	for {
		fr, err := c.transport.ReadFrame()
		if err != nil {
			return ctxErr(ctx, fmt.Errorf("read open: %w", err))
		}
		switch body := fr.Body.(type) {
		case nil:
			continue
		case *Open:
			if body.MaxFrameSize < minMaxFrameSize {
				return fmt.Errorf("%w: peer max-frame-size %d", ErrProtocolViolation, body.MaxFrameSize)
			}
			c.remoteOpen = body
			if ts, ok := c.transport.(interface{ SetMaxFrameSize(uint32) }); ok {
				ts.SetMaxFrameSize(c.cfg.maxFrameSize)
			}
			c.log.Debug().Str("peer", body.ContainerID).Uint32("max_frame", body.MaxFrameSize).Msg("[conn] opened")
			return nil
		case *Close:
			if body.Error != nil {
				return fmt.Errorf("amqp: connection refused: %w", body.Error)
			}
			return fmt.Errorf("amqp: connection refused by peer")
		default:
			return fmt.Errorf("%w: expected open, got %s", ErrProtocolViolation, performativeName(body))
		}
	}
}

// peerMaxFrameSize is the largest frame we may send.
func (c *Conn) peerMaxFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteOpen == nil {
		return c.cfg.maxFrameSize
	}
	return min(c.remoteOpen.MaxFrameSize, c.cfg.maxFrameSize)
}

func (c *Conn) writeFrame(f Frame) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	if err := c.transport.WriteFrame(f); err != nil {
		// callers may hold a link lock that shutdown needs
		go c.shutdown(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		fr, err := c.transport.ReadFrame()
		if err != nil {
			c.shutdown(fmt.Errorf("read frame: %w", err))
			return
		}
		if fr.Type != frameTypeAMQP {
			c.shutdown(fmt.Errorf("%w: frame type %d after open", ErrProtocolViolation, fr.Type))
			return
		}
		switch body := fr.Body.(type) {
		case nil:
			// heartbeat
		case *Close:
			c.mu.Lock()
			replied := c.closeSent
			c.closeSent = true
			c.mu.Unlock()
			if !replied {
				if err := c.transport.WriteFrame(Frame{Type: frameTypeAMQP, Body: &Close{}}); err != nil {
					c.log.Warn().Err(err).Msg("[conn] failed to answer close")
				}
			}
			close(c.closeRecv)
			cause := ErrConnClosed
			if body.Error != nil {
				cause = fmt.Errorf("%w: %w", ErrConnClosed, body.Error)
			}
			c.shutdown(cause)
			return
		case *Begin:
			var s *Session
			c.mu.Lock()
			if body.RemoteChannel != nil {
				s = c.sessions[*body.RemoteChannel]
			}
			if s != nil {
				c.remoteSessions[fr.Channel] = s
			}
			c.mu.Unlock()
			if s == nil {
				c.log.Warn().Uint16("chan", fr.Channel).Msg("[conn] begin for unknown session ignored")
				continue
			}
			s.mu.Lock()
			s.remoteChannel = fr.Channel
			s.mu.Unlock()
			s.handleFrame(body)
		default:
			c.mu.Lock()
			s := c.remoteSessions[fr.Channel]
			c.mu.Unlock()
			if s == nil {
				c.log.Warn().Uint16("chan", fr.Channel).Str("frame", performativeName(body)).Msg("[conn] frame for unknown channel dropped")
				continue
			}
			s.handleFrame(body)
		}
	}
}

// keepalive sends heartbeats at half the peer's idle timeout and runs the
// periodic sender sweep.
func (c *Conn) keepalive() {
	var sweep, heartbeat <-chan time.Time
	if c.cfg.sweepInterval > 0 {
		t := time.NewTicker(c.cfg.sweepInterval)
		defer t.Stop()
		sweep = t.C
	}
	if idle := c.remoteOpen.IdleTimeout; idle > 0 {
		t := time.NewTicker(idle / 2)
		defer t.Stop()
		heartbeat = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case <-sweep:
			c.sweep()
		case <-heartbeat:
			if err := c.writeFrame(Frame{Type: frameTypeAMQP}); err != nil {
				c.log.Warn().Err(err).Msg("[conn] heartbeat failed")
			}
		}
	}
}

func (c *Conn) sweep() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		for _, snd := range s.Senders() {
			snd.Sweep()
		}
	}
}

// NewSession begins a session and waits for the peer's begin.
func (c *Conn) NewSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	channelMax := c.cfg.channelMax
	if c.remoteOpen != nil {
		channelMax = min(channelMax, c.remoteOpen.ChannelMax)
	}
	ch, ok := uint16(0), false
	for i := uint32(0); i <= uint32(channelMax); i++ {
		if _, used := c.sessions[uint16(i)]; !used {
			ch, ok = uint16(i), true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("amqp: no free channel (channel-max %d)", channelMax)
	}
	s := newSession(c, ch)
	c.sessions[ch] = s
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Type: frameTypeAMQP, Channel: ch, Body: s.beginFrame()}); err != nil {
		c.removeSession(s)
		return nil, err
	}
	select {
	case <-s.begun:
		return s, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		s.terminate(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Conn) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.channel] == s {
		delete(c.sessions, s.channel)
	}
	for ch, rs := range c.remoteSessions {
		if rs == s {
			delete(c.remoteSessions, ch)
		}
	}
}

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection shut down, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends close, waits for the peer's close for at most the close
// timeout and shuts the connection down. Sessions and links still open are
// detached with ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	sent := c.closeSent
	c.closeSent = true
	c.mu.Unlock()

	if !sent {
		if err := c.transport.WriteFrame(Frame{Type: frameTypeAMQP, Body: &Close{}}); err != nil {
			c.shutdown(ErrConnClosed)
			return fmt.Errorf("write close: %w", err)
		}
	}
	timer := time.NewTimer(c.cfg.closeTimeout)
	defer timer.Stop()
	select {
	case <-c.closeRecv:
	case <-c.readerDone:
	case <-timer.C:
		c.log.Debug().Msg("[conn] timed out waiting for close")
	}
	c.shutdown(ErrConnClosed)
	<-c.readerDone
	return nil
}

// shutdown closes the transport and ends every session with cause.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	close(c.done)
	_ = c.transport.Close()
	for _, s := range sessions {
		s.terminate(cause)
	}
	c.log.Debug().Err(cause).Msg("[conn] closed")
}
