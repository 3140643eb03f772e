package amqp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Credential produces the SASL mechanism name and initial response for one
// negotiation attempt.
type Credential interface {
	Mechanism() string
	Start() []byte
}

// PlainCredential authenticates with SASL PLAIN (RFC 4616). Authzid is
// optional.
type PlainCredential struct {
	Authcid string
	Passwd  string
	Authzid string
}

func (PlainCredential) Mechanism() string { return "PLAIN" }

// Start returns [authzid] NUL authcid NUL passwd.
func (c PlainCredential) Start() []byte {
	b := make([]byte, 0, len(c.Authzid)+len(c.Authcid)+len(c.Passwd)+2)
	b = append(b, c.Authzid...)
	b = append(b, 0)
	b = append(b, c.Authcid...)
	b = append(b, 0)
	b = append(b, c.Passwd...)
	return b
}

// AnonymousCredential authenticates with SASL ANONYMOUS.
type AnonymousCredential struct{}

func (AnonymousCredential) Mechanism() string { return "ANONYMOUS" }
func (AnonymousCredential) Start() []byte     { return []byte{} }

// ExternalCredential authenticates with SASL EXTERNAL, leaving identity to
// the transport (for example a TLS client certificate).
type ExternalCredential struct{}

func (ExternalCredential) Mechanism() string { return "EXTERNAL" }
func (ExternalCredential) Start() []byte     { return []byte{} }

// Negotiator runs the client side of the SASL layer over Transport. It must
// complete before the AMQP protocol header is sent on the same transport.
type Negotiator struct {
	Transport  Transport
	Credential Credential
	// Hostname is sent in sasl-init. Brokers that host several namespaces
	// behind one address use it to pick one.
	Hostname string
}

// Negotiate performs a single SASL exchange. It returns nil when the server
// answers with outcome ok. On any error the transport must be discarded.
// Multi-step mechanisms are not supported: a challenge from the server fails
// with ErrUnsupportedChallenge.
func (n *Negotiator) Negotiate(ctx context.Context) error {
	if n.Transport == nil || n.Credential == nil {
		return errors.New("amqp: negotiator requires a transport and a credential")
	}
	stop := watchContext(ctx, n.Transport)
	defer stop()

	if err := n.Transport.WriteProtoHeader(saslProtoHeader); err != nil {
		return ctxErr(ctx, fmt.Errorf("write sasl header: %w", err))
	}
	hdr, err := n.Transport.ReadProtoHeader()
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("read sasl header: %w", err))
	}
	if hdr != saslProtoHeader {
		return fmt.Errorf("%w: got %s, want %s", ErrProtocolMismatch, hdr, saslProtoHeader)
	}

	body, err := n.readSASL(ctx)
	if err != nil {
		return err
	}
	mechs, ok := body.(*SASLMechanisms)
	if !ok {
		return fmt.Errorf("%w: expected sasl-mechanisms, got %s", ErrProtocolViolation, performativeName(body))
	}
	mech := n.Credential.Mechanism()
	if !slices.Contains(mechs.Mechanisms, Symbol(mech)) {
		return fmt.Errorf("%w: %s not in %v", ErrUnsupportedMechanism, mech, mechs.Mechanisms)
	}
	logger.Debug().Str("mechanism", mech).Str("hostname", n.Hostname).Msg("[sasl] sending init")

	init := &SASLInit{
		Mechanism:       Symbol(mech),
		InitialResponse: n.Credential.Start(),
		Hostname:        n.Hostname,
	}
	if err := n.Transport.WriteFrame(Frame{Type: frameTypeSASL, Body: init}); err != nil {
		return ctxErr(ctx, fmt.Errorf("write sasl-init: %w", err))
	}

	body, err = n.readSASL(ctx)
	if err != nil {
		return err
	}
	switch fr := body.(type) {
	case *SASLOutcome:
		if fr.Code != SASLCodeOk {
			return &AuthError{Code: fr.Code, AdditionalData: fr.AdditionalData}
		}
		logger.Debug().Str("mechanism", mech).Msg("[sasl] authenticated")
		return nil
	case *SASLChallenge:
		return fmt.Errorf("%w: mechanism %s", ErrUnsupportedChallenge, mech)
	default:
		return fmt.Errorf("%w: expected sasl-outcome, got %s", ErrUnsupportedChallenge, performativeName(body))
	}
}

// readSASL reads the next non-empty frame, which must be a SASL frame.
func (n *Negotiator) readSASL(ctx context.Context) (Performative, error) {
	for {
		fr, err := n.Transport.ReadFrame()
		if err != nil {
			return nil, ctxErr(ctx, fmt.Errorf("read sasl frame: %w", err))
		}
		if fr.Type != frameTypeSASL {
			return nil, fmt.Errorf("%w: frame type %d during sasl negotiation", ErrProtocolViolation, fr.Type)
		}
		if fr.Body == nil {
			continue
		}
		return fr.Body, nil
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watchContext applies ctx's deadline and cancellation to t when t supports
// deadlines. The returned func clears them.
func watchContext(ctx context.Context, t any) func() {
	d, ok := t.(deadliner)
	if !ok {
		return func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		// unblock pending reads and writes
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}
