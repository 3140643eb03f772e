package amqp

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolMismatch is returned when the peer answers with a protocol
	// header other than the one we sent.
	ErrProtocolMismatch = errors.New("amqp: protocol header mismatch")
	// ErrUnsupportedMechanism is returned when the server does not offer the
	// credential's SASL mechanism.
	ErrUnsupportedMechanism = errors.New("amqp: sasl mechanism not offered by server")
	// ErrUnsupportedChallenge is returned when the server starts a multi-step
	// SASL exchange.
	ErrUnsupportedChallenge = errors.New("amqp: sasl challenge not supported")
	// ErrAuthenticationFailed is matched by every *AuthError.
	ErrAuthenticationFailed = errors.New("amqp: authentication failed")
	// ErrIllegalState is returned by link operations the current link state
	// does not allow.
	ErrIllegalState = errors.New("amqp: illegal link state")
	// ErrProtocolViolation is returned for malformed or out-of-sequence
	// frames from the peer.
	ErrProtocolViolation = errors.New("amqp: protocol violation")
	// ErrSendFailed is returned by SendTransfer when a transfer could not be
	// encoded or written.
	ErrSendFailed = errors.New("amqp: send failed")
	// ErrNotFound is returned by CancelTransfer for a delivery that is not
	// awaiting settlement.
	ErrNotFound = errors.New("amqp: delivery not found")
	// ErrConnClosed is returned by operations on a closed Conn or Session.
	ErrConnClosed = errors.New("amqp: connection closed")
)

// AuthError is returned by Negotiate when the SASL outcome is not ok.
type AuthError struct {
	Code           SASLCode
	AdditionalData []byte
}

func (e *AuthError) Error() string {
	if len(e.AdditionalData) == 0 {
		return fmt.Sprintf("amqp: authentication failed: outcome %s", e.Code)
	}
	return fmt.Sprintf("amqp: authentication failed: outcome %s: %q", e.Code, e.AdditionalData)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationFailed }

// DetachError is the cause reported by Link.Err when the peer detached the
// link with an error.
type DetachError struct {
	RemoteErr *Error
}

func (e *DetachError) Error() string {
	if e.RemoteErr == nil {
		return "amqp: link detached by peer"
	}
	return "amqp: link detached by peer: " + e.RemoteErr.Error()
}

func (e *DetachError) Unwrap() error {
	if e.RemoteErr == nil {
		return nil
	}
	return e.RemoteErr
}
