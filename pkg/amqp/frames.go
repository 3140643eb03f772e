package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const (
	frameTypeAMQP uint8 = 0x0
	frameTypeSASL uint8 = 0x1

	frameHeaderSize = 8
	minDataOffset   = 2
)

// package logger used for SDK logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP link engine. Callers
// should pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// limits
const (
	// MaxFrameSize is the largest frame this package accepts and the value
	// advertised in Open unless overridden.
	MaxFrameSize = 1 << 20 // 1MB

	// minMaxFrameSize is the smallest max-frame-size a peer may advertise.
	minMaxFrameSize = 512
)

type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

// ProtoHeader is the 8-byte protocol header exchanged before any frame:
// "AMQP" followed by protocol id, major, minor and revision.
type ProtoHeader struct {
	ID       protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

var (
	amqpProtoHeader = ProtoHeader{ID: protoAMQP, Major: 1, Minor: 0, Revision: 0}
	saslProtoHeader = ProtoHeader{ID: protoSASL, Major: 1, Minor: 0, Revision: 0}
)

func (h ProtoHeader) String() string {
	return fmt.Sprintf("AMQP%d.%d.%d.%d", h.ID, h.Major, h.Minor, h.Revision)
}

// ReadProtoHeader reads an 8-byte protocol header from r.
func ReadProtoHeader(r io.Reader) (ProtoHeader, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ProtoHeader{}, err
	}
	if string(hdr[:4]) != "AMQP" {
		return ProtoHeader{}, fmt.Errorf("%w: invalid protocol header %q", ErrProtocolMismatch, hdr[:])
	}
	return ProtoHeader{ID: protoID(hdr[4]), Major: hdr[5], Minor: hdr[6], Revision: hdr[7]}, nil
}

// WriteProtoHeader writes h to w.
func WriteProtoHeader(w io.Writer, h ProtoHeader) error {
	hdr := [8]byte{'A', 'M', 'Q', 'P', byte(h.ID), h.Major, h.Minor, h.Revision}
	_, err := w.Write(hdr[:])
	return err
}

// Frame is a decoded AMQP or SASL frame. A nil Body is an empty frame,
// used as a heartbeat.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    Performative
}

// ReadFrame reads a single frame from r. Frames whose declared size exceeds
// maxSize are rejected.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	doff := hdr[4]
	f := Frame{Type: hdr[5], Channel: binary.BigEndian.Uint16(hdr[6:8])}

	if size < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: frame size %d smaller than header", ErrProtocolViolation, size)
	}
	if doff < minDataOffset {
		return Frame{}, fmt.Errorf("%w: data offset %d", ErrProtocolViolation, doff)
	}
	if maxSize > 0 && size > maxSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds limit %d", size, maxSize)
	}
	rest := make([]byte, size-frameHeaderSize)
	if len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return Frame{}, err
		}
	}
	// skip extended header
	ext := int(doff)*4 - frameHeaderSize
	if ext > len(rest) {
		return Frame{}, fmt.Errorf("%w: data offset past end of frame", ErrProtocolViolation)
	}
	body := rest[ext:]
	if len(body) == 0 {
		return f, nil
	}
	p, err := decodePerformative(body)
	if err != nil {
		return Frame{}, err
	}
	f.Body = p
	return f, nil
}

// WriteFrame writes f to w as a single write.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, frameHeaderSize))
	if f.Body != nil {
		if err := f.Body.marshal(&buf); err != nil {
			return err
		}
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
	b[4] = minDataOffset
	b[5] = f.Type
	binary.BigEndian.PutUint16(b[6:8], f.Channel)
	_, err := w.Write(b)
	return err
}

// encodedSize returns the number of bytes a frame carrying p occupies on the
// wire.
func encodedSize(p Performative) (int, error) {
	var buf bytes.Buffer
	if err := p.marshal(&buf); err != nil {
		return 0, err
	}
	return frameHeaderSize + buf.Len(), nil
}
