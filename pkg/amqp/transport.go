package amqp

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport exchanges protocol headers and frames with the peer.
// Implementations must allow WriteFrame to be called from several
// goroutines while one goroutine reads.
type Transport interface {
	ReadProtoHeader() (ProtoHeader, error)
	WriteProtoHeader(h ProtoHeader) error
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// NetTransport is a Transport over a net.Conn. Writes are serialized by a
// mutex so a frame is never interleaved with another.
type NetTransport struct {
	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex

	maxFrameSize atomic.Uint32
}

// NewTransport wraps conn. The read limit starts at MaxFrameSize.
func NewTransport(conn net.Conn) *NetTransport {
	t := &NetTransport{conn: conn, r: bufio.NewReader(conn)}
	t.maxFrameSize.Store(MaxFrameSize)
	return t
}

// SetMaxFrameSize changes the largest frame ReadFrame accepts.
func (t *NetTransport) SetMaxFrameSize(n uint32) { t.maxFrameSize.Store(n) }

// SetDeadline sets read and write deadlines on the underlying connection.
func (t *NetTransport) SetDeadline(d time.Time) error { return t.conn.SetDeadline(d) }

// Conn returns the underlying connection.
func (t *NetTransport) Conn() net.Conn { return t.conn }

func (t *NetTransport) ReadProtoHeader() (ProtoHeader, error) { return ReadProtoHeader(t.r) }

func (t *NetTransport) WriteProtoHeader(h ProtoHeader) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteProtoHeader(t.conn, h)
}

func (t *NetTransport) ReadFrame() (Frame, error) {
	f, err := ReadFrame(t.r, t.maxFrameSize.Load())
	if err != nil {
		return Frame{}, err
	}
	logger.Debug().Uint8("type", f.Type).Uint16("chan", f.Channel).Str("frame", performativeName(f.Body)).Msg("[transport] recv")
	return f, nil
}

func (t *NetTransport) WriteFrame(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	logger.Debug().Uint8("type", f.Type).Uint16("chan", f.Channel).Str("frame", performativeName(f.Body)).Msg("[transport] send")
	return WriteFrame(t.conn, f)
}

func (t *NetTransport) Close() error { return t.conn.Close() }
