package amqp

import (
	"errors"
	"io"
	"sync"
	"testing"
)

// fakeSession records what a link sends and hands out delivery-ids.
type fakeSession struct {
	mu          sync.Mutex
	frames      []Performative
	nextID      uint32
	transferErr error
	unlinked    []uint32
}

func (f *fakeSession) sendPerformative(p Performative) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, p)
	return nil
}

func (f *fakeSession) sendTransfer(t *Transfer) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	id := f.nextID
	f.nextID++
	t.DeliveryID = &id
	f.frames = append(f.frames, t)
	return id, nil
}

func (f *fakeSession) unlink(handle uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = append(f.unlinked, handle)
}

func (f *fakeSession) setTransferErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferErr = err
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSession) transfers() []*Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Transfer
	for _, p := range f.frames {
		if t, ok := p.(*Transfer); ok {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeSession) flows() []*Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Flow
	for _, p := range f.frames {
		if fl, ok := p.(*Flow); ok {
			out = append(out, fl)
		}
	}
	return out
}

func (f *fakeSession) dispositions() []*Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Disposition
	for _, p := range f.frames {
		if d, ok := p.(*Disposition); ok {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeSession) detaches() []*Detach {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Detach
	for _, p := range f.frames {
		if d, ok := p.(*Detach); ok {
			out = append(out, d)
		}
	}
	return out
}

// rawCodec sends the first data section as the whole payload.
type rawCodec struct{}

func (rawCodec) Encode(msg *Message) ([]byte, error) { return msg.GetData(), nil }

func (rawCodec) Decode(payload []byte) (*Message, error) {
	return NewMessage(append([]byte(nil), payload...)), nil
}

// failingCodec fails every call.
type failingCodec struct{}

func (failingCodec) Encode(*Message) ([]byte, error) { return nil, errors.New("encode boom") }
func (failingCodec) Decode([]byte) (*Message, error) { return nil, errors.New("decode boom") }

const peerHandle uint32 = 7

func u32(v uint32) *uint32 { return &v }

func attachedSender(t *testing.T, fs *fakeSession, opts ...LinkOption) *Sender {
	t.Helper()
	opts = append([]LinkOption{WithCodec(rawCodec{})}, opts...)
	s := newSender(fs, 0, opts...)
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	s.handleFrame(&Attach{Name: s.Name(), Handle: peerHandle, Role: RoleReceiver, Target: &Target{Address: "queue"}})
	if st := s.State(); st != LinkAttached {
		t.Fatalf("expected attached, got %s", st)
	}
	return s
}

func grant(s *Sender, peerDeliveryCount, credit uint32) {
	s.handleFrame(&Flow{Handle: u32(peerHandle), DeliveryCount: u32(peerDeliveryCount), LinkCredit: u32(credit)})
}

func attachedReceiver(t *testing.T, fs *fakeSession, handler MessageHandler, opts ...LinkOption) *Receiver {
	t.Helper()
	opts = append([]LinkOption{WithCodec(rawCodec{})}, opts...)
	r := newReceiver(fs, 0, handler, opts...)
	if err := r.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.handleFrame(&Attach{
		Name:                 r.Name(),
		Handle:               peerHandle,
		Role:                 RoleSender,
		Source:               &Source{Address: "queue"},
		InitialDeliveryCount: u32(0),
	})
	if st := r.State(); st != LinkAttached {
		t.Fatalf("expected attached, got %s", st)
	}
	return r
}

// settleRecord is one settlement callback invocation.
type settleRecord struct {
	body   string
	reason SettleReason
	state  DeliveryState
}

type settleLog struct {
	mu      sync.Mutex
	records []settleRecord
}

func (l *settleLog) fn(msg *Message, reason SettleReason, state DeliveryState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, settleRecord{body: string(msg.GetData()), reason: reason, state: state})
	return nil
}

func (l *settleLog) all() []settleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]settleRecord(nil), l.records...)
}

// scriptTransport replays a fixed server script and records what the
// client writes.
type scriptTransport struct {
	header  ProtoHeader
	in      []Frame
	out     []Frame
	headers []ProtoHeader
}

func (s *scriptTransport) ReadProtoHeader() (ProtoHeader, error) { return s.header, nil }

func (s *scriptTransport) WriteProtoHeader(h ProtoHeader) error {
	s.headers = append(s.headers, h)
	return nil
}

func (s *scriptTransport) ReadFrame() (Frame, error) {
	if len(s.in) == 0 {
		return Frame{}, io.EOF
	}
	f := s.in[0]
	s.in = s.in[1:]
	return f, nil
}

func (s *scriptTransport) WriteFrame(f Frame) error {
	s.out = append(s.out, f)
	return nil
}

func (s *scriptTransport) Close() error { return nil }
