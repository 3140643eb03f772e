package amqp

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordTransport records written frames and is safe for concurrent use.
type recordTransport struct {
	mu  sync.Mutex
	out []Frame
}

func (r *recordTransport) ReadProtoHeader() (ProtoHeader, error) { return amqpProtoHeader, nil }
func (r *recordTransport) WriteProtoHeader(ProtoHeader) error    { return nil }
func (r *recordTransport) ReadFrame() (Frame, error)             { return Frame{}, io.EOF }
func (r *recordTransport) Close() error                          { return nil }

func (r *recordTransport) WriteFrame(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, f)
	return nil
}

func (r *recordTransport) transfers() []*Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Transfer
	for _, f := range r.out {
		if t, ok := f.Body.(*Transfer); ok {
			out = append(out, t)
		}
	}
	return out
}

// begunSession returns a session whose peer began with the given incoming
// window, and a sender attached on it with credit.
func begunSession(t *testing.T, window, credit uint32) (*Session, *Sender, *recordTransport) {
	t.Helper()
	tr := &recordTransport{}
	c := &Conn{
		transport:      tr,
		cfg:            connConfig{maxFrameSize: 512},
		log:            zerolog.Nop(),
		done:           make(chan struct{}),
		sessions:       make(map[uint16]*Session),
		remoteSessions: make(map[uint16]*Session),
	}
	sess := newSession(c, 0)
	c.sessions[0] = sess
	sess.handleFrame(&Begin{RemoteChannel: new(uint16), IncomingWindow: window, OutgoingWindow: 100, HandleMax: 10})

	snd := newSender(sess, 0, WithCodec(rawCodec{}))
	sess.links[0] = snd
	sess.attaching[snd.Name()] = snd
	if err := snd.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess.handleFrame(&Attach{Name: snd.Name(), Handle: peerHandle, Role: RoleReceiver, Target: &Target{Address: "queue"}})
	if st := snd.State(); st != LinkAttached {
		t.Fatalf("expected attached, got %s", st)
	}
	sess.handleFrame(&Flow{
		NextIncomingID: u32(0),
		IncomingWindow: window,
		Handle:         u32(peerHandle),
		DeliveryCount:  u32(0),
		LinkCredit:     u32(credit),
	})
	return sess, snd, tr
}

// within fails the test when fn does not return in time.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestSessionWindowClosedQueuesUntilFlow(t *testing.T) {
	sess, snd, tr := begunSession(t, 1, 10)
	var log settleLog

	if _, err := snd.SendTransfer(NewMessage([]byte("a")), WithOnSettled(log.fn)); err != nil {
		t.Fatalf("SendTransfer a: %v", err)
	}
	var (
		db  *PendingDelivery
		err error
	)
	within(t, "SendTransfer with a closed window", func() {
		db, err = snd.SendTransfer(NewMessage([]byte("b")), WithOnSettled(log.fn))
	})
	if err != nil || db == nil {
		t.Fatalf("expected b to be queued, got %v", err)
	}
	if unsettled, queued := snd.Pending(); unsettled != 1 || queued != 1 {
		t.Fatalf("expected 1 unsettled and 1 queued, got %d and %d", unsettled, queued)
	}
	if n := len(tr.transfers()); n != 1 {
		t.Fatalf("expected one transfer on the wire, got %d", n)
	}

	// frames for the link are still routed while b waits for the window
	within(t, "disposition", func() {
		sess.handleFrame(&Disposition{Role: RoleReceiver, First: 0, Settled: true, State: &Accepted{}})
	})
	recs := log.all()
	if len(recs) != 1 || recs[0].body != "a" || recs[0].reason != SettleDispositionReceived {
		t.Fatalf("expected a to be settled by the disposition, got %+v", recs)
	}

	within(t, "session flow", func() {
		sess.handleFrame(&Flow{NextIncomingID: u32(1), IncomingWindow: 10})
	})
	transfers := tr.transfers()
	if len(transfers) != 2 || string(transfers[1].Payload) != "b" {
		t.Fatalf("expected b to be sent after the flow, got %d transfers", len(transfers))
	}
	if id, sent := db.DeliveryID(); !sent || id != 1 {
		t.Fatalf("expected b as delivery 1, got %d sent=%v", id, sent)
	}
	if unsettled, queued := snd.Pending(); unsettled != 1 || queued != 0 {
		t.Fatalf("expected 1 unsettled and 0 queued, got %d and %d", unsettled, queued)
	}
}

func TestSessionWindowKeepsQueueOrder(t *testing.T) {
	sess, snd, tr := begunSession(t, 0, 10)

	for _, body := range []string{"a", "b", "c"} {
		if _, err := snd.SendTransfer(NewMessage([]byte(body))); err != nil {
			t.Fatalf("SendTransfer %s: %v", body, err)
		}
	}
	if n := len(tr.transfers()); n != 0 {
		t.Fatalf("expected nothing on the wire, got %d transfers", n)
	}
	// room for two; c waits for the next flow
	sess.handleFrame(&Flow{NextIncomingID: u32(0), IncomingWindow: 2})
	if _, queued := snd.Pending(); queued != 1 {
		t.Fatalf("expected c to stay queued, got %d queued", queued)
	}
	sess.handleFrame(&Flow{NextIncomingID: u32(2), IncomingWindow: 5})
	var got []string
	for _, fr := range tr.transfers() {
		got = append(got, string(fr.Payload))
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected a, b, c in order, got %v", got)
	}
	if c := snd.Credit(); c != 7 {
		t.Fatalf("expected credit 7, got %d", c)
	}
}

func TestSendTransferMultiFrameNeedsWholeWindow(t *testing.T) {
	sess, _, tr := begunSession(t, 2, 10)
	payload := bytes.Repeat([]byte("x"), 1500)
	id, err := sess.sendTransfer(&Transfer{Handle: 0, DeliveryTag: []byte{1}, Payload: payload})
	if err == nil || !errors.Is(err, errWindowClosed) {
		t.Fatalf("expected errWindowClosed, got id %d, %v", id, err)
	}
	if n := len(tr.transfers()); n != 0 {
		t.Fatalf("expected nothing on the wire, got %d frames", n)
	}
	sess.handleFrame(&Flow{NextIncomingID: u32(0), IncomingWindow: 10})
	id, err = sess.sendTransfer(&Transfer{Handle: 0, DeliveryTag: []byte{1}, Payload: payload})
	if err != nil || id != 0 {
		t.Fatalf("expected delivery 0 once the window opened, got %d, %v", id, err)
	}
	frames := tr.transfers()
	if len(frames) < 3 || frames[0].DeliveryID == nil || *frames[0].DeliveryID != 0 {
		t.Fatalf("expected a split transfer with delivery-id 0, got %d frames", len(frames))
	}
}

func TestSplitTransferSingleFrame(t *testing.T) {
	tr := &Transfer{Handle: 1, DeliveryID: u32(3), DeliveryTag: []byte{1}, Payload: []byte("small")}
	frames, err := splitTransfer(tr, 512)
	if err != nil {
		t.Fatalf("splitTransfer failed: %v", err)
	}
	if len(frames) != 1 || frames[0] != tr || frames[0].More {
		t.Fatalf("expected the transfer unchanged, got %d frames", len(frames))
	}
}

func TestSplitTransferMultiFrame(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 200)
	tr := &Transfer{Handle: 1, DeliveryID: u32(3), DeliveryTag: []byte{1}, MessageFormat: u32(0), Payload: payload}
	frames, err := splitTransfer(tr, 512)
	if err != nil {
		t.Fatalf("splitTransfer failed: %v", err)
	}
	if len(frames) < 4 {
		t.Fatalf("expected the payload to be split, got %d frames", len(frames))
	}
	var joined []byte
	for i, fr := range frames {
		size, err := encodedSize(fr)
		if err != nil {
			t.Fatalf("encodedSize failed: %v", err)
		}
		if size > 512 {
			t.Fatalf("frame %d is %d bytes", i, size)
		}
		last := i == len(frames)-1
		if fr.More == last {
			t.Fatalf("frame %d more=%v", i, fr.More)
		}
		if i == 0 {
			if fr.DeliveryID == nil || *fr.DeliveryID != 3 || !bytes.Equal(fr.DeliveryTag, []byte{1}) {
				t.Fatalf("first frame lost delivery fields: %+v", fr)
			}
		} else if fr.DeliveryID != nil || fr.DeliveryTag != nil {
			t.Fatalf("continuation frame %d repeats delivery fields", i)
		}
		if fr.Handle != 1 {
			t.Fatalf("frame %d has handle %d", i, fr.Handle)
		}
		joined = append(joined, fr.Payload...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("reassembled payload differs")
	}
}

func TestSplitTransferFrameTooSmall(t *testing.T) {
	tr := &Transfer{Handle: 1, DeliveryID: u32(3), DeliveryTag: bytes.Repeat([]byte{1}, 32), Payload: []byte("x")}
	if _, err := splitTransfer(tr, 16); err == nil {
		t.Fatalf("expected error when the header does not fit")
	}
}
