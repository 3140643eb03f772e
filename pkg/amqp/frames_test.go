package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf, MaxFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Type != f.Type || got.Channel != f.Channel {
		t.Fatalf("header mismatch: got type %d channel %d", got.Type, got.Channel)
	}
	return got
}

func TestFrameOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		id := uint32(12)
		f := Frame{Channel: 3, Body: &Transfer{Handle: 1, DeliveryID: &id, DeliveryTag: []byte{0, 0, 0, 1}, Payload: []byte("payload")}}
		if err := WriteFrame(a, f); err != nil {
			t.Errorf("WriteFrame failed: %v", err)
		}
	}()

	got, err := ReadFrame(b, MaxFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Channel != 3 || got.Type != frameTypeAMQP {
		t.Fatalf("unexpected header %+v", got)
	}
	tr, ok := got.Body.(*Transfer)
	if !ok {
		t.Fatalf("expected transfer, got %T", got.Body)
	}
	if tr.Handle != 1 || tr.DeliveryID == nil || *tr.DeliveryID != 12 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if string(tr.Payload) != "payload" || !bytes.Equal(tr.DeliveryTag, []byte{0, 0, 0, 1}) {
		t.Fatalf("unexpected payload %q tag %x", tr.Payload, tr.DeliveryTag)
	}
}

func TestProtoHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteProtoHeader(&buf, saslProtoHeader); err != nil {
		t.Fatalf("WriteProtoHeader failed: %v", err)
	}
	if got := buf.String(); got != "AMQP\x03\x01\x00\x00" {
		t.Fatalf("unexpected header bytes %q", got)
	}
	h, err := ReadProtoHeader(&buf)
	if err != nil || h != saslProtoHeader {
		t.Fatalf("ReadProtoHeader = %v, %v", h, err)
	}
	if _, err := ReadProtoHeader(bytes.NewReader([]byte("HTTP/1.1"))); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestEmptyFrameIsHeartbeat(t *testing.T) {
	got := roundTrip(t, Frame{Channel: 0})
	if got.Body != nil {
		t.Fatalf("expected empty body, got %T", got.Body)
	}
}

func TestReadFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, Frame{Body: &Open{ContainerID: "c"}})
	if _, err := ReadFrame(bytes.NewReader(buf.Bytes()), 10); err == nil {
		t.Fatalf("expected error for frame over limit")
	}

	bad := make([]byte, 8)
	binary.BigEndian.PutUint32(bad, 4)
	bad[4] = 2
	if _, err := ReadFrame(bytes.NewReader(bad), 0); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for short size, got %v", err)
	}
	binary.BigEndian.PutUint32(bad, 8)
	bad[4] = 1
	if _, err := ReadFrame(bytes.NewReader(bad), 0); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for bad doff, got %v", err)
	}
}

func TestReadFrameSkipsExtendedHeader(t *testing.T) {
	var body bytes.Buffer
	(&End{}).marshal(&body)
	frame := make([]byte, 12)
	binary.BigEndian.PutUint32(frame, uint32(12+body.Len()))
	frame[4] = 3
	frame = append(frame, body.Bytes()...)
	got, err := ReadFrame(bytes.NewReader(frame), 0)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if _, ok := got.Body.(*End); !ok {
		t.Fatalf("expected end, got %T", got.Body)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	in := &Open{
		ContainerID:  "container-1",
		Hostname:     "broker.local",
		MaxFrameSize: 65536,
		ChannelMax:   255,
		IdleTimeout:  30 * time.Second,
		Properties:   map[Symbol]any{"product": "amqp-link"},
	}
	got := roundTrip(t, Frame{Body: in})
	out, ok := got.Body.(*Open)
	if !ok {
		t.Fatalf("expected open, got %T", got.Body)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("open mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestOpenDefaults(t *testing.T) {
	var buf bytes.Buffer
	// open with only the container-id
	writeComposite(&buf, codeOpen, stringField("c"))
	p, err := decodePerformative(buf.Bytes())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	o := p.(*Open)
	if o.MaxFrameSize != 4294967295 || o.ChannelMax != 65535 || o.IdleTimeout != 0 {
		t.Fatalf("unexpected defaults %+v", o)
	}
}

func TestBeginRoundTrip(t *testing.T) {
	ch := uint16(4)
	in := &Begin{RemoteChannel: &ch, NextOutgoingID: 1, IncomingWindow: 5000, OutgoingWindow: 5000, HandleMax: 4095}
	out := roundTrip(t, Frame{Channel: 2, Body: in}).Body.(*Begin)
	if out.RemoteChannel == nil || *out.RemoteChannel != 4 {
		t.Fatalf("remote-channel lost: %+v", out)
	}
	if out.IncomingWindow != 5000 || out.HandleMax != 4095 || out.NextOutgoingID != 1 {
		t.Fatalf("unexpected begin %+v", out)
	}
}

func TestAttachRoundTrip(t *testing.T) {
	idc := uint32(0)
	in := &Attach{
		Name:                 "link-1",
		Handle:               0,
		Role:                 RoleSender,
		SenderSettleMode:     ModeMixed,
		ReceiverSettleMode:   ModeFirst,
		Source:               &Source{Address: "sender-link-1"},
		Target:               &Target{Address: "orders", Capabilities: []Symbol{"queue"}},
		InitialDeliveryCount: &idc,
		MaxMessageSize:       1024,
	}
	out := roundTrip(t, Frame{Body: in}).Body.(*Attach)
	if out.Name != "link-1" || out.Role != RoleSender || out.SenderSettleMode != ModeMixed {
		t.Fatalf("unexpected attach %+v", out)
	}
	if out.Source == nil || out.Source.Address != "sender-link-1" {
		t.Fatalf("source lost: %v", out.Source)
	}
	if out.Target == nil || out.Target.Address != "orders" || !reflect.DeepEqual(out.Target.Capabilities, []Symbol{"queue"}) {
		t.Fatalf("target lost: %v", out.Target)
	}
	if out.InitialDeliveryCount == nil || *out.InitialDeliveryCount != 0 {
		t.Fatalf("initial-delivery-count lost")
	}
	if out.MaxMessageSize != 1024 {
		t.Fatalf("max-message-size lost: %d", out.MaxMessageSize)
	}

	// a refusing peer answers without a terminus
	out = roundTrip(t, Frame{Body: &Attach{Name: "x", Role: RoleReceiver}}).Body.(*Attach)
	if out.Source != nil || out.Target != nil || out.InitialDeliveryCount != nil {
		t.Fatalf("expected nil terminus, got %+v", out)
	}
}

func TestFlowRoundTrip(t *testing.T) {
	in := &Flow{
		NextIncomingID: u32(0),
		IncomingWindow: 100,
		NextOutgoingID: 7,
		OutgoingWindow: 100,
		Handle:         u32(0),
		DeliveryCount:  u32(0),
		LinkCredit:     u32(10),
		Echo:           true,
	}
	out := roundTrip(t, Frame{Body: in}).Body.(*Flow)
	if out.Handle == nil || *out.Handle != 0 {
		t.Fatalf("handle 0 must survive the round trip")
	}
	if out.NextIncomingID == nil || *out.NextIncomingID != 0 || *out.LinkCredit != 10 || !out.Echo {
		t.Fatalf("unexpected flow %+v", out)
	}

	session := roundTrip(t, Frame{Body: &Flow{IncomingWindow: 1}}).Body.(*Flow)
	if session.Handle != nil || session.DeliveryCount != nil || session.LinkCredit != nil {
		t.Fatalf("session flow decoded link fields: %+v", session)
	}
}

func TestDispositionRoundTrip(t *testing.T) {
	in := &Disposition{
		Role:    RoleReceiver,
		First:   5,
		Last:    u32(8),
		Settled: true,
		State:   &Rejected{Error: &Error{Condition: ErrCondDecodeError, Description: "bad payload"}},
	}
	out := roundTrip(t, Frame{Body: in}).Body.(*Disposition)
	if out.Role != RoleReceiver || out.First != 5 || out.Last == nil || *out.Last != 8 || !out.Settled {
		t.Fatalf("unexpected disposition %+v", out)
	}
	rej, ok := out.State.(*Rejected)
	if !ok || rej.Error == nil || rej.Error.Condition != ErrCondDecodeError || rej.Error.Description != "bad payload" {
		t.Fatalf("unexpected state %v", out.State)
	}

	for _, st := range []DeliveryState{&Accepted{}, &Released{}, &Modified{DeliveryFailed: true}} {
		got := roundTrip(t, Frame{Body: &Disposition{First: 1, Settled: true, State: st}}).Body.(*Disposition)
		if reflect.TypeOf(got.State) != reflect.TypeOf(st) {
			t.Fatalf("state %T decoded as %T", st, got.State)
		}
	}
}

func TestTransferRoundTrip(t *testing.T) {
	format := uint32(0)
	in := &Transfer{
		Handle:        2,
		DeliveryID:    u32(0),
		DeliveryTag:   []byte{9},
		MessageFormat: &format,
		More:          true,
		Payload:       bytes.Repeat([]byte{0xAB}, 300),
	}
	out := roundTrip(t, Frame{Body: in}).Body.(*Transfer)
	if out.DeliveryID == nil || *out.DeliveryID != 0 || !out.More || out.Settled {
		t.Fatalf("unexpected transfer %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}

	cont := roundTrip(t, Frame{Body: &Transfer{Handle: 2, Payload: []byte("tail")}}).Body.(*Transfer)
	if cont.DeliveryID != nil || cont.MessageFormat != nil {
		t.Fatalf("continuation decoded optional fields: %+v", cont)
	}
	if string(cont.Payload) != "tail" {
		t.Fatalf("unexpected payload %q", cont.Payload)
	}
}

func TestDetachCarriesError(t *testing.T) {
	in := &Detach{Handle: 3, Closed: true, Error: &Error{Condition: ErrCondInvalidField, Description: "missing delivery-count"}}
	out := roundTrip(t, Frame{Body: in}).Body.(*Detach)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("detach mismatch: %+v", out)
	}
}

func TestSASLFramesRoundTrip(t *testing.T) {
	mechs := roundTrip(t, Frame{Type: frameTypeSASL, Body: &SASLMechanisms{Mechanisms: []Symbol{"PLAIN", "ANONYMOUS"}}}).Body.(*SASLMechanisms)
	if !reflect.DeepEqual(mechs.Mechanisms, []Symbol{"PLAIN", "ANONYMOUS"}) {
		t.Fatalf("unexpected mechanisms %v", mechs.Mechanisms)
	}
	init := roundTrip(t, Frame{Type: frameTypeSASL, Body: &SASLInit{Mechanism: "ANONYMOUS", InitialResponse: []byte{}}}).Body.(*SASLInit)
	if init.Mechanism != "ANONYMOUS" || len(init.InitialResponse) != 0 {
		t.Fatalf("unexpected init %+v", init)
	}
	outcome := roundTrip(t, Frame{Type: frameTypeSASL, Body: &SASLOutcome{Code: SASLCodeAuth}}).Body.(*SASLOutcome)
	if outcome.Code != SASLCodeAuth {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestDecodeUnknownDescriptor(t *testing.T) {
	var buf bytes.Buffer
	writeComposite(&buf, 0x99, stringField("x"))
	if _, err := decodePerformative(buf.Bytes()); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDecodeInvalidField(t *testing.T) {
	var buf bytes.Buffer
	// attach with a string where the handle belongs
	writeComposite(&buf, codeAttach, stringField("name"), stringField("not-a-handle"), boolField(false))
	if _, err := decodePerformative(buf.Bytes()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDecodeArrayCountPastBody(t *testing.T) {
	cases := map[string][]byte{
		// open carrying an array32 of 0x04000000 nulls in five bytes
		"null": {0x00, 0x53, 0x10, 0xf0, 0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0x40},
		// array8 claiming 200 uint0 elements
		"uint0": {0x00, 0x53, 0x10, 0xe0, 0x02, 0xc8, 0x43},
		// array8 of uint with a count larger than the bytes present
		"uint": {0x00, 0x53, 0x10, 0xe0, 0x06, 0x10, 0x70, 0x00, 0x00, 0x00, 0x01},
	}
	for name, body := range cases {
		if _, err := decodePerformative(body); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("%s: expected ErrProtocolViolation, got %v", name, err)
		}
	}
}

func TestDecodeArrayOfZeroWidthElements(t *testing.T) {
	d := &decoder{buf: []byte{0xe0, 0x02, 0x03, 0x43, 0x00, 0x00}}
	v, err := d.value()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected three elements, got %#v", v)
	}
}
