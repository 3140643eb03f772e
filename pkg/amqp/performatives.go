package amqp

import (
	"bytes"
	"fmt"
	"time"
)

// descriptor codes
const (
	codeOpen        uint64 = 0x10
	codeBegin       uint64 = 0x11
	codeAttach      uint64 = 0x12
	codeFlow        uint64 = 0x13
	codeTransfer    uint64 = 0x14
	codeDisposition uint64 = 0x15
	codeDetach      uint64 = 0x16
	codeEnd         uint64 = 0x17
	codeClose       uint64 = 0x18
	codeError       uint64 = 0x1d

	codeStateReceived uint64 = 0x23
	codeStateAccepted uint64 = 0x24
	codeStateRejected uint64 = 0x25
	codeStateReleased uint64 = 0x26
	codeStateModified uint64 = 0x27

	codeSource uint64 = 0x28
	codeTarget uint64 = 0x29

	codeSASLMechanisms uint64 = 0x40
	codeSASLInit       uint64 = 0x41
	codeSASLChallenge  uint64 = 0x42
	codeSASLResponse   uint64 = 0x43
	codeSASLOutcome    uint64 = 0x44
)

var descriptorNames = map[Symbol]uint64{
	"amqp:open:list":            codeOpen,
	"amqp:begin:list":           codeBegin,
	"amqp:attach:list":          codeAttach,
	"amqp:flow:list":            codeFlow,
	"amqp:transfer:list":        codeTransfer,
	"amqp:disposition:list":     codeDisposition,
	"amqp:detach:list":          codeDetach,
	"amqp:end:list":             codeEnd,
	"amqp:close:list":           codeClose,
	"amqp:error:list":           codeError,
	"amqp:received:list":        codeStateReceived,
	"amqp:accepted:list":        codeStateAccepted,
	"amqp:rejected:list":        codeStateRejected,
	"amqp:released:list":        codeStateReleased,
	"amqp:modified:list":        codeStateModified,
	"amqp:source:list":          codeSource,
	"amqp:target:list":          codeTarget,
	"amqp:sasl-mechanisms:list": codeSASLMechanisms,
	"amqp:sasl-init:list":       codeSASLInit,
	"amqp:sasl-challenge:list":  codeSASLChallenge,
	"amqp:sasl-response:list":   codeSASLResponse,
	"amqp:sasl-outcome:list":    codeSASLOutcome,
}

// Performative is the body of a frame. The set of implementations is closed:
// Open, Begin, Attach, Flow, Transfer, Disposition, Detach, End, Close and
// the SASL frames.
type Performative interface {
	marshaler
	performative()
}

// Role is the role of a link endpoint.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// SenderSettleMode is the negotiated settlement policy of a sender.
type SenderSettleMode uint8

const (
	// ModeUnsettled sends every delivery unsettled.
	ModeUnsettled SenderSettleMode = 0
	// ModeSettled sends every delivery pre-settled.
	ModeSettled SenderSettleMode = 1
	// ModeMixed lets each delivery choose.
	ModeMixed SenderSettleMode = 2
)

func (m SenderSettleMode) String() string {
	switch m {
	case ModeUnsettled:
		return "unsettled"
	case ModeSettled:
		return "settled"
	case ModeMixed:
		return "mixed"
	}
	return fmt.Sprintf("SenderSettleMode(%d)", uint8(m))
}

// ReceiverSettleMode is the negotiated settlement policy of a receiver.
type ReceiverSettleMode uint8

const (
	ModeFirst  ReceiverSettleMode = 0
	ModeSecond ReceiverSettleMode = 1
)

// ErrorCondition is a symbolic AMQP error condition.
type ErrorCondition Symbol

const (
	ErrCondInternalError    ErrorCondition = "amqp:internal-error"
	ErrCondNotFound         ErrorCondition = "amqp:not-found"
	ErrCondDecodeError      ErrorCondition = "amqp:decode-error"
	ErrCondInvalidField     ErrorCondition = "amqp:invalid-field"
	ErrCondIllegalState     ErrorCondition = "amqp:illegal-state"
	ErrCondNotAllowed       ErrorCondition = "amqp:not-allowed"
	ErrCondDetachForced     ErrorCondition = "amqp:link:detach-forced"
	ErrCondTransferLimit    ErrorCondition = "amqp:link:transfer-limit-exceeded"
	ErrCondConnectionForced ErrorCondition = "amqp:connection:forced"
)

// Error is an AMQP error carried by Detach, End, Close and Rejected.
type Error struct {
	Condition   ErrorCondition
	Description string
	Info        map[Symbol]any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeError,
		symbolField(Symbol(e.Condition)),
		optStringField(e.Description),
		mapField(e.Info),
	)
}

func (e *Error) unmarshal(l *fieldList) {
	l.required(0)
	e.Condition = ErrorCondition(l.symbol(0))
	e.Description = l.str(1)
	e.Info = l.symbolMap(2)
}

func errorField(e *Error) field {
	if e == nil {
		return nil
	}
	return e.marshal
}

func (l *fieldList) amqpError(i int) *Error {
	code, v, ok := l.described(i)
	if !ok {
		return nil
	}
	if code != codeError {
		l.fail(i, "error", v)
		return nil
	}
	fl := compositeFields("error", v)
	e := &Error{}
	e.unmarshal(fl)
	if fl.err != nil && l.err == nil {
		l.err = fl.err
	}
	return e
}

// Source is the source terminus of a link.
type Source struct {
	Address          string
	Durable          uint32
	ExpiryPolicy     Symbol
	Timeout          uint32
	Dynamic          bool
	DistributionMode Symbol
	Filter           map[Symbol]any
	Outcomes         []Symbol
	Capabilities     []Symbol
}

func (s *Source) marshal(b *bytes.Buffer) error {
	var durable, timeout field
	if s.Durable != 0 {
		durable = uintField(s.Durable)
	}
	if s.Timeout != 0 {
		timeout = uintField(s.Timeout)
	}
	return writeComposite(b, codeSource,
		optStringField(s.Address),
		durable,
		optSymbolField(s.ExpiryPolicy),
		timeout,
		optBoolField(s.Dynamic),
		nil, // dynamic-node-properties
		optSymbolField(s.DistributionMode),
		mapField(s.Filter),
		nil, // default-outcome
		symbolArrayField(s.Outcomes),
		symbolArrayField(s.Capabilities),
	)
}

func (s *Source) unmarshal(l *fieldList) {
	s.Address = l.str(0)
	s.Durable = l.uint32Or(1, 0)
	s.ExpiryPolicy = l.symbol(2)
	s.Timeout = l.uint32Or(3, 0)
	s.Dynamic = l.boolean(4)
	s.DistributionMode = l.symbol(6)
	s.Filter = l.symbolMap(7)
	s.Outcomes = l.symbols(9)
	s.Capabilities = l.symbols(10)
}

func (s *Source) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.Address
}

// Target is the target terminus of a link.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []Symbol
}

func (t *Target) marshal(b *bytes.Buffer) error {
	var durable, timeout field
	if t.Durable != 0 {
		durable = uintField(t.Durable)
	}
	if t.Timeout != 0 {
		timeout = uintField(t.Timeout)
	}
	return writeComposite(b, codeTarget,
		optStringField(t.Address),
		durable,
		optSymbolField(t.ExpiryPolicy),
		timeout,
		optBoolField(t.Dynamic),
		nil, // dynamic-node-properties
		symbolArrayField(t.Capabilities),
	)
}

func (t *Target) unmarshal(l *fieldList) {
	t.Address = l.str(0)
	t.Durable = l.uint32Or(1, 0)
	t.ExpiryPolicy = l.symbol(2)
	t.Timeout = l.uint32Or(3, 0)
	t.Dynamic = l.boolean(4)
	t.Capabilities = l.symbols(6)
}

func (t *Target) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Address
}

// Open negotiates connection parameters.
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         time.Duration
	OfferedCapabilities []Symbol
	DesiredCapabilities []Symbol
	Properties          map[Symbol]any
}

func (*Open) performative() {}

func (o *Open) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeOpen,
		stringField(o.ContainerID),
		optStringField(o.Hostname),
		uintField(o.MaxFrameSize),
		ushortField(o.ChannelMax),
		millisField(o.IdleTimeout),
		nil, // outgoing-locales
		nil, // incoming-locales
		symbolArrayField(o.OfferedCapabilities),
		symbolArrayField(o.DesiredCapabilities),
		mapField(o.Properties),
	)
}

func (o *Open) unmarshal(l *fieldList) {
	l.required(0)
	o.ContainerID = l.str(0)
	o.Hostname = l.str(1)
	o.MaxFrameSize = l.uint32Or(2, 4294967295)
	o.ChannelMax = l.uint16Or(3, 65535)
	o.IdleTimeout = l.millis(4)
	o.OfferedCapabilities = l.symbols(7)
	o.DesiredCapabilities = l.symbols(8)
	o.Properties = l.symbolMap(9)
}

// Begin starts a session.
type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
	Properties     map[Symbol]any
}

func (*Begin) performative() {}

func (bg *Begin) marshal(b *bytes.Buffer) error {
	var remote field
	if bg.RemoteChannel != nil {
		remote = ushortField(*bg.RemoteChannel)
	}
	return writeComposite(b, codeBegin,
		remote,
		uintField(bg.NextOutgoingID),
		uintField(bg.IncomingWindow),
		uintField(bg.OutgoingWindow),
		uintField(bg.HandleMax),
		nil, // offered-capabilities
		nil, // desired-capabilities
		mapField(bg.Properties),
	)
}

func (bg *Begin) unmarshal(l *fieldList) {
	if l.get(0) != nil {
		ch := l.uint16Or(0, 0)
		bg.RemoteChannel = &ch
	}
	l.required(1)
	l.required(2)
	l.required(3)
	bg.NextOutgoingID = l.uint32Or(1, 0)
	bg.IncomingWindow = l.uint32Or(2, 0)
	bg.OutgoingWindow = l.uint32Or(3, 0)
	bg.HandleMax = l.uint32Or(4, 4294967295)
	bg.Properties = l.symbolMap(7)
}

// Attach attaches a link to a session.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 Role
	SenderSettleMode     SenderSettleMode
	ReceiverSettleMode   ReceiverSettleMode
	Source               *Source
	Target               *Target
	IncompleteUnsettled  bool
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []Symbol
	DesiredCapabilities  []Symbol
	Properties           map[Symbol]any
}

func (*Attach) performative() {}

func (a *Attach) marshal(b *bytes.Buffer) error {
	var src, tgt field
	if a.Source != nil {
		src = a.Source.marshal
	}
	if a.Target != nil {
		tgt = a.Target.marshal
	}
	var maxSize field
	if a.MaxMessageSize != 0 {
		maxSize = ulongField(a.MaxMessageSize)
	}
	return writeComposite(b, codeAttach,
		stringField(a.Name),
		uintField(a.Handle),
		boolField(bool(a.Role)),
		ubyteField(uint8(a.SenderSettleMode)),
		ubyteField(uint8(a.ReceiverSettleMode)),
		src,
		tgt,
		nil, // unsettled
		optBoolField(a.IncompleteUnsettled),
		optUintField(a.InitialDeliveryCount),
		maxSize,
		symbolArrayField(a.OfferedCapabilities),
		symbolArrayField(a.DesiredCapabilities),
		mapField(a.Properties),
	)
}

func (a *Attach) unmarshal(l *fieldList) {
	l.required(0)
	l.required(1)
	l.required(2)
	a.Name = l.str(0)
	a.Handle = l.uint32Or(1, 0)
	a.Role = Role(l.boolean(2))
	a.SenderSettleMode = SenderSettleMode(l.uint8Or(3, uint8(ModeMixed)))
	a.ReceiverSettleMode = ReceiverSettleMode(l.uint8Or(4, uint8(ModeFirst)))
	if code, v, ok := l.described(5); ok {
		if code != codeSource {
			l.fail(5, "source", v)
		} else {
			a.Source = &Source{}
			a.Source.unmarshal(nested(l, "source", v))
		}
	}
	if code, v, ok := l.described(6); ok {
		if code != codeTarget {
			l.fail(6, "target", v)
		} else {
			a.Target = &Target{}
			a.Target.unmarshal(nested(l, "target", v))
		}
	}
	a.IncompleteUnsettled = l.boolean(8)
	a.InitialDeliveryCount = l.uint32Ptr(9)
	a.MaxMessageSize = l.uint64Or(10, 0)
	a.OfferedCapabilities = l.symbols(11)
	a.DesiredCapabilities = l.symbols(12)
	a.Properties = l.symbolMap(13)
}

// nested returns a fieldList for a nested composite whose errors propagate
// to parent.
func nested(parent *fieldList, name string, v any) *fieldList {
	fl := compositeFields(name, v)
	if fl.err != nil && parent.err == nil {
		parent.err = fl.err
	}
	return fl
}

// Flow updates session and link flow state.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[Symbol]any
}

func (*Flow) performative() {}

func (f *Flow) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeFlow,
		optUintField(f.NextIncomingID),
		uintField(f.IncomingWindow),
		uintField(f.NextOutgoingID),
		uintField(f.OutgoingWindow),
		optUintField(f.Handle),
		optUintField(f.DeliveryCount),
		optUintField(f.LinkCredit),
		optUintField(f.Available),
		optBoolField(f.Drain),
		optBoolField(f.Echo),
		mapField(f.Properties),
	)
}

func (f *Flow) unmarshal(l *fieldList) {
	l.required(1)
	l.required(2)
	l.required(3)
	f.NextIncomingID = l.uint32Ptr(0)
	f.IncomingWindow = l.uint32Or(1, 0)
	f.NextOutgoingID = l.uint32Or(2, 0)
	f.OutgoingWindow = l.uint32Or(3, 0)
	f.Handle = l.uint32Ptr(4)
	f.DeliveryCount = l.uint32Ptr(5)
	f.LinkCredit = l.uint32Ptr(6)
	f.Available = l.uint32Ptr(7)
	f.Drain = l.boolean(8)
	f.Echo = l.boolean(9)
	f.Properties = l.symbolMap(10)
}

// Transfer carries one frame of a delivery. Payload holds the bytes that
// follow the performative in the frame body.
type Transfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *ReceiverSettleMode
	State              DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool

	Payload []byte
}

func (*Transfer) performative() {}

func (t *Transfer) marshal(b *bytes.Buffer) error {
	var rcvMode field
	if t.ReceiverSettleMode != nil {
		rcvMode = ubyteField(uint8(*t.ReceiverSettleMode))
	}
	var tag field
	if t.DeliveryTag != nil {
		tag = binaryField(t.DeliveryTag)
	}
	if err := writeComposite(b, codeTransfer,
		uintField(t.Handle),
		optUintField(t.DeliveryID),
		tag,
		optUintField(t.MessageFormat),
		optBoolField(t.Settled),
		optBoolField(t.More),
		rcvMode,
		stateField(t.State),
		optBoolField(t.Resume),
		optBoolField(t.Aborted),
		optBoolField(t.Batchable),
	); err != nil {
		return err
	}
	b.Write(t.Payload)
	return nil
}

func (t *Transfer) unmarshal(l *fieldList) {
	l.required(0)
	t.Handle = l.uint32Or(0, 0)
	t.DeliveryID = l.uint32Ptr(1)
	t.DeliveryTag = l.binary(2)
	t.MessageFormat = l.uint32Ptr(3)
	t.Settled = l.boolean(4)
	t.More = l.boolean(5)
	if l.get(6) != nil {
		m := ReceiverSettleMode(l.uint8Or(6, 0))
		t.ReceiverSettleMode = &m
	}
	t.State = l.deliveryState(7)
	t.Resume = l.boolean(8)
	t.Aborted = l.boolean(9)
	t.Batchable = l.boolean(10)
}

// Disposition reports the state of a range of deliveries.
type Disposition struct {
	Role      Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (*Disposition) performative() {}

func (d *Disposition) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeDisposition,
		boolField(bool(d.Role)),
		uintField(d.First),
		optUintField(d.Last),
		optBoolField(d.Settled),
		stateField(d.State),
		optBoolField(d.Batchable),
	)
}

func (d *Disposition) unmarshal(l *fieldList) {
	l.required(0)
	l.required(1)
	d.Role = Role(l.boolean(0))
	d.First = l.uint32Or(1, 0)
	d.Last = l.uint32Ptr(2)
	d.Settled = l.boolean(3)
	d.State = l.deliveryState(4)
	d.Batchable = l.boolean(5)
}

// Detach detaches a link from a session.
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (*Detach) performative() {}

func (d *Detach) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeDetach,
		uintField(d.Handle),
		optBoolField(d.Closed),
		errorField(d.Error),
	)
}

func (d *Detach) unmarshal(l *fieldList) {
	l.required(0)
	d.Handle = l.uint32Or(0, 0)
	d.Closed = l.boolean(1)
	d.Error = l.amqpError(2)
}

// End ends a session.
type End struct {
	Error *Error
}

func (*End) performative() {}

func (e *End) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeEnd, errorField(e.Error))
}

func (e *End) unmarshal(l *fieldList) { e.Error = l.amqpError(0) }

// Close closes a connection.
type Close struct {
	Error *Error
}

func (*Close) performative() {}

func (c *Close) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeClose, errorField(c.Error))
}

func (c *Close) unmarshal(l *fieldList) { c.Error = l.amqpError(0) }

// SASLCode is the outcome code of a SASL exchange.
type SASLCode uint8

const (
	SASLCodeOk      SASLCode = 0
	SASLCodeAuth    SASLCode = 1
	SASLCodeSys     SASLCode = 2
	SASLCodeSysPerm SASLCode = 3
	SASLCodeSysTemp SASLCode = 4
)

func (c SASLCode) String() string {
	switch c {
	case SASLCodeOk:
		return "ok"
	case SASLCodeAuth:
		return "auth"
	case SASLCodeSys:
		return "sys"
	case SASLCodeSysPerm:
		return "sys-perm"
	case SASLCodeSysTemp:
		return "sys-temp"
	}
	return fmt.Sprintf("SASLCode(%d)", uint8(c))
}

// SASLMechanisms advertises the server's mechanisms.
type SASLMechanisms struct {
	Mechanisms []Symbol
}

func (*SASLMechanisms) performative() {}

func (m *SASLMechanisms) marshal(b *bytes.Buffer) error {
	mechs := m.Mechanisms
	return writeComposite(b, codeSASLMechanisms, func(b *bytes.Buffer) error {
		writeSymbolArray(b, mechs)
		return nil
	})
}

func (m *SASLMechanisms) unmarshal(l *fieldList) {
	l.required(0)
	m.Mechanisms = l.symbols(0)
}

// SASLInit selects a mechanism and carries the initial response.
type SASLInit struct {
	Mechanism       Symbol
	InitialResponse []byte
	Hostname        string
}

func (*SASLInit) performative() {}

func (i *SASLInit) marshal(b *bytes.Buffer) error {
	// an empty initial response is still sent so ANONYMOUS and EXTERNAL
	// carry a zero-length response
	return writeComposite(b, codeSASLInit,
		symbolField(i.Mechanism),
		binaryField(i.InitialResponse),
		optStringField(i.Hostname),
	)
}

func (i *SASLInit) unmarshal(l *fieldList) {
	l.required(0)
	i.Mechanism = l.symbol(0)
	i.InitialResponse = l.binary(1)
	i.Hostname = l.str(2)
}

// SASLChallenge is a server challenge. Multi-step mechanisms are not
// supported by Negotiator.
type SASLChallenge struct {
	Challenge []byte
}

func (*SASLChallenge) performative() {}

func (c *SASLChallenge) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeSASLChallenge, binaryField(c.Challenge))
}

func (c *SASLChallenge) unmarshal(l *fieldList) {
	l.required(0)
	c.Challenge = l.binary(0)
}

// SASLResponse answers a challenge.
type SASLResponse struct {
	Response []byte
}

func (*SASLResponse) performative() {}

func (r *SASLResponse) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeSASLResponse, binaryField(r.Response))
}

func (r *SASLResponse) unmarshal(l *fieldList) {
	l.required(0)
	r.Response = l.binary(0)
}

// SASLOutcome ends the SASL exchange.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (*SASLOutcome) performative() {}

func (o *SASLOutcome) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeSASLOutcome,
		ubyteField(uint8(o.Code)),
		optBinaryField(o.AdditionalData),
	)
}

func (o *SASLOutcome) unmarshal(l *fieldList) {
	l.required(0)
	o.Code = SASLCode(l.uint8Or(0, 0))
	o.AdditionalData = l.binary(1)
}

// DeliveryState is the state or terminal outcome of a delivery:
// *Received, *Accepted, *Rejected, *Released or *Modified.
type DeliveryState interface {
	marshaler
	deliveryState()
}

// Received is the non-terminal received state.
type Received struct {
	SectionNumber uint32
	SectionOffset uint64
}

// Accepted is the accepted outcome.
type Accepted struct{}

// Rejected is the rejected outcome.
type Rejected struct {
	Error *Error
}

// Released is the released outcome.
type Released struct{}

// Modified is the modified outcome.
type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[Symbol]any
}

func (*Received) deliveryState() {}
func (*Accepted) deliveryState() {}
func (*Rejected) deliveryState() {}
func (*Released) deliveryState() {}
func (*Modified) deliveryState() {}

func (r *Received) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeStateReceived, uintField(r.SectionNumber), ulongField(r.SectionOffset))
}

func (*Accepted) marshal(b *bytes.Buffer) error { return writeComposite(b, codeStateAccepted) }

func (r *Rejected) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeStateRejected, errorField(r.Error))
}

func (*Released) marshal(b *bytes.Buffer) error { return writeComposite(b, codeStateReleased) }

func (m *Modified) marshal(b *bytes.Buffer) error {
	return writeComposite(b, codeStateModified,
		optBoolField(m.DeliveryFailed),
		optBoolField(m.UndeliverableHere),
		mapField(m.MessageAnnotations),
	)
}

func (*Accepted) String() string { return "accepted" }
func (*Released) String() string { return "released" }

func (r *Rejected) String() string {
	if r.Error == nil {
		return "rejected"
	}
	return "rejected: " + r.Error.Error()
}

func (m *Modified) String() string {
	return fmt.Sprintf("modified(failed=%t, undeliverable-here=%t)", m.DeliveryFailed, m.UndeliverableHere)
}

func (r *Received) String() string {
	return fmt.Sprintf("received(%d, %d)", r.SectionNumber, r.SectionOffset)
}

func stateField(s DeliveryState) field {
	if s == nil {
		return nil
	}
	return s.marshal
}

func (l *fieldList) deliveryState(i int) DeliveryState {
	code, v, ok := l.described(i)
	if !ok {
		return nil
	}
	switch code {
	case codeStateReceived:
		fl := nested(l, "received", v)
		return &Received{SectionNumber: fl.uint32Or(0, 0), SectionOffset: fl.uint64Or(1, 0)}
	case codeStateAccepted:
		return &Accepted{}
	case codeStateRejected:
		fl := nested(l, "rejected", v)
		r := &Rejected{Error: fl.amqpError(0)}
		if fl.err != nil && l.err == nil {
			l.err = fl.err
		}
		return r
	case codeStateReleased:
		return &Released{}
	case codeStateModified:
		fl := nested(l, "modified", v)
		m := &Modified{
			DeliveryFailed:     fl.boolean(0),
			UndeliverableHere:  fl.boolean(1),
			MessageAnnotations: fl.symbolMap(2),
		}
		if fl.err != nil && l.err == nil {
			l.err = fl.err
		}
		return m
	default:
		l.fail(i, "delivery state", v)
		return nil
	}
}

type unmarshaler interface {
	Performative
	unmarshal(l *fieldList)
}

// decodePerformative decodes a frame body. For Transfer, the bytes after the
// performative become its Payload.
func decodePerformative(body []byte) (Performative, error) {
	d := &decoder{buf: body}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	desc, ok := v.(*Described)
	if !ok {
		return nil, fmt.Errorf("%w: frame body is %T, want described type", ErrProtocolViolation, v)
	}
	code, ok := descriptorCode(desc.Descriptor)
	if !ok {
		return nil, fmt.Errorf("%w: unknown descriptor %v", ErrProtocolViolation, desc.Descriptor)
	}

	var p unmarshaler
	var name string
	switch code {
	case codeOpen:
		p, name = &Open{}, "open"
	case codeBegin:
		p, name = &Begin{}, "begin"
	case codeAttach:
		p, name = &Attach{}, "attach"
	case codeFlow:
		p, name = &Flow{}, "flow"
	case codeTransfer:
		p, name = &Transfer{}, "transfer"
	case codeDisposition:
		p, name = &Disposition{}, "disposition"
	case codeDetach:
		p, name = &Detach{}, "detach"
	case codeEnd:
		p, name = &End{}, "end"
	case codeClose:
		p, name = &Close{}, "close"
	case codeSASLMechanisms:
		p, name = &SASLMechanisms{}, "sasl-mechanisms"
	case codeSASLInit:
		p, name = &SASLInit{}, "sasl-init"
	case codeSASLChallenge:
		p, name = &SASLChallenge{}, "sasl-challenge"
	case codeSASLResponse:
		p, name = &SASLResponse{}, "sasl-response"
	case codeSASLOutcome:
		p, name = &SASLOutcome{}, "sasl-outcome"
	default:
		return nil, fmt.Errorf("%w: descriptor 0x%x is not a frame body", ErrProtocolViolation, code)
	}
	l := compositeFields(name, desc.Value)
	p.unmarshal(l)
	if l.err != nil {
		return nil, l.err
	}
	if t, ok := p.(*Transfer); ok && d.pos < len(body) {
		t.Payload = body[d.pos:]
	}
	return p, nil
}

// performativeName is used in log fields.
func performativeName(p Performative) string {
	switch p.(type) {
	case *Open:
		return "open"
	case *Begin:
		return "begin"
	case *Attach:
		return "attach"
	case *Flow:
		return "flow"
	case *Transfer:
		return "transfer"
	case *Disposition:
		return "disposition"
	case *Detach:
		return "detach"
	case *End:
		return "end"
	case *Close:
		return "close"
	case *SASLMechanisms:
		return "sasl-mechanisms"
	case *SASLInit:
		return "sasl-init"
	case *SASLChallenge:
		return "sasl-challenge"
	case *SASLResponse:
		return "sasl-response"
	case *SASLOutcome:
		return "sasl-outcome"
	case nil:
		return "empty"
	}
	return fmt.Sprintf("%T", p)
}
