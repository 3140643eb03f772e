package amqp

import (
	goamqp "github.com/Azure/go-amqp"
)

// Message is an AMQP 1.0 message: header, annotations, properties,
// application properties, body sections and footer.
type Message = goamqp.Message

type (
	MessageHeader     = goamqp.MessageHeader
	MessageProperties = goamqp.MessageProperties
	Annotations       = goamqp.Annotations
)

// NewMessage returns a message with a single data section.
func NewMessage(data []byte) *Message { return goamqp.NewMessage(data) }

// PayloadCodec turns messages into transfer payloads and back.
type PayloadCodec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(payload []byte) (*Message, error)
}

// MessageCodec encodes messages with the standard AMQP 1.0 message format.
type MessageCodec struct{}

func (MessageCodec) Encode(msg *Message) ([]byte, error) { return msg.MarshalBinary() }

func (MessageCodec) Decode(payload []byte) (*Message, error) {
	msg := new(Message)
	if err := msg.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

// DefaultCodec is used by links that are not given WithCodec.
var DefaultCodec PayloadCodec = MessageCodec{}
