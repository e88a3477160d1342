package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType represents the type of a protobuf chat frame
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoin
	MessageTypeLeave
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Field numbers of the chat frame.
const (
	fieldType    protowire.Number = 1
	fieldSender  protowire.Number = 2
	fieldContent protowire.Number = 3
)

var errTruncated = errors.New("truncated frame")

// Message is a structured chat frame as exchanged by protobuf speaking servers.
type Message struct {
	Type    MessageType
	Sender  string
	Content string
}

// Text renders the frame as the plain-text payload a text server would have sent,
// so that both wire formats feed the same classifier.
func (m *Message) Text() string {
	switch m.Type {
	case MessageTypeJoin:
		return m.Sender + " joined the chat"
	case MessageTypeLeave:
		return m.Sender + " left the chat"
	default:
		if m.Sender == "" {
			return m.Content
		}
		return m.Sender + ": " + m.Content
	}
}

// Encode encodes the message into protobuf wire bytes.
// Zero-valued fields are omitted.
func (m *Message) Encode() ([]byte, error) {
	var b []byte
	if m.Type != MessageTypeText {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if m.Sender != "" {
		b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
		b = protowire.AppendString(b, m.Sender)
	}
	if m.Content != "" {
		b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
		b = protowire.AppendString(b, m.Content)
	}
	return b, nil
}

// Decode decodes protobuf wire bytes into the message.
// Unknown fields are skipped; unknown type values degrade to MessageTypeText.
func (m *Message) Decode(data []byte) error {
	*m = Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("failed to decode message type: %w", protowire.ParseError(n))
			}
			m.Type = messageTypeFromWire(v)
			data = data[n:]
		case num == fieldSender && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("failed to decode message sender: %w", protowire.ParseError(n))
			}
			m.Sender = s
			data = data[n:]
		case num == fieldContent && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("failed to decode message content: %w", protowire.ParseError(n))
			}
			m.Content = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, errTruncated)
			}
			data = data[n:]
		}
	}
	return nil
}

// messageTypeFromWire returns MessageTypeText for unknown enum values rather than an error,
// so a newer server cannot break an older client.
func messageTypeFromWire(v uint64) MessageType {
	switch MessageType(v) {
	case MessageTypeJoin:
		return MessageTypeJoin
	case MessageTypeLeave:
		return MessageTypeLeave
	default:
		return MessageTypeText
	}
}
