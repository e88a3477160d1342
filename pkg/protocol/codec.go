package protocol

import (
	"fmt"
	"strings"
)

// Codec converts between transport frames and text payloads.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string
	// Binary reports whether frames should travel as binary WebSocket messages.
	Binary() bool
	// Encode frames text typed by sender.
	Encode(sender, text string) ([]byte, error)
	// Decode turns an inbound frame into the payload that is logged and classified.
	Decode(frame []byte) (string, error)
}

// Codec names accepted by NewCodec.
const (
	CodecText     = "text"
	CodecProtobuf = "protobuf"
)

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecText:
		return TextCodec{}, nil
	case CodecProtobuf:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// TextCodec sends and receives payloads verbatim.
type TextCodec struct{}

func (TextCodec) Name() string { return CodecText }

func (TextCodec) Binary() bool { return false }

func (TextCodec) Encode(_, text string) ([]byte, error) {
	return []byte(text), nil
}

func (TextCodec) Decode(frame []byte) (string, error) {
	return string(frame), nil
}

// ProtoCodec speaks protobuf chat frames and renders them as text.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProtobuf }

func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Encode(sender, text string) ([]byte, error) {
	msg := Message{
		Type:    MessageTypeText,
		Sender:  sender,
		Content: text,
	}
	return msg.Encode()
}

func (ProtoCodec) Decode(frame []byte) (string, error) {
	var msg Message
	if err := msg.Decode(frame); err != nil {
		return "", err
	}
	return msg.Text(), nil
}
