// Package osc adapts github.com/hypebeast/go-osc to the tracking wire format:
// datagrams carrying 4-float position messages, possibly inside bundles.
package osc

import (
	"errors"
	"fmt"

	goosc "github.com/hypebeast/go-osc/osc"
)

var (
	// ErrMalformed is returned when a datagram cannot be parsed as OSC.
	ErrMalformed = errors.New("osc: malformed packet")
	// ErrNotMessage is returned when a datagram is neither a message nor a bundle.
	ErrNotMessage = errors.New("osc: not a message")
	// ErrArgumentCount is returned when a message has the wrong arity.
	ErrArgumentCount = errors.New("osc: wrong argument count")
	// ErrArgumentType is returned when an argument has an unexpected type tag.
	ErrArgumentType = errors.New("osc: wrong argument type")
)

// Message is a single OSC message. Arguments decode to int32, float32,
// int64, float64, string, []byte, bool or nil.
type Message = goosc.Message

// NewMessage builds a message with the given address and arguments.
func NewMessage(address string, args ...interface{}) *Message {
	return goosc.NewMessage(address, args...)
}

// DecodeOptions controls how numeric arguments are accepted.
type DecodeOptions struct {
	// AcceptInt32 coerces int32 arguments to float32 instead of rejecting them.
	AcceptInt32 bool
}

// Parse decodes a datagram into the messages it carries, flattening bundles.
func Parse(data []byte) (msgs []*Message, err error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, len(data))
	}
	if data[0] != '/' && data[0] != '#' {
		return nil, fmt.Errorf("%w: leading byte %q", ErrNotMessage, data[0])
	}

	// hostile datagrams must not panic the listener
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()
	packet, err := goosc.ParsePacket(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return flatten(packet, nil), nil
}

func flatten(p goosc.Packet, out []*Message) []*Message {
	switch v := p.(type) {
	case *goosc.Message:
		out = append(out, v)
	case *goosc.Bundle:
		out = append(out, v.Messages...)
		for _, b := range v.Bundles {
			out = flatten(b, out)
		}
	}
	return out
}

// Floats returns the message arguments as exactly n float32 values.
func Floats(m *Message, n int, opts DecodeOptions) ([]float32, error) {
	if len(m.Arguments) != n {
		return nil, fmt.Errorf("%w: %s has %d arguments, want %d", ErrArgumentCount, m.Address, len(m.Arguments), n)
	}
	out := make([]float32, n)
	for i, a := range m.Arguments {
		switch v := a.(type) {
		case float32:
			out[i] = v
		case int32:
			if !opts.AcceptInt32 {
				return nil, fmt.Errorf("%w: %s argument %d is int32", ErrArgumentType, m.Address, i)
			}
			out[i] = float32(v)
		default:
			return nil, fmt.Errorf("%w: %s argument %d is %T", ErrArgumentType, m.Address, i, a)
		}
	}
	return out, nil
}

// EncodeFloats builds the datagram for a message of float32 arguments.
func EncodeFloats(address string, values ...float32) ([]byte, error) {
	msg := goosc.NewMessage(address)
	for _, v := range values {
		msg.Append(v)
	}
	return msg.MarshalBinary()
}
