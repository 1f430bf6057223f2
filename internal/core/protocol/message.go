package protocol

import (
	"bytes"
	"strings"
)

// Header is a single routing header. Names are compared case-insensitively.
type Header struct {
	Name  string
	Value []byte
}

// Headers keeps the order in which headers were received.
type Headers []Header

// Get returns the first header value with the given name.
func (h Headers) Get(name string) ([]byte, bool) {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header.Value, true
		}
	}
	return nil, false
}

// Clone copies the header list and every value.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for i, header := range h {
		out[i] = Header{Name: header.Name, Value: bytes.Clone(header.Value)}
	}
	return out
}

// Message is the opaque unit forwarded between clients and backends. Args
// are never inspected except for error classification.
type Message struct {
	EventID uint64
	Args    []byte
	Headers Headers
}

// NewMessage builds a message that owns copies of args and headers.
func NewMessage(eventID uint64, args []byte, headers ...Header) Message {
	return Message{
		EventID: eventID,
		Args:    bytes.Clone(args),
		Headers: Headers(headers).Clone(),
	}
}

// Frame is a message bound to a channel of a multiplexed connection.
type Frame struct {
	Channel uint64
	Message
}
