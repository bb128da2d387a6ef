// Package message defines the envelope exchanged between cluster nodes and
// the frame codec that puts it on the wire.
package message

import (
	"maps"
	"slices"
)

const (
	// HeaderTo addresses a message. Absent means local delivery only.
	HeaderTo = "to"
	// HeaderFrom carries the sender's self URI.
	HeaderFrom = "from"
	// HeaderID correlates the legs of one logical send.
	HeaderID = "id"

	// Broadcast as the value of HeaderTo fans a message out to every peer.
	Broadcast = "*"
)

// Message is a set of string headers plus an opaque payload.
// A Message is not safe for concurrent mutation.
type Message struct {
	headers map[string]string
	Payload []byte
}

func New(payload []byte) *Message {
	return &Message{headers: make(map[string]string), Payload: payload}
}

// To returns a message addressed to the peer with canonical URI to.
func To(to string, payload []byte) *Message {
	m := New(payload)
	m.SetHeader(HeaderTo, to)
	return m
}

func (m *Message) Header(name string) (string, bool) {
	v, ok := m.headers[name]
	return v, ok
}

func (m *Message) HasHeader(name string) bool {
	_, ok := m.headers[name]
	return ok
}

func (m *Message) SetHeader(name, value string) {
	if m.headers == nil {
		m.headers = make(map[string]string)
	}
	m.headers[name] = value
}

func (m *Message) RemoveHeader(name string) {
	delete(m.headers, name)
}

// Headers returns header names in sorted order.
func (m *Message) Headers() []string {
	return slices.Sorted(maps.Keys(m.headers))
}

func (m *Message) IsBroadcast() bool {
	to, ok := m.Header(HeaderTo)
	return ok && to == Broadcast
}

// Copy returns a message with its own header map. The payload is shared.
func (m *Message) Copy() *Message {
	return &Message{headers: maps.Clone(m.headers), Payload: m.Payload}
}

func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return maps.Equal(m.headers, other.headers) && slices.Equal(m.Payload, other.Payload)
}
