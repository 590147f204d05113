package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const defaultHeadroom = 64

// Message is a byte buffer carried by sendable events. Protocol layers push
// control fields in front of the payload and their peers pop them in reverse
// order.
type Message struct {
	buf []byte
	off int
}

// New creates message holding a copy of payload.
func New(payload []byte) *Message {
	buf := make([]byte, defaultHeadroom+len(payload))
	copy(buf[defaultHeadroom:], payload)
	return &Message{
		buf: buf,
		off: defaultHeadroom,
	}
}

// Len returns number of bytes currently in the message.
func (m *Message) Len() int {
	return len(m.buf) - m.off
}

// Bytes returns the content of the message, headers first.
// The returned slice is valid until the next push.
func (m *Message) Bytes() []byte {
	return m.buf[m.off:]
}

// Clone returns an independent copy of the message.
func (m *Message) Clone() *Message {
	return New(m.Bytes())
}

// PushUint32 pushes 4-byte field.
func (m *Message) PushUint32(v uint32) {
	binary.BigEndian.PutUint32(m.grow(4), v)
}

// PopUint32 pops 4-byte field.
func (m *Message) PopUint32() uint32 {
	return binary.BigEndian.Uint32(m.shrink(4))
}

// PushUint64 pushes 8-byte field.
func (m *Message) PushUint64(v uint64) {
	binary.BigEndian.PutUint64(m.grow(8), v)
}

// PopUint64 pops 8-byte field.
func (m *Message) PopUint64() uint64 {
	return binary.BigEndian.Uint64(m.shrink(8))
}

// PushBool pushes 1-byte field.
func (m *Message) PushBool(v bool) {
	b := m.grow(1)
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// PopBool pops 1-byte field.
func (m *Message) PopBool() bool {
	return m.shrink(1)[0] != 0
}

// PushBytes pushes opaque value followed by its length.
func (m *Message) PushBytes(v []byte) {
	copy(m.grow(len(v)), v)
	m.PushUint32(uint32(len(v)))
}

// PopBytes pops opaque value pushed by PushBytes.
func (m *Message) PopBytes() []byte {
	l := int(m.PopUint32())
	return append([]byte{}, m.shrink(l)...)
}

// PushString pushes string.
func (m *Message) PushString(v string) {
	copy(m.grow(len(v)), v)
	m.PushUint32(uint32(len(v)))
}

// PopString pops string pushed by PushString.
func (m *Message) PopString() string {
	l := int(m.PopUint32())
	return string(m.shrink(l))
}

func (m *Message) grow(n int) []byte {
	if m.off < n {
		headroom := max(defaultHeadroom, n)
		buf := make([]byte, headroom+m.Len())
		copy(buf[headroom:], m.Bytes())
		m.buf = buf
		m.off = headroom
	}
	m.off -= n
	return m.buf[m.off : m.off+n]
}

func (m *Message) shrink(n int) []byte {
	if n < 0 || m.Len() < n {
		panic(errors.Errorf("popping %d bytes from message of length %d", n, m.Len()))
	}
	b := m.buf[m.off : m.off+n]
	m.off += n
	return b
}
