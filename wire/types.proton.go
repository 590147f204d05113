package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id2 uint64 = iota + 1
	id1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Header{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id2, nil
	case *Header:
		return id1, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size2(msg2), nil
	case *Header:
		return size1(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id2, marshal2(msg2, buf), nil
	case *Header:
		return id1, marshal1(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id2:
		msg := &Hello{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &Header{}
		return msg, unmarshal1(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id2, makePatch2(msg2, msgSrc.(*Hello), buf), nil
	case *Header:
		return id1, makePatch1(msg2, msgSrc.(*Header), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch2(msg2, buf), nil
	case *Header:
		return applyPatch1(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size1(m *Header) uint64 {
	var n uint64 = 4
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	{
		// Source

		{
			l := uint64(len(m.Source))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Orig

		helpers.UInt64Size(m.Orig, &n)
	}
	{
		// View

		n += size0(&m.View)
	}
	return n
}

func marshal1(m *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}
	{
		// Source

		{
			l := uint64(len(m.Source))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Source)
			o += l
		}
	}
	{
		// Orig

		helpers.UInt64Marshal(m.Orig, b, &o)
	}
	{
		// View

		o += marshal0(&m.View, b[o:])
	}
	{
		// Multicast

		if m.Multicast {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal1(m *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}
	{
		// Source

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Source = Endpoint(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Orig

		helpers.UInt64Unmarshal(&m.Orig, b, &o)
	}
	{
		// View

		o += unmarshal0(&m.View, b[o:])
	}
	{
		// Multicast

		m.Multicast = b[0]&0x01 != 0
	}

	return o
}

func makePatch1(m, mSrc *Header, b []byte) uint64 {
	var o uint64 = 2
	{
		// Kind

		if reflect.DeepEqual(m.Kind, mSrc.Kind) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Kind, b, &o)
		}
	}
	{
		// Source

		if reflect.DeepEqual(m.Source, mSrc.Source) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Source))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Source)
				o += l
			}
		}
	}
	{
		// Orig

		if reflect.DeepEqual(m.Orig, mSrc.Orig) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Orig, b, &o)
		}
	}
	{
		// View

		if reflect.DeepEqual(m.View, mSrc.View) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			o += marshal0(&m.View, b[o:])
		}
	}
	{
		// Multicast

		if m.Multicast == mSrc.Multicast {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}

	return o
}

func applyPatch1(m *Header, b []byte) uint64 {
	var o uint64 = 2
	{
		// Kind

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Kind, b, &o)
		}
	}
	{
		// Source

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Source = Endpoint(b[o:o+l])
					o += l
				} else {
					m.Source = ""
				}
			}
		}
	}
	{
		// Orig

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Orig, b, &o)
		}
	}
	{
		// View

		if b[0]&0x08 != 0 {
			o += unmarshal0(&m.View, b[o:])
		}
	}
	{
		// Multicast

		if b[1]&0x01 != 0 {
			m.Multicast = !m.Multicast
		}
	}

	return o
}

func size0(m *ViewID) uint64 {
	var n uint64 = 2
	{
		// Coordinator

		{
			l := uint64(len(m.Coordinator))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// LTime

		helpers.UInt64Size(m.LTime, &n)
	}
	return n
}

func marshal0(m *ViewID, b []byte) uint64 {
	var o uint64
	{
		// Coordinator

		{
			l := uint64(len(m.Coordinator))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Coordinator)
			o += l
		}
	}
	{
		// LTime

		helpers.UInt64Marshal(m.LTime, b, &o)
	}

	return o
}

func unmarshal0(m *ViewID, b []byte) uint64 {
	var o uint64
	{
		// Coordinator

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Coordinator = Endpoint(b[o:o+l])
				o += l
			}
		}
	}
	{
		// LTime

		helpers.UInt64Unmarshal(&m.LTime, b, &o)
	}

	return o
}

func size2(m *Hello) uint64 {
	var n uint64 = 1
	{
		// Endpoint

		{
			l := uint64(len(m.Endpoint))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal2(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// Endpoint

		{
			l := uint64(len(m.Endpoint))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Endpoint)
			o += l
		}
	}

	return o
}

func unmarshal2(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// Endpoint

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Endpoint = Endpoint(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch2(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Endpoint

		if reflect.DeepEqual(m.Endpoint, mSrc.Endpoint) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Endpoint))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Endpoint)
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Endpoint

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Endpoint = Endpoint(b[o:o+l])
					o += l
				} else {
					m.Endpoint = ""
				}
			}
		}
	}

	return o
}
