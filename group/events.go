package group

import (
	"github.com/pkg/errors"

	"github.com/outofforest/chorus/channel"
)

// Mode defines how the cast is delivered.
type Mode uint8

const (
	// Multicast delivers the cast to every member of the view.
	Multicast Mode = iota

	// Send delivers the cast to the destinations only.
	Send
)

// Castable is implemented by events exchanged between group members.
type Castable interface {
	channel.Sendable
	CastEvent() *Cast
}

// Cast is the message exchanged between group members.
type Cast struct {
	channel.SendableEvent

	Mode Mode

	// Orig is the rank of the sender in the view.
	Orig int

	// ViewID is the view the cast was sent in.
	ViewID ViewID
}

// CastEvent returns the cast part of the event.
func (c *Cast) CastEvent() *Cast {
	return c
}

// Leave announces that member wants to leave the group.
type Leave struct {
	Cast
}

// Exit confirms to the member that it has been excluded from the next view.
type Exit struct {
	Cast
}

// View installs new view.
type View struct {
	channel.Base

	VS *ViewState
	LS *LocalState

	// Version is set by the multiplexer to tag copies of the same view.
	Version uint64
}

// Clone returns copy of the view event ready to be dispatched.
func (v *View) Clone() *View {
	c := &View{
		VS:      v.VS.Clone(),
		Version: v.Version,
	}
	if v.LS != nil {
		ls := *v.LS
		c.LS = &ls
	}
	c.SetPriority(v.Priority())
	return c
}

// PreView carries the candidate of the next view while it is still negotiated.
type PreView struct {
	channel.Base

	VS *ViewState
}

// ViewChange requests the membership service to start negotiating new view.
type ViewChange struct {
	channel.Base
}

// Block asks the application to stop sending before view changes.
type Block struct {
	channel.Base
}

// BlockOk confirms that the application stopped sending.
type BlockOk struct {
	channel.Base
}

// Kind identifies castable event on the wire.
type Kind uint64

// Kinds of castable events.
const (
	KindCast Kind = iota + 1
	KindLeave
	KindExit
)

// KindOf returns the kind of event.
func KindOf(ev Castable) (Kind, error) {
	switch ev.(type) {
	case *Cast:
		return KindCast, nil
	case *Leave:
		return KindLeave, nil
	case *Exit:
		return KindExit, nil
	default:
		return 0, errors.Errorf("unknown castable event %T", ev)
	}
}

// NewOfKind creates empty event of the kind.
func NewOfKind(kind Kind) (Castable, error) {
	switch kind {
	case KindCast:
		return &Cast{}, nil
	case KindLeave:
		return &Leave{}, nil
	case KindExit:
		return &Exit{}, nil
	default:
		return nil, errors.Errorf("unknown kind %d", kind)
	}
}

// CloneCast returns copy of the event with independent message, ready to be dispatched.
func CloneCast(ev Castable) (Castable, error) {
	kind, err := KindOf(ev)
	if err != nil {
		return nil, err
	}
	c, err := NewOfKind(kind)
	if err != nil {
		return nil, err
	}

	src := ev.CastEvent()
	dst := c.CastEvent()
	dst.Mode = src.Mode
	dst.Orig = src.Orig
	dst.ViewID = src.ViewID
	dst.From = src.From
	dst.Dest = src.Dest
	if src.Msg != nil {
		dst.Msg = src.Msg.Clone()
	}
	return c, nil
}
