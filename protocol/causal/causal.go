package causal

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
)

// ErrPendingAtView is returned when new view arrives while some casts are still waiting for delivery.
var ErrPendingAtView = errors.New("causal pending queue is not empty at view change")

// Layer is the blueprint of the causal session.
var Layer = &channel.Layer{
	Name:     "causal",
	Requires: []channel.EventType{channel.EventTypeOf(&group.View{})},
	Accepts: []channel.EventType{
		channel.EventTypeOf(&group.View{}),
		channel.EventTypeFor[group.Castable](),
	},
	New: func() channel.Session {
		return New()
	},
}

// VC is the vector clock indexed by rank.
type VC []uint64

// Covers tells if every entry of vc is greater than or equal to the corresponding entry of other.
func (vc VC) Covers(other VC) bool {
	for i := range vc {
		if vc[i] < other[i] {
			return false
		}
	}
	return true
}

type pending struct {
	ev group.Castable
	vc VC
}

// Session delivers multicast casts in causal order.
type Session struct {
	ls      *group.LocalState
	vc      VC
	pending []pending
}

// New creates causal session.
func New() *Session {
	return &Session{}
}

// Handle handles the event.
func (s *Session) Handle(ev channel.Event) error {
	switch e := ev.(type) {
	case *group.View:
		return s.handleView(e)
	case group.Castable:
		return s.handleCast(e)
	default:
		ev.Forward()
		return nil
	}
}

// Pending returns number of casts waiting for delivery.
func (s *Session) Pending() int {
	return len(s.pending)
}

func (s *Session) handleView(ev *group.View) error {
	if len(s.pending) > 0 {
		return errors.Wrapf(ErrPendingAtView, "%d casts pending when installing view %v", len(s.pending), ev.VS.ID)
	}

	if ev.LS == nil {
		return errors.Errorf("view %v carries no local state", ev.VS.ID)
	}

	s.ls = ev.LS
	s.vc = make(VC, len(ev.VS.Members))
	ev.Forward()
	return nil
}

func (s *Session) handleCast(ev group.Castable) error {
	c := ev.CastEvent()
	if c.Mode == group.Send {
		ev.Forward()
		return nil
	}

	if s.ls == nil {
		ev.Channel().Log().Error("Cast received before view is installed, dropping it",
			zap.Stringer("direction", ev.Direction()))
		return nil
	}

	if ev.Direction() == channel.Down {
		c.Orig = s.ls.Rank
		for _, v := range s.vc {
			c.Msg.PushUint64(v)
		}
		s.vc[s.ls.Rank]++
		ev.Forward()
		return nil
	}

	vc := make(VC, len(s.vc))
	for i := len(vc) - 1; i >= 0; i-- {
		vc[i] = c.Msg.PopUint64()
	}

	if c.Orig == s.ls.Rank {
		ev.Forward()
		return nil
	}
	if c.Orig < 0 || c.Orig >= len(s.vc) {
		ev.Channel().Log().Error("Cast from unknown rank, dropping it", zap.Int("rank", c.Orig))
		return nil
	}

	s.pending = append(s.pending, pending{ev: ev, vc: vc})
	s.deliver()
	return nil
}

func (s *Session) deliver() {
	for i := 0; i < len(s.pending); {
		p := s.pending[i]
		if !s.vc.Covers(p.vc) {
			i++
			continue
		}

		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		p.ev.Forward()
		s.vc[p.ev.CastEvent().Orig]++
		i = 0
	}
}
