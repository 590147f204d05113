package leave

import (
	"reflect"
	"slices"

	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
	"github.com/outofforest/chorus/message"
)

// Layer is the blueprint of the leave session.
var Layer = &channel.Layer{
	Name: "leave",
	Provides: []channel.EventType{
		channel.EventTypeOf(&group.ViewChange{}),
		channel.EventTypeOf(&group.Exit{}),
	},
	Requires: []channel.EventType{
		channel.EventTypeOf(&group.View{}),
		channel.EventTypeOf(&group.PreView{}),
	},
	Accepts: []channel.EventType{
		channel.EventTypeOf(&group.View{}),
		channel.EventTypeOf(&group.PreView{}),
		channel.EventTypeOf(&group.Leave{}),
		channel.EventTypeOf(&group.Exit{}),
	},
	New: func() channel.Session {
		return New()
	},
}

// Session excludes leaving members from the view being negotiated and confirms the exclusion to them.
type Session struct {
	vs *group.ViewState
	ls *group.LocalState

	toLeave        map[int]struct{}
	sentViewChange bool
	sentPreview    bool
	exited         bool
}

// New creates leave session.
func New() *Session {
	return &Session{
		toLeave: map[int]struct{}{},
	}
}

// Handle handles the event.
func (s *Session) Handle(ev channel.Event) error {
	switch e := ev.(type) {
	case *group.View:
		s.vs = e.VS
		s.ls = e.LS
		s.toLeave = map[int]struct{}{}
		s.sentViewChange = false
		s.sentPreview = false
		s.exited = false
		ev.Forward()
		return nil
	case *group.Leave:
		return s.handleLeave(e)
	case *group.PreView:
		return s.handlePreView(e)
	case *group.Exit:
		s.handleExit(e)
		return nil
	case group.Castable, *group.ViewChange, *group.Block, *group.BlockOk,
		*channel.InitEvent, *channel.CloseEvent:
		ev.Forward()
		return nil
	default:
		ev.Channel().Log().Warn("Unexpected event forwarded",
			zap.String("event", reflect.TypeOf(ev).String()))
		ev.Forward()
		return nil
	}
}

func (s *Session) handleLeave(ev *group.Leave) error {
	log := ev.Channel().Log()

	if ev.Direction() == channel.Down && s.ls != nil {
		ev.Orig = s.ls.Rank
	}

	if s.vs == nil || s.sentPreview {
		log.Debug("Leave request outside of view negotiation window")
		ev.Forward()
		return nil
	}

	rank := ev.Orig
	if rank < 0 || rank >= len(s.vs.Members) {
		log.Debug("Leave request from unknown rank", zap.Int("rank", rank))
		return nil
	}

	s.toLeave[rank] = struct{}{}
	ev.Forward()

	if s.ls.Coordinator && !s.sentViewChange {
		s.sentViewChange = true
		return ev.Channel().Dispatch(&group.ViewChange{}, channel.Down, s)
	}
	return nil
}

func (s *Session) handlePreView(ev *group.PreView) error {
	if s.vs == nil {
		ev.Forward()
		return nil
	}

	var departing []int
	for rank := range s.toLeave {
		if ev.VS.Rank(s.vs.Members[rank]) >= 0 {
			departing = append(departing, rank)
		}
	}
	slices.Sort(departing)

	ch := ev.Channel()
	for _, rank := range departing {
		member := s.vs.Members[rank]
		ev.VS.Remove(member)

		exit := &group.Exit{}
		exit.Mode = group.Send
		exit.Orig = s.ls.Rank
		exit.ViewID = s.vs.ID
		exit.Msg = message.New(nil)
		exit.Dest = member

		if rank == s.ls.Rank {
			if s.exited {
				continue
			}
			s.exited = true
			if err := ch.Dispatch(exit, channel.Up, s); err != nil {
				return err
			}
			continue
		}

		// Only the coordinator confirms the exclusion to remote members.
		if !s.ls.Coordinator {
			continue
		}

		exit.Msg.PushString(s.vs.Group)
		exit.Msg.PushString(s.vs.ID.Coordinator)
		exit.Msg.PushUint64(s.vs.ID.LTime)
		if err := ch.Dispatch(exit, channel.Down, s); err != nil {
			return err
		}
	}

	s.sentPreview = true
	ev.Forward()
	return nil
}

func (s *Session) handleExit(ev *group.Exit) {
	if ev.Direction() == channel.Down {
		ev.Forward()
		return
	}

	log := ev.Channel().Log()
	if s.vs == nil {
		log.Debug("Exit received before view is installed")
		return
	}

	viewID := group.ViewID{LTime: ev.Msg.PopUint64()}
	viewID.Coordinator = ev.Msg.PopString()
	groupID := ev.Msg.PopString()

	if groupID != s.vs.Group || viewID != s.vs.ID {
		log.Debug("Discarding stale exit",
			zap.String("group", groupID), zap.Any("view", viewID), zap.Any("currentView", s.vs.ID))
		return
	}
	if _, exists := s.toLeave[s.ls.Rank]; !exists {
		log.Debug("Discarding exit, leave has not been requested")
		return
	}
	if s.exited {
		log.Debug("Discarding exit, already delivered")
		return
	}

	s.exited = true
	ev.Forward()
}
