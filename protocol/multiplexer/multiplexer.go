package multiplexer

import (
	"slices"
	"sync"

	"github.com/oleiade/lane"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
)

// Layer is the blueprint of the multiplexer session. To multiplex channels the session must be
// shared by them, so the layer is configured with label or global scope.
var Layer = &channel.Layer{
	Name:     "multiplexer",
	Provides: []channel.EventType{channel.EventTypeOf(&group.Block{})},
	Requires: []channel.EventType{channel.EventTypeOf(&group.View{})},
	Accepts: []channel.EventType{
		channel.EventTypeOf(&group.View{}),
		channel.EventTypeOf(&group.BlockOk{}),
		channel.EventTypeFor[group.Castable](),
	},
	New: func() channel.Session {
		return New()
	},
}

type consolidation struct {
	origin  *channel.Channel
	ev      *group.BlockOk
	waitFor map[*channel.Channel]struct{}
}

// Session keeps views of several channels synchronized and consolidates block confirmations
// coming from all of them.
type Session struct {
	mu       sync.Mutex
	channels []*channel.Channel
	held     map[*channel.Channel]*lane.Queue
	version  uint64
	viewID   *group.ViewID
	blocking *consolidation
}

// New creates multiplexer session.
func New() *Session {
	return &Session{
		held: map[*channel.Channel]*lane.Queue{},
	}
}

// Handle handles the event. It is called concurrently by all the multiplexed channels.
func (s *Session) Handle(ev channel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case *channel.InitEvent:
		s.register(e)
	case *channel.CloseEvent:
		s.unregister(e)
	case *group.View:
		return s.handleView(e)
	case group.Castable:
		s.handleCast(e)
	case *group.BlockOk:
		return s.handleBlockOk(e)
	default:
		ev.Forward()
	}
	return nil
}

// Channels returns the number of multiplexed channels.
func (s *Session) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.channels)
}

// Held returns the number of casts held by the channel until matching view is installed.
func (s *Session) Held(ch *channel.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.held[ch]; q != nil {
		return q.Size()
	}
	return 0
}

func (s *Session) register(ev *channel.InitEvent) {
	ch := ev.Channel()
	if !slices.Contains(s.channels, ch) {
		s.channels = append(s.channels, ch)
		s.held[ch] = lane.NewQueue()
	}
	ev.Forward()
}

func (s *Session) unregister(ev *channel.CloseEvent) {
	ch := ev.Channel()
	s.channels = slices.DeleteFunc(s.channels, func(c *channel.Channel) bool {
		return c == ch
	})
	if q := s.held[ch]; q != nil && !q.Empty() {
		ch.Log().Warn("Channel closed with held casts", zap.Int("held", q.Size()))
	}
	delete(s.held, ch)

	ev.Forward()

	if s.blocking != nil {
		if s.blocking.origin == ch {
			s.blocking = nil
		} else {
			delete(s.blocking.waitFor, ch)
			s.completeBlocking()
		}
	}
}

func (s *Session) handleView(ev *group.View) error {
	if ev.Direction() == channel.Down {
		ev.Forward()
		return nil
	}

	if s.viewID != nil && *s.viewID == ev.VS.ID {
		// The same view reported by another channel has already been replicated.
		ev.Version = s.version
		ev.Forward()
		return nil
	}

	s.version++
	ev.Version = s.version
	viewID := ev.VS.ID
	s.viewID = &viewID

	origin := ev.Channel()
	for _, ch := range s.channels {
		if ch == origin {
			continue
		}
		c := ev.Clone()
		c.SetPriority(ev.Priority() + 1)
		if err := ch.Dispatch(c, channel.Up, s); err != nil {
			ch.Log().Error("Replicating view failed", zap.Any("view", viewID), zap.Error(err))
		}
	}
	ev.Forward()

	for _, ch := range s.channels {
		s.flush(ch)
	}
	return nil
}

func (s *Session) flush(ch *channel.Channel) {
	q := s.held[ch]
	for !q.Empty() {
		c := q.Head().(group.Castable)
		if c.CastEvent().ViewID != *s.viewID {
			return
		}
		q.Dequeue()
		c.Forward()
	}
}

func (s *Session) handleCast(ev group.Castable) {
	c := ev.CastEvent()
	if ev.Direction() == channel.Down {
		if s.viewID != nil && c.ViewID == (group.ViewID{}) {
			c.ViewID = *s.viewID
		}
		ev.Forward()
		return
	}

	if c.Mode != group.Multicast || (s.viewID != nil && c.ViewID == *s.viewID) {
		ev.Forward()
		return
	}

	q := s.held[ev.Channel()]
	if q == nil {
		ev.Channel().Log().Error("Cast received on channel which has not been started, dropping it")
		return
	}
	q.Enqueue(ev)
}

func (s *Session) handleBlockOk(ev *group.BlockOk) error {
	ch := ev.Channel()

	if ev.Direction() == channel.Down {
		if s.blocking == nil || ch == s.blocking.origin {
			ev.Forward()
			return nil
		}
		if _, exists := s.blocking.waitFor[ch]; !exists {
			ch.Log().Debug("Unexpected block confirmation, dropping it")
			return nil
		}
		delete(s.blocking.waitFor, ch)
		s.completeBlocking()
		return nil
	}

	if s.blocking != nil {
		ch.Log().Debug("Block confirmation received while consolidation is in progress, dropping it")
		return nil
	}

	waitFor := map[*channel.Channel]struct{}{}
	for _, c := range s.channels {
		if c == ch {
			continue
		}
		if err := c.Dispatch(&group.Block{}, channel.Up, s); err != nil {
			c.Log().Error("Replicating block request failed", zap.Error(err))
			continue
		}
		waitFor[c] = struct{}{}
	}
	s.blocking = &consolidation{
		origin:  ch,
		ev:      ev,
		waitFor: waitFor,
	}
	s.completeBlocking()
	return nil
}

func (s *Session) completeBlocking() {
	if len(s.blocking.waitFor) > 0 {
		return
	}
	ev := s.blocking.ev
	s.blocking = nil
	ev.Forward()
}
