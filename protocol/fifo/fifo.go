package fifo

import (
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
)

// CleanTime is the period of removing peers which were idle since the previous sweep.
const CleanTime = 20 * time.Second

// Layer is the blueprint of the FIFO session.
var Layer = &channel.Layer{
	Name:    "fifo",
	Accepts: []channel.EventType{channel.EventTypeFor[channel.Sendable]()},
	New: func() channel.Session {
		return New()
	},
}

type peer struct {
	seq      uint32
	received bool
	active   bool
}

// Session delivers messages of each source in the order they were sent, dropping
// duplicates and stale messages.
type Session struct {
	seq       uint32
	peers     map[string]*peer
	lastSweep time.Time
}

// New creates FIFO session.
func New() *Session {
	return &Session{
		peers: map[string]*peer{},
	}
}

// Handle handles the event.
func (s *Session) Handle(ev channel.Event) error {
	sendable, ok := ev.(channel.Sendable)
	if !ok {
		ev.Forward()
		return nil
	}

	s.tick(ev.Channel())

	e := sendable.Sendable()
	if ev.Direction() == channel.Down {
		s.send(e)
		ev.Forward()
		return nil
	}

	if s.receive(e) {
		ev.Forward()
		return nil
	}

	ev.Channel().Log().Debug("Dropping stale message",
		zap.String("from", e.From), zap.Uint32("lastSeq", s.peers[e.From].seq))
	return nil
}

// Peers returns number of tracked peers.
func (s *Session) Peers() int {
	return len(s.peers)
}

func (s *Session) send(e *channel.SendableEvent) {
	switch dest := e.Dest.(type) {
	case string:
		s.touch(dest)
	case channel.MulticastDestination:
		for _, d := range dest.Dests {
			s.touch(d)
		}
	}

	s.seq++
	e.Msg.PushUint32(s.seq)
}

func (s *Session) receive(e *channel.SendableEvent) bool {
	seq := e.Msg.PopUint32()
	p := s.touch(e.From)

	if p.received && !newer(seq, p.seq) {
		return false
	}
	p.received = true
	p.seq = seq
	return true
}

func (s *Session) touch(endpoint string) *peer {
	p, exists := s.peers[endpoint]
	if !exists {
		p = &peer{}
		s.peers[endpoint] = p
	}
	p.active = true
	return p
}

func (s *Session) tick(ch *channel.Channel) {
	now := ch.Clock().Now()
	if s.lastSweep.IsZero() {
		s.lastSweep = now
		return
	}
	if now.Sub(s.lastSweep) < CleanTime {
		return
	}
	s.lastSweep = now

	evicted := sweep(s.peers)
	if evicted > 0 {
		ch.Log().Debug("Idle peers removed", zap.Int("count", evicted))
	}
}

// sweep removes peers untouched since the previous sweep and clears activity of the others.
func sweep(peers map[string]*peer) int {
	var evicted int
	for endpoint, p := range peers {
		if !p.active {
			delete(peers, endpoint)
			evicted++
			continue
		}
		p.active = false
	}
	return evicted
}

const signBit = 1 << 31

// newer tells if sequence number r was issued after s, allowing 32-bit wraparound.
func newer(r, s uint32) bool {
	rMag := r &^ signBit
	sMag := s &^ signBit
	if r&signBit == s&signBit {
		return rMag > sMag
	}
	return rMag <= sMag
}
