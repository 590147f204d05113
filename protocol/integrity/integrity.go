package integrity

import (
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
)

// Layer is the blueprint of the integrity session.
var Layer = &channel.Layer{
	Name:    "integrity",
	Accepts: []channel.EventType{channel.EventTypeFor[channel.Sendable]()},
	New: func() channel.Session {
		return New()
	},
}

// Session detects truncated or padded messages by comparing declared payload length with the actual one.
type Session struct{}

// New creates integrity session.
func New() *Session {
	return &Session{}
}

// Handle handles the event.
func (s *Session) Handle(ev channel.Event) error {
	sendable, ok := ev.(channel.Sendable)
	if !ok {
		ev.Forward()
		return nil
	}

	msg := sendable.Sendable().Msg
	if ev.Direction() == channel.Down {
		msg.PushUint32(uint32(msg.Len()))
		ev.Forward()
		return nil
	}

	if msg.Len() < 4 {
		ev.Channel().Log().Error("Message too short to carry declared length", zap.Int("length", msg.Len()))
		ev.Forward()
		return nil
	}

	declared := msg.PopUint32()
	if int(declared) != msg.Len() {
		ev.Channel().Log().Error("Message length mismatch",
			zap.Uint32("declared", declared),
			zap.Int("actual", msg.Len()),
			zap.String("from", sendable.Sendable().From))
	}
	ev.Forward()
	return nil
}
