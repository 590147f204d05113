package channel

import (
	"github.com/pkg/errors"

	"github.com/outofforest/chorus/message"
)

// Direction defines the direction in which event travels through the channel.
type Direction int8

const (
	// Up means towards the application.
	Up Direction = 1

	// Down means towards the network.
	Down Direction = -1
)

// Invert returns the opposite direction.
func (d Direction) Invert() Direction {
	return -d
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "invalid"
	}
}

// Event is implemented by every type routed through a channel. Event types
// get the implementation by embedding Base.
type Event interface {
	Direction() Direction
	Channel() *Channel
	SourceSession() Session
	Priority() int
	SetPriority(priority int)
	Forward()

	base() *Base
}

// Base keeps routing state of an event.
type Base struct {
	self     Event
	channel  *Channel
	source   Session
	dir      Direction
	priority int
	cursor   int
	queued   bool
	exited   bool
}

func (b *Base) base() *Base {
	return b
}

// Direction returns the direction of event.
func (b *Base) Direction() Direction {
	return b.dir
}

// Channel returns the channel event is routed through.
func (b *Base) Channel() *Channel {
	return b.channel
}

// SourceSession returns the session which dispatched the event, nil if it came from outside.
func (b *Base) SourceSession() Session {
	return b.source
}

// Priority returns the scheduling priority.
func (b *Base) Priority() int {
	return b.priority
}

// SetPriority sets the scheduling priority. Events of higher priority are handled first.
func (b *Base) SetPriority(priority int) {
	b.priority = priority
}

// Forward continues routing the event to the next session in its direction.
// Event leaves the channel when there is no next session.
func (b *Base) Forward() {
	if b.channel == nil {
		panic(errors.New("forwarding event which has never been dispatched"))
	}
	b.channel.forward(b)
}

// InitEvent is dispatched upwards from the bottom when channel starts.
type InitEvent struct {
	Base
}

// CloseEvent is dispatched upwards from the bottom when channel is closed.
type CloseEvent struct {
	Base
}

// Sendable is implemented by events carrying a message.
type Sendable interface {
	Event
	Sendable() *SendableEvent
}

// SendableEvent carries a message between peers.
type SendableEvent struct {
	Base

	Msg *message.Message

	// From is the endpoint which sent the message.
	From string

	// Dest is a string endpoint, a MulticastDestination or nil for the whole group.
	Dest any
}

// Sendable returns the sendable part of the event.
func (e *SendableEvent) Sendable() *SendableEvent {
	return e
}

// MulticastDestination addresses multicast message to explicit set of peers.
type MulticastDestination struct {
	Group string
	Dests []string
}

// NewMulticastDestination creates multicast destination.
func NewMulticastDestination(group string, dests []string) (MulticastDestination, error) {
	if len(dests) == 0 {
		return MulticastDestination{}, errors.New("multicast destination requires at least one peer")
	}
	return MulticastDestination{
		Group: group,
		Dests: append([]string{}, dests...),
	}, nil
}
