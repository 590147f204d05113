package probe

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/chorus/channel"
)

// Probe is a session recording every event it handles and forwarding it.
type Probe struct {
	eventsCh chan channel.Event
}

// New creates probe.
func New() *Probe {
	return &Probe{
		eventsCh: make(chan channel.Event, 1024),
	}
}

// Handle records and forwards the event.
func (p *Probe) Handle(ev channel.Event) error {
	select {
	case p.eventsCh <- ev:
	default:
		return errors.New("probe buffer is full")
	}
	ev.Forward()
	return nil
}

// Take returns events recorded so far.
func (p *Probe) Take() []channel.Event {
	var events []channel.Event
	for {
		select {
		case ev := <-p.eventsCh:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// Wait waits for the next event.
func (p *Probe) Wait(ctx context.Context, timeout time.Duration) (channel.Event, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-time.After(timeout):
		return nil, errors.New("timeout")
	case ev := <-p.eventsCh:
		return ev, nil
	}
}

// Filter returns events of type T travelling in the direction.
func Filter[T channel.Event](events []channel.Event, dir channel.Direction) []T {
	var result []T
	for _, ev := range events {
		if e, ok := ev.(T); ok && ev.Direction() == dir {
			result = append(result, e)
		}
	}
	return result
}
