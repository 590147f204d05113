package channel

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/oleiade/lane"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// ErrClosed is returned when event is dispatched to closed channel.
var ErrClosed = errors.New("channel is closed")

// Session is an instance of protocol layer handling events routed through the channel.
type Session interface {
	Handle(ev Event) error
}

// Initializer is implemented by sessions accepting configuration parameters.
type Initializer interface {
	Init(params map[string]string) error
}

// Config is the configuration of channel.
type Config struct {
	Name  string
	Clock clock.Clock
}

// Channel routes events through the stack of sessions. Sessions are ordered from the bottom
// (network) to the top (application).
type Channel struct {
	name     string
	log      *zap.Logger
	clk      clock.Clock
	sessions []Session

	wakeCh chan struct{}

	mu       sync.Mutex
	levels   []int
	queues   map[int]*lane.Queue
	draining bool
	closed   bool
	err      error
}

// New creates new channel.
func New(ctx context.Context, config Config, sessions ...Session) *Channel {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Channel{
		name:     config.Name,
		log:      logger.Get(ctx).With(zap.String("channel", config.Name)),
		clk:      clk,
		sessions: sessions,
		wakeCh:   make(chan struct{}, 1),
		queues:   map[int]*lane.Queue{},
	}
}

// Name returns the name of channel.
func (c *Channel) Name() string {
	return c.name
}

// Log returns the logger of channel.
func (c *Channel) Log() *zap.Logger {
	return c.log
}

// Clock returns the monotonic clock used by the protocols.
func (c *Channel) Clock() clock.Clock {
	return c.clk
}

// Sessions returns the stack of sessions, bottom first.
func (c *Channel) Sessions() []Session {
	return c.sessions
}

// Start dispatches InitEvent.
func (c *Channel) Start() error {
	return c.Dispatch(&InitEvent{}, Up, nil)
}

// Close dispatches CloseEvent. Channel rejects new events once CloseEvent leaves it.
func (c *Channel) Close() error {
	return c.Dispatch(&CloseEvent{}, Up, nil)
}

// Dispatch starts routing the event in the direction, beginning with the session next to the source.
// If source is nil, routing begins at the bottom (Up) or at the top (Down) of the stack.
// It might be called from any goroutine.
func (c *Channel) Dispatch(ev Event, dir Direction, source Session) error {
	if dir != Up && dir != Down {
		panic(errors.Errorf("invalid direction %d", dir))
	}

	cursor := -1
	if dir == Down {
		cursor = len(c.sessions)
	}
	if source != nil {
		cursor = slices.IndexFunc(c.sessions, func(s Session) bool {
			return s == source
		})
		if cursor < 0 {
			panic(errors.Errorf("session %T does not belong to channel %q", source, c.name))
		}
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	if c.closed {
		c.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	c.mu.Unlock()

	b := ev.base()
	*b = Base{
		self:     ev,
		channel:  c,
		source:   source,
		dir:      dir,
		priority: b.priority,
		cursor:   cursor,
	}
	c.forward(b)
	return nil
}

// Drain handles scheduled events until there are none left. Only one goroutine drains
// the channel at a time, calls made while draining is in progress return immediately.
func (c *Channel) Drain() error {
	c.mu.Lock()
	if c.err != nil || c.draining {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.draining = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.draining = false
	}()

	for {
		ev := c.next()
		if ev == nil {
			return nil
		}

		b := ev.base()
		if err := c.sessions[b.cursor].Handle(ev); err != nil {
			if IsTransient(err) {
				c.log.Warn("Routing of event abandoned",
					zap.String("event", reflect.TypeOf(ev).String()), zap.Error(err))
				continue
			}

			c.log.Error("Channel halted",
				zap.String("event", reflect.TypeOf(ev).String()), zap.Error(err))

			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return err
		}
	}
}

// Run handles events until context is canceled or a session fails.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := c.Drain(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-c.wakeCh:
		}
	}
}

func (c *Channel) forward(b *Base) {
	if b.channel != c {
		panic(errors.Errorf("event belongs to channel %q, not %q", b.channel.name, c.name))
	}
	if b.exited {
		panic(errors.Errorf("event %T has already left channel %q", b.self, c.name))
	}
	if b.queued {
		panic(errors.Errorf("event %T has been forwarded twice", b.self))
	}

	next := b.cursor + int(b.dir)
	if next < 0 || next >= len(c.sessions) {
		b.exited = true
		if _, ok := b.self.(*CloseEvent); ok {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
		}
		return
	}

	b.cursor = next
	b.queued = true

	c.mu.Lock()
	q, exists := c.queues[b.priority]
	if !exists {
		q = lane.NewQueue()
		c.queues[b.priority] = q
		c.levels = append(c.levels, b.priority)
		slices.Sort(c.levels)
	}
	q.Enqueue(b.self)
	c.mu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Channel) next() Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.levels) - 1; i >= 0; i-- {
		q := c.queues[c.levels[i]]
		if q.Empty() {
			continue
		}
		ev := q.Dequeue().(Event)
		ev.base().queued = false
		return ev
	}
	return nil
}
