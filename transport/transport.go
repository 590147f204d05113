package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/group"
	"github.com/outofforest/chorus/memory"
	"github.com/outofforest/chorus/message"
	"github.com/outofforest/chorus/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

var errSameEndpoint = errors.New("connected to myself")

// Config is the configuration of transport.
type Config struct {
	// Self is the endpoint of local member.
	Self string

	// Peers maps endpoints of other members to their network addresses.
	Peers map[string]string

	// Listener accepts connections from peers.
	Listener net.Listener

	MaxMessageSize uint64

	// Memory accounts bytes of frames being sent and received. It is optional.
	Memory *memory.Manager

	// RetryInterval is the delay between connection attempts. Default is one second.
	RetryInterval time.Duration
}

// Transport is the bottom session of the stack exchanging casts with other members over TCP.
type Transport struct {
	config Config
	self   wire.Endpoint
	conns  *peerConns

	initOnce sync.Once
	readyCh  chan struct{}
	ch       *channel.Channel

	mu       sync.Mutex
	reserved map[*group.Cast]int
}

// New creates transport.
func New(config Config) (*Transport, error) {
	if config.Self == "" {
		return nil, errors.New("self endpoint is not set")
	}
	if config.Listener == nil {
		return nil, errors.New("listener is not set")
	}
	if _, exists := config.Peers[config.Self]; exists {
		return nil, errors.Errorf("self endpoint %q is listed as a peer", config.Self)
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}

	return &Transport{
		config:   config,
		self:     wire.Endpoint(config.Self),
		conns:    newPeerConns(),
		readyCh:  make(chan struct{}),
		reserved: map[*group.Cast]int{},
	}, nil
}

// Layer returns the blueprint creating sessions backed by this transport.
func (t *Transport) Layer() *channel.Layer {
	return &channel.Layer{
		Name: "transport",
		Provides: []channel.EventType{
			channel.EventTypeOf(&group.Cast{}),
			channel.EventTypeOf(&group.Leave{}),
			channel.EventTypeOf(&group.Exit{}),
		},
		Accepts: []channel.EventType{channel.EventTypeFor[group.Castable]()},
		New: func() channel.Session {
			return t
		},
	}
}

// Connected tells if connection to the peer is established.
func (t *Transport) Connected(endpoint string) bool {
	return t.conns.Connected(wire.Endpoint(endpoint))
}

// Handle handles the event.
func (t *Transport) Handle(ev channel.Event) error {
	switch e := ev.(type) {
	case *channel.InitEvent:
		t.initOnce.Do(func() {
			t.ch = ev.Channel()
			close(t.readyCh)
		})
		ev.Forward()
		return nil
	case group.Castable:
		if ev.Direction() == channel.Down {
			return t.send(e)
		}
		t.release(e.CastEvent())
		ev.Forward()
		return nil
	default:
		ev.Forward()
		return nil
	}
}

// Run connects to the peers and delivers received casts to the channel.
func (t *Transport) Run(ctx context.Context) error {
	connConfig := resonance.Config{
		MaxMessageSize: t.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return resonance.RunServer(ctx, t.config.Listener, connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					return t.runConn(ctx, c)
				})
		})

		for endpoint, address := range t.config.Peers {
			// Peer with lower endpoint dials the one with higher endpoint.
			if wire.Endpoint(endpoint) < t.self {
				continue
			}

			spawn("client", parallel.Continue, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, address, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return t.runConn(ctx, c)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					if errors.Is(err, errSameEndpoint) {
						return nil
					}

					log.Error("Peer connection failed",
						zap.String("peer", endpoint), zap.String("address", address), zap.Error(err))
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-time.After(t.config.RetryInterval):
					}
				}
			})
		}

		return nil
	})
}

func (t *Transport) runConn(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		Endpoint: t.self,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	if helloMsg.Endpoint == t.self {
		return errSameEndpoint
	}
	if _, exists := t.config.Peers[string(helloMsg.Endpoint)]; !exists {
		return errors.Errorf("unknown peer %q", helloMsg.Endpoint)
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-t.readyCh:
	}

	log := logger.Get(ctx).With(zap.String("peer", string(helloMsg.Endpoint)))
	log.Info("Peer connected")

	sendCh := t.conns.Add(helloMsg.Endpoint)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer t.conns.Remove(helloMsg.Endpoint, sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				headerMsg, ok := msg.(*wire.Header)
				if !ok {
					return errors.New("header message expected")
				}

				content, err := c.ReceiveRawBytes()
				if err != nil {
					return err
				}

				if err := t.deliver(headerMsg, content); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for f := range sendCh {
					t.releaseFrame(f)
				}
			}()
			defer c.Close()

			for f := range sendCh {
				err := c.SendProton(f.Header, m)
				if err == nil {
					err = c.SendRawBytes(f.Content)
				}
				t.releaseFrame(f)
				if err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}

func (t *Transport) send(ev group.Castable) error {
	c := ev.CastEvent()
	kind, err := group.KindOf(ev)
	if err != nil {
		return err
	}

	f := frame{
		Header: &wire.Header{
			Kind:   wire.Kind(kind),
			Source: t.self,
			Orig:   uint64(c.Orig),
			View: wire.ViewID{
				Coordinator: wire.Endpoint(c.ViewID.Coordinator),
				LTime:       c.ViewID.LTime,
			},
			Multicast: c.Mode == group.Multicast,
		},
	}
	if c.Msg != nil {
		f.Content = append([]byte{}, c.Msg.Bytes()...)
	}

	log := ev.Channel().Log()
	if c.Mode == group.Multicast {
		for endpoint := range t.config.Peers {
			if err := t.sendFrame(wire.Endpoint(endpoint), f); err != nil {
				log.Debug("Multicast not sent to peer", zap.String("peer", endpoint), zap.Error(err))
			}
		}
		return t.loopback(ev)
	}

	dests, err := destinations(c.Dest)
	if err != nil {
		return err
	}
	for _, dest := range dests {
		if wire.Endpoint(dest) == t.self {
			if err := t.loopback(ev); err != nil {
				return err
			}
			continue
		}
		if err := t.sendFrame(wire.Endpoint(dest), f); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sendFrame(endpoint wire.Endpoint, f frame) error {
	if t.config.Memory != nil {
		t.config.Memory.BlockWhileAboveThreshold(channel.Down)
		if !t.config.Memory.Reserve(len(f.Content)) {
			return channel.Transient(errors.Errorf("no memory to send %d bytes to %q", len(f.Content), endpoint))
		}
	}
	if !t.conns.Send(endpoint, f) {
		t.releaseFrame(f)
		return channel.Transient(errors.Errorf("peer %q is not connected", endpoint))
	}
	return nil
}

func (t *Transport) releaseFrame(f frame) {
	if t.config.Memory != nil {
		t.config.Memory.Release(len(f.Content))
	}
}

func (t *Transport) loopback(ev group.Castable) error {
	clone, err := group.CloneCast(ev)
	if err != nil {
		return err
	}
	c := clone.CastEvent()
	c.From = string(t.self)
	c.Dest = string(t.self)
	if c.Msg == nil {
		c.Msg = message.New(nil)
	}

	if t.config.Memory != nil && t.config.Memory.Reserve(c.Msg.Len()) {
		t.track(c, c.Msg.Len())
	}
	return ev.Channel().Dispatch(clone, channel.Up, nil)
}

func (t *Transport) deliver(h *wire.Header, content []byte) error {
	ev, err := group.NewOfKind(group.Kind(h.Kind))
	if err != nil {
		return err
	}

	c := ev.CastEvent()
	c.Msg = message.New(content)
	c.From = string(h.Source)
	c.Dest = string(t.self)
	c.Orig = int(h.Orig)
	c.ViewID = group.ViewID{
		Coordinator: string(h.View.Coordinator),
		LTime:       h.View.LTime,
	}
	c.Mode = group.Send
	if h.Multicast {
		c.Mode = group.Multicast
	}

	if t.config.Memory != nil {
		t.config.Memory.BlockWhileAboveThreshold(channel.Up)
		if t.config.Memory.Reserve(len(content)) {
			t.track(c, len(content))
		}
	}
	return t.ch.Dispatch(ev, channel.Up, nil)
}

func (t *Transport) track(c *group.Cast, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reserved[c] = size
}

func (t *Transport) release(c *group.Cast) {
	t.mu.Lock()
	size, exists := t.reserved[c]
	delete(t.reserved, c)
	t.mu.Unlock()

	if exists {
		t.config.Memory.Release(size)
	}
}

func destinations(dest any) ([]string, error) {
	switch d := dest.(type) {
	case string:
		return []string{d}, nil
	case []string:
		return d, nil
	case channel.MulticastDestination:
		return d.Dests, nil
	case *channel.MulticastDestination:
		return d.Dests, nil
	default:
		return nil, errors.Errorf("unsupported destination %T", dest)
	}
}
