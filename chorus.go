package chorus

import (
	"context"
	"maps"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/chorus/config"
	"github.com/outofforest/chorus/protocol/causal"
	"github.com/outofforest/chorus/protocol/debug"
	"github.com/outofforest/chorus/protocol/fifo"
	"github.com/outofforest/chorus/protocol/integrity"
	"github.com/outofforest/chorus/protocol/leave"
	"github.com/outofforest/chorus/protocol/multiplexer"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// Registry maps layer names used in stack descriptions to layers.
type Registry map[string]*channel.Layer

// NewRegistry creates registry containing the protocol layers shipped with chorus and the layers passed.
func NewRegistry(layers ...*channel.Layer) Registry {
	r := Registry{}
	for _, l := range []*channel.Layer{
		fifo.Layer,
		causal.Layer,
		leave.Layer,
		multiplexer.Layer,
		integrity.Layer,
		debug.Layer,
	} {
		r[l.Name] = l
	}
	for _, l := range layers {
		r[l.Name] = l
	}
	return r
}

type instanceKey struct {
	Layer string
	Scope config.Scope
	Label string
}

type instance struct {
	session channel.Session
	params  map[string]string
}

// Build creates channels described by the stack file. Sessions of label and global scope are shared
// by channels. Application lists events created by the application, they are taken into account
// while validating stacks.
func Build(ctx context.Context, file config.File, registry Registry, application ...channel.EventType,
) ([]*channel.Channel, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}

	shared := map[instanceKey]*instance{}
	channels := make([]*channel.Channel, 0, len(file.Channels))
	for _, chConfig := range file.Channels {
		layers := make([]*channel.Layer, 0, len(chConfig.Layers))
		for _, lConfig := range chConfig.Layers {
			l, exists := registry[lConfig.Layer]
			if !exists {
				return nil, errors.Errorf("channel %q uses unknown layer %q", chConfig.Name, lConfig.Layer)
			}
			layers = append(layers, l)
		}
		if err := channel.Validate(layers, application...); err != nil {
			return nil, errors.Wrapf(err, "stack of channel %q is invalid", chConfig.Name)
		}

		sessions := make([]channel.Session, 0, len(layers))
		for i, lConfig := range chConfig.Layers {
			if lConfig.Scope == config.ScopePrivate {
				s, err := newSession(layers[i], lConfig.Params)
				if err != nil {
					return nil, errors.Wrapf(err, "initializing layer %q of channel %q failed",
						lConfig.Layer, chConfig.Name)
				}
				sessions = append(sessions, s)
				continue
			}

			key := instanceKey{Layer: lConfig.Layer, Scope: lConfig.Scope, Label: lConfig.Label}
			inst, exists := shared[key]
			if !exists {
				s, err := newSession(layers[i], lConfig.Params)
				if err != nil {
					return nil, errors.Wrapf(err, "initializing layer %q of channel %q failed",
						lConfig.Layer, chConfig.Name)
				}
				inst = &instance{session: s, params: lConfig.Params}
				shared[key] = inst
			} else if len(lConfig.Params) > 0 && !maps.Equal(inst.params, lConfig.Params) {
				return nil, errors.Errorf("shared layer %q of channel %q is configured differently than before",
					lConfig.Layer, chConfig.Name)
			}
			sessions = append(sessions, inst.session)
		}

		channels = append(channels, channel.New(ctx, channel.Config{Name: chConfig.Name}, sessions...))
	}

	return channels, nil
}

func newSession(l *channel.Layer, params map[string]string) (channel.Session, error) {
	s := l.New()
	if initializer, ok := s.(channel.Initializer); ok {
		if err := initializer.Init(params); err != nil {
			return nil, err
		}
	} else if len(params) > 0 {
		return nil, errors.Errorf("layer %q does not accept parameters", l.Name)
	}
	return s, nil
}

// Run starts the channels and runs them together with services, like transports, until context is canceled
// or any of them fails.
func Run(ctx context.Context, channels []*channel.Channel, services ...func(ctx context.Context) error) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for _, ch := range channels {
			spawn("channel", parallel.Fail, func(ctx context.Context) error {
				return runChannel(ctx, ch)
			})
		}
		for _, s := range services {
			spawn("service", parallel.Fail, s)
		}
		return nil
	})
}

func runChannel(ctx context.Context, ch *channel.Channel) error {
	if err := ch.Start(); err != nil {
		return err
	}

	err := ch.Run(ctx)
	if ctx.Err() == nil {
		return err
	}

	if cErr := ch.Close(); cErr != nil {
		logger.Get(ctx).Debug("Closing channel failed", zap.String("channel", ch.Name()), zap.Error(cErr))
		return err
	}
	if dErr := ch.Drain(); dErr != nil {
		logger.Get(ctx).Error("Draining channel failed", zap.String("channel", ch.Name()), zap.Error(dErr))
	}
	return err
}
