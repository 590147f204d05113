package debug

import (
	"reflect"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
)

// Parameters recognized by Init.
const (
	ParamActive = "active"
	ParamTag    = "tag"
)

// Layer is the blueprint of the debug session.
var Layer = &channel.Layer{
	Name: "debug",
	New: func() channel.Session {
		return New()
	},
}

// Session logs events passing through it.
type Session struct {
	active bool
	tag    string
}

// New creates debug session.
func New() *Session {
	return &Session{}
}

// Init configures the session.
func (s *Session) Init(params map[string]string) error {
	if v, exists := params[ParamActive]; exists {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid value of parameter %q", ParamActive)
		}
		s.active = active
	}
	if v, exists := params[ParamTag]; exists {
		s.tag = v
	}
	return nil
}

// Active tells if events are logged.
func (s *Session) Active() bool {
	return s.active
}

// Tag returns the tag added to log entries.
func (s *Session) Tag() string {
	return s.tag
}

// Handle handles the event.
func (s *Session) Handle(ev channel.Event) error {
	if s.active {
		fields := []zap.Field{
			zap.String("tag", s.tag),
			zap.Stringer("direction", ev.Direction()),
			zap.String("event", reflect.TypeOf(ev).String()),
		}
		if sendable, ok := ev.(channel.Sendable); ok {
			e := sendable.Sendable()
			if e.Msg != nil {
				fields = append(fields, zap.Int("size", e.Msg.Len()))
			}
			if e.From != "" {
				fields = append(fields, zap.String("from", e.From))
			}
		}
		ev.Channel().Log().Info("Event", fields...)
	}
	ev.Forward()
	return nil
}
