package channel

import (
	"reflect"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// EventType identifies type of event in layer capability declarations.
// Interface types match every event type implementing them.
type EventType = reflect.Type

// EventTypeOf returns the type of event.
func EventTypeOf(ev Event) EventType {
	return reflect.TypeOf(ev)
}

// EventTypeFor returns the type of T. It is used to declare interface types like Sendable.
func EventTypeFor[T any]() EventType {
	return reflect.TypeFor[T]()
}

// Layer is the blueprint of the session.
type Layer struct {
	Name string

	// Provides lists events the layer creates.
	Provides []EventType

	// Requires lists events which must be created by some other layer of the stack.
	Requires []EventType

	// Accepts lists events the layer handles.
	Accepts []EventType

	// New creates session.
	New func() Session
}

var kernelEvents = []EventType{
	EventTypeOf(&InitEvent{}),
	EventTypeOf(&CloseEvent{}),
}

// Validate verifies that the stack of layers, bottom first, is consistent: every accepted event
// is provided by another layer, by the kernel or by the application, and every required event
// is provided by some layer.
func Validate(layers []*Layer, application ...EventType) error {
	var err error
	for i, l := range layers {
		for _, t := range l.Accepts {
			if !provided(t, application) && !provided(t, kernelEvents) && !providedBy(t, layers, i) {
				err = multierr.Append(err, errors.Errorf("layer %q accepts %v which is provided by no other layer",
					l.Name, t))
			}
		}
		for _, t := range l.Requires {
			if !providedBy(t, layers, -1) {
				err = multierr.Append(err, errors.Errorf("layer %q requires %v which is provided by no layer",
					l.Name, t))
			}
		}
	}
	return err
}

func providedBy(t EventType, layers []*Layer, except int) bool {
	for i, l := range layers {
		if i != except && provided(t, l.Provides) {
			return true
		}
	}
	return false
}

func provided(t EventType, types []EventType) bool {
	for _, p := range types {
		if matches(p, t) {
			return true
		}
	}
	return false
}

func matches(provided, accepted EventType) bool {
	if provided == accepted {
		return true
	}
	if accepted.Kind() == reflect.Interface {
		return provided.Implements(accepted)
	}
	if provided.Kind() == reflect.Interface {
		return accepted.Implements(provided)
	}
	return false
}
