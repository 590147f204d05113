package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Scope defines which channels share the session instance.
type Scope string

// Scopes of sessions.
const (
	// ScopePrivate creates separate session for the channel.
	ScopePrivate Scope = "private"

	// ScopeLabel shares session between all channels using the same label.
	ScopeLabel Scope = "label"

	// ScopeGlobal shares session between all channels.
	ScopeGlobal Scope = "global"
)

// File describes the channels of the stack.
type File struct {
	Channels []Channel `yaml:"channels"`
}

// Channel describes the channel and its layers, bottom first.
type Channel struct {
	Name   string  `yaml:"name"`
	Layers []Layer `yaml:"layers"`
}

// Layer describes the session of the channel.
type Layer struct {
	Layer  string            `yaml:"layer"`
	Scope  Scope             `yaml:"scope"`
	Label  string            `yaml:"label"`
	Params map[string]string `yaml:"params"`
}

// Load loads stack description from file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.WithStack(err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse parses and validates stack description.
func Parse(r io.Reader) (File, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var f File
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, errors.Wrap(err, "decoding stack description failed")
	}

	for i := range f.Channels {
		for j := range f.Channels[i].Layers {
			if f.Channels[i].Layers[j].Scope == "" {
				f.Channels[i].Layers[j].Scope = ScopePrivate
			}
		}
	}

	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate verifies the stack description.
func (f File) Validate() error {
	var err error
	if len(f.Channels) == 0 {
		err = multierr.Append(err, errors.New("no channels defined"))
	}

	names := map[string]struct{}{}
	for i, ch := range f.Channels {
		if ch.Name == "" {
			err = multierr.Append(err, errors.Errorf("channel %d has no name", i))
		} else if _, exists := names[ch.Name]; exists {
			err = multierr.Append(err, errors.Errorf("channel %q is defined twice", ch.Name))
		}
		names[ch.Name] = struct{}{}

		if len(ch.Layers) == 0 {
			err = multierr.Append(err, errors.Errorf("channel %q has no layers", ch.Name))
		}
		for j, l := range ch.Layers {
			if l.Layer == "" {
				err = multierr.Append(err, errors.Errorf("layer %d of channel %q has no name", j, ch.Name))
			}
			switch l.Scope {
			case ScopePrivate, ScopeGlobal:
				if l.Label != "" {
					err = multierr.Append(err, errors.Errorf("layer %q of channel %q has label but scope is %q",
						l.Layer, ch.Name, l.Scope))
				}
			case ScopeLabel:
				if l.Label == "" {
					err = multierr.Append(err, errors.Errorf("layer %q of channel %q has label scope but no label",
						l.Layer, ch.Name))
				}
			default:
				err = multierr.Append(err, errors.Errorf("layer %q of channel %q has invalid scope %q",
					l.Layer, ch.Name, l.Scope))
			}
		}
	}
	return err
}
