package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/outofforest/chorus/config"
)

const stack = `
channels:
  - name: tcp
    layers:
      - layer: transport
      - layer: fifo
      - layer: debug
        params:
          active: "true"
          tag: tcp
      - layer: multiplexer
        scope: global
  - name: udp
    layers:
      - layer: transport
        scope: label
        label: net
      - layer: multiplexer
        scope: global
`

func TestParse(t *testing.T) {
	requireT := require.New(t)

	f, err := config.Parse(strings.NewReader(stack))
	requireT.NoError(err)

	requireT.Len(f.Channels, 2)
	requireT.Equal("tcp", f.Channels[0].Name)
	requireT.Len(f.Channels[0].Layers, 4)
	requireT.Equal(config.ScopePrivate, f.Channels[0].Layers[0].Scope)
	requireT.Equal(map[string]string{"active": "true", "tag": "tcp"}, f.Channels[0].Layers[2].Params)
	requireT.Equal(config.ScopeGlobal, f.Channels[0].Layers[3].Scope)
	requireT.Equal(config.Layer{Layer: "transport", Scope: config.ScopeLabel, Label: "net"}, f.Channels[1].Layers[0])
}

func TestLoad(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "stack.yaml")
	requireT.NoError(os.WriteFile(path, []byte(stack), 0o600))

	f, err := config.Load(path)
	requireT.NoError(err)
	requireT.Len(f.Channels, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	requireT.Error(err)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	requireT := require.New(t)

	_, err := config.Parse(strings.NewReader(`
channels:
  - name: tcp
    stack: []
`))
	requireT.Error(err)
}

func TestInvalidDescriptionIsRejected(t *testing.T) {
	requireT := require.New(t)

	_, err := config.Parse(strings.NewReader(""))
	requireT.Error(err)

	_, err = config.Parse(strings.NewReader(`
channels:
  - name: tcp
    layers:
      - layer: fifo
        scope: label
      - layer: causal
        scope: private
        label: x
      - layer: leave
        scope: everywhere
      - scope: global
  - name: tcp
`))
	requireT.Error(err)
	requireT.Len(multierr.Errors(err), 6)
}
