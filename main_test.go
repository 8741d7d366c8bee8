package libpop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/test"
	"github.com/upa/libpop/util"
)

// memoryConfig is a dry run over in-memory devices with two queues and no pinning, plus extra yaml.
const memoryConfig = `
affinity:
  enabled: false
memory:
  size: 16M
  simulate: true
network:
  driver: memory
  queues: 2
  slots: 64
  batch: 16
storage:
  driver: memory
  queues: 2
  size: 1M
  block_size: 4096
  timeout: 100ms
stats:
  report_interval: 0
`

func newConfig(t *testing.T, extra string) *config.C {
	t.Helper()

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(memoryConfig))

	if extra != "" {
		o := config.NewC(test.NewLogger())
		require.NoError(t, o.LoadString(extra))
		for k, v := range o.Settings {
			sub, ok := v.(map[string]any)
			if !ok {
				c.Settings[k] = v
				continue
			}
			base, _ := c.Settings[k].(map[string]any)
			if base == nil {
				base = map[string]any{}
				c.Settings[k] = base
			}
			for sk, sv := range sub {
				base[sk] = sv
			}
		}
	}
	return c
}

func TestMain_ConfigTest(t *testing.T) {
	// A block device that does not exist is never opened in test mode.
	c := newConfig(t, "storage:\n  driver: uring\n  device: /dev/does-not-exist\n")

	ctrl, err := Main(c, true, "1.2.3", test.NewLogger())
	require.NoError(t, err)
	assert.Nil(t, ctrl.dev)
	assert.Empty(t, ctrl.workers)
}

func TestMain_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"mode", "gen:\n  mode: sideways\n"},
		{"mac", "gen:\n  packet:\n    src_mac: nope\n"},
		{"frame length", "gen:\n  packet:\n    length: 20\n"},
		{"walk", "bridge:\n  walk: backwards\n"},
		{"log level", "logging:\n  level: shouty\n"},
		{"stats type", "stats:\n  type: carrier-pigeon\n  interval: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Main(newConfig(t, tt.extra), true, "", test.NewLogger())
			assert.Error(t, err)
		})
	}
}

func TestMain_DeviceErrors(t *testing.T) {
	_, err := Main(newConfig(t, "network:\n  driver: carrier-pigeon\n"), false, "", test.NewLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfig)

	// A block device must be named.
	_, err = Main(newConfig(t, "storage:\n  driver: uring\n"), false, "", test.NewLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfig)
}

func TestParseMode(t *testing.T) {
	for s, want := range map[string]Mode{
		"":         ModeBridge,
		"bridge":   ModeBridge,
		"RX":       ModeReceive,
		"transmit": ModeTransmit,
		"store":    ModeStore,
	} {
		got, err := ParseMode(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseMode("nope")
	assert.ErrorIs(t, err, util.ErrConfig)
	assert.Equal(t, "Mode(9)", Mode(9).String())
}
