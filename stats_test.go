package libpop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/test"
	"github.com/upa/libpop/util"
)

func TestStartStats(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	run, err := startStats(l, c, "", false)
	require.NoError(t, err)
	assert.Nil(t, run)

	require.NoError(t, c.LoadString("stats:\n  type: prometheus\n  listen: 127.0.0.1:0\n  interval: 1s\n"))
	run, err = startStats(l, c, "1.0.0", true)
	require.NoError(t, err)
	assert.Nil(t, run, "nothing runs in config test mode")

	require.NoError(t, c.LoadString("stats:\n  type: graphite\n  host: 127.0.0.1:2003\n  interval: 1s\n"))
	run, err = startStats(l, c, "", false)
	require.NoError(t, err)
	assert.NotNil(t, run)
}

func TestStartStats_Invalid(t *testing.T) {
	tests := map[string]string{
		"no interval":      "stats:\n  type: prometheus\n  listen: 127.0.0.1:0\n",
		"unknown type":     "stats:\n  type: statsd\n  interval: 1s\n",
		"no listener":      "stats:\n  type: prometheus\n  interval: 1s\n",
		"no graphite host": "stats:\n  type: graphite\n  interval: 1s\n",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(raw))

			_, err := startStats(l, c, "", false)
			assert.Error(t, err)
		})
	}

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("stats:\n  type: statsd\n  interval: 1s\n"))
	_, err := startStats(test.NewLogger(), c, "", false)
	assert.ErrorIs(t, err, util.ErrConfig)
}
