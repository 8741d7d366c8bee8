package libpop

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/test"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  verbosity: quiet\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())

	require.NoError(t, c.LoadString("logging:\n  verbosity: quiet\n  level: debug\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	require.NoError(t, c.LoadString("logging:\n  format: json\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	assert.Error(t, configLogger(l, c))

	require.NoError(t, c.LoadString("logging:\n  verbosity: loud\n"))
	assert.Error(t, configLogger(l, c))
}

func TestConfigLogger_Text(t *testing.T) {
	l := logrus.New()
	buf := &bytes.Buffer{}
	l.Out = buf

	c := config.NewC(l)
	require.NoError(t, c.LoadString("logging:\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))

	l.WithField("queue", 1).Info("Producer started")
	assert.Equal(t, "level=info msg=\"Producer started\" queue=1\n", buf.String())
}
