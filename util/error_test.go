package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m = map[string]any

type testLogWriter struct {
	Logs []string
}

func (tl *testLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *testLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func newTestLogger() (*logrus.Logger, *testLogWriter) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	tl := &testLogWriter{}
	l.Out = tl
	return l, tl
}

func TestContextualError_Log(t *testing.T) {
	l, tl := newTestLogger()

	e := NewContextualError("failed to open arena", m{"backing": "0000:03:00.0"}, errors.New("ebusy"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"failed to open arena\" backing=\"0000:03:00.0\" error=ebusy\n"}, tl.Logs)

	tl.Reset()
	e = NewContextualError("failed to open arena", nil, errors.New("ebusy"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"failed to open arena\" error=ebusy\n"}, tl.Logs)

	tl.Reset()
	e = NewContextualError("failed to open arena", m{"size": 4097}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"failed to open arena\" size=4097\n"}, tl.Logs)

	tl.Reset()
	e = NewContextualError("failed to open arena", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"failed to open arena\"\n"}, tl.Logs)
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := newTestLogger()

	e := NewContextualError("failed to open arena", m{"size": 4097}, errors.New("unaligned"))
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("wrapped: %w", e), l)
	assert.Equal(t, []string{"level=error msg=\"failed to open arena\" error=unaligned size=4097\n"}, tl.Logs)

	tl.Reset()
	LogWithContextIfNeeded("Fallback context", errors.New("plain"), l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context\" error=plain\n"}, tl.Logs)
}

func TestContextualizeIfNeeded(t *testing.T) {
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	err := errors.New("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context", err)

	var ce *ContextualError
	require.ErrorAs(t, cErr, &ce)
	assert.Equal(t, err, ce.RealError)
	assert.ErrorIs(t, cErr, err)
}

func TestErrorClasses(t *testing.T) {
	full := fmt.Errorf("out of buffers: %w", ErrNoCapacity)
	timeout := fmt.Errorf("command timed out: %w", ErrTransient)
	bad := fmt.Errorf("%w: bad id", ErrConfig)

	assert.True(t, IsBackPressure(full))
	assert.True(t, IsTransient(full))
	assert.True(t, IsTransient(timeout))
	assert.False(t, IsBackPressure(timeout))
	assert.False(t, IsTransient(bad))

	ce := NewContextualError("setup", nil, bad)
	assert.ErrorIs(t, ce, ErrConfig)
}
