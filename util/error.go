package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// The error classes every package wraps its own sentinels in. Callers branch
// on these with errors.Is when the exact cause does not matter.
var (
	// ErrConfig is a setup-time failure: bad device id, unaligned size, a rejected registration.
	ErrConfig = errors.New("configuration error")

	// ErrNoCapacity signals back-pressure: a full arena, ring or command queue.
	ErrNoCapacity = errors.New("no capacity")

	// ErrTransient is a single failed iteration, such as a sync call or a command timeout.
	ErrTransient = errors.New("transient i/o error")
)

// IsBackPressure reports whether err only means "try again later".
func IsBackPressure(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// IsTransient reports whether err should be logged and skipped rather than end a worker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrNoCapacity)
}

type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err in a ContextualError unless it already is one.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its fields when it carries any.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	entry := lr.WithFields(ce.Fields)
	if ce.RealError != nil {
		entry = entry.WithError(ce.RealError)
	}
	entry.Error(ce.Context)
}
