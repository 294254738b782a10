package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohans/genqueue/progress"
)

// Generator performs the content-producing work for one job.
type Generator interface {
	Generate(ctx context.Context, request json.RawMessage, progress progress.Reporter) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, request json.RawMessage, progress progress.Reporter) (json.RawMessage, error)

func (f GeneratorFunc) Generate(ctx context.Context, request json.RawMessage, p progress.Reporter) (json.RawMessage, error) {
	return f(ctx, request, p)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient marks err as worth another attempt (timeouts, rate limits,
// provider outages).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient(fmt.Errorf(format, args...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Fatal marks err as permanent (invalid input, exhausted quota). It takes
// precedence over any transient marker it wraps.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsRetryable classifies a generator error. Unmarked errors are fatal
// unless they are deadline or network timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}
