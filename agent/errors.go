package agent

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Andy963/ads/provider"
)

// ErrorKind is the shared taxonomy adapters map backend failures into.
type ErrorKind string

const (
	ErrTimeout    ErrorKind = "timeout"
	ErrDisconnect ErrorKind = "disconnect"
	ErrMalformed  ErrorKind = "malformed"
	ErrAPI        ErrorKind = "api"
)

// AdapterError reports a failed backend call. The queue retries it within
// the task's retry budget.
type AdapterError struct {
	Agent     Kind
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter %s: %v", e.Agent, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// CancellationError reports a call aborted by its caller. It is never
// retried.
type CancellationError struct {
	Agent Kind
	Err   error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s adapter: cancelled: %v", e.Agent, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// IsCancellation reports whether err means the caller gave up.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

// classify maps a provider error into the shared taxonomy. ctx is the
// caller's context and distinguishes caller cancellation from deadlines.
func classify(ctx context.Context, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var (
		apiErr *provider.APIError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &CancellationError{Agent: kind, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &AdapterError{Agent: kind, Kind: ErrTimeout, Retryable: true, Err: err}
	case errors.As(err, &apiErr):
		return &AdapterError{Agent: kind, Kind: ErrAPI, Retryable: apiErr.Retryable(), Err: err}
	case errors.Is(err, provider.ErrMalformedResponse):
		return &AdapterError{Agent: kind, Kind: ErrMalformed, Retryable: true, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &AdapterError{Agent: kind, Kind: ErrTimeout, Retryable: true, Err: err}
	default:
		return &AdapterError{Agent: kind, Kind: ErrDisconnect, Retryable: true, Err: err}
	}
}
