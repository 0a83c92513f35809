package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrStaleTimestamp   = errors.New("stale timestamp")

	ErrCacheUnavailable   = errors.New("geofence cache unavailable")
	ErrPersistenceTimeout = errors.New("persistence timeout")
	ErrDispatchFailure    = errors.New("dispatch failure")
	ErrNotFound           = errors.New("not found")
)

// NormalizationError reports why a raw payload could not become a ping.
// Kind is one of ErrMalformedPayload, ErrUnknownEntity or ErrStaleTimestamp.
type NormalizationError struct {
	Kind     error
	Protocol SourceProtocol
	Detail   string
}

func (e *NormalizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("normalize %s: %v", e.Protocol, e.Kind)
	}
	return fmt.Sprintf("normalize %s: %v: %s", e.Protocol, e.Kind, e.Detail)
}

func (e *NormalizationError) Unwrap() error {
	return e.Kind
}

// PersistenceError marks a failed storage call. Timeouts unwrap to
// ErrPersistenceTimeout as well as to the driver error.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistenceTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether the caller may retry the operation later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPersistenceTimeout) ||
		errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrDispatchFailure) ||
		errors.Is(err, context.DeadlineExceeded)
}
