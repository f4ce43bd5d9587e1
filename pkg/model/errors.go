package model

import (
	"context"
	"errors"
)

var (
	// ErrInvalidPayload is returned when a frame payload is not a JSON object
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrMissingType is returned when a payload has no usable "type" field
	ErrMissingType = errors.New("missing message type")
	// ErrCanceled is returned when a stream is stopped by its owner
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCanceled)
}
