package job

import "errors"

var (
	// Store errors.
	ErrNotFound      = errors.New("genqueue: job not found")
	ErrAlreadyExists = errors.New("genqueue: job already exists")
	ErrConflict      = errors.New("genqueue: conditional update conflict")

	// State errors.
	ErrInvalidTransition = errors.New("genqueue: invalid state transition")
	ErrInvalidJob        = errors.New("genqueue: invalid job record")
	ErrNotCancellable    = errors.New("genqueue: job cannot be cancelled in its current state")
	ErrStaleDelivery     = errors.New("genqueue: stale delivery")
	ErrInvalidRequest    = errors.New("genqueue: request is not valid JSON")

	// Dispatch errors.
	ErrEnqueueFailed = errors.New("genqueue: enqueue failed")
)
