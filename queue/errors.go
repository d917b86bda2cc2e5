package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrMutationTimeout means the mutation token was not acquired in time and
	// the request was dropped. The caller should ask the user to try again.
	ErrMutationTimeout = errors.New("queue: request failed, try again")
	// ErrIndexOutOfRange means an index does not address a queue entry.
	ErrIndexOutOfRange = errors.New("queue: index out of range")
)

// DeviceError wraps a failure reported by the player device.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("player %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
