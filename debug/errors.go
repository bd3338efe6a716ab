package debug

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrUnknownEvent    = errors.New("unknown debug event")
	ErrUnknownThread   = errors.New("unknown thread")
	ErrUnknownProcess  = errors.New("unknown process")
	ErrSessionDisposed = errors.New("debug session disposed")
	ErrNoTarget        = errors.New("no debug target")
	ErrTargetExists    = errors.New("debug target already exists")
)

// CreationError is returned when the target could not be spawned or attached.
type CreationError struct {
	Op     string // "spawn" or "attach"
	Target string

	// The OS error code (zero if the failure did not originate from the OS).
	Errno syscall.Errno

	Err error
}

func newCreationError(op string, target string, err error) *CreationError {
	creationErr := &CreationError{
		Op:     op,
		Target: target,
		Err:    err,
	}

	_ = errors.As(err, &creationErr.Errno)
	return creationErr
}

func (err *CreationError) Error() string {
	return fmt.Sprintf(
		"failed to %s target (%s) [errno=%d]: %v",
		err.Op,
		err.Target,
		int(err.Errno),
		err.Err)
}

func (err *CreationError) Unwrap() error {
	return err.Err
}
