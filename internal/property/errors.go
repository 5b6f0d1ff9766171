package property

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteRejected means the adapter refused a write or did not confirm
	// it in time.
	ErrWriteRejected = errors.New("write rejected")
	// ErrEntityInvalidated means the owning window or application is gone.
	// It is never retried.
	ErrEntityInvalidated = errors.New("entity invalidated")
	// ErrReadOnly is returned by Set on attributes that cannot be written.
	ErrReadOnly = errors.New("attribute is read-only")
	// ErrValueType means the adapter produced a value of the wrong type for
	// the attribute.
	ErrValueType = errors.New("unexpected value type")
)

// WriteError is the failure of one Set. It matches ErrWriteRejected and the
// underlying cause (for example platform.ErrTimeout).
type WriteError struct {
	Key Key
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v: %v", e.Key, ErrWriteRejected, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrWriteRejected, e.Err}
}
