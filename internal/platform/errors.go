package platform

import (
	"errors"
	"fmt"
)

// Adapter failure kinds.
var (
	// ErrInvalid means the resource no longer exists.
	ErrInvalid = errors.New("resource invalid")
	// ErrUnsupported means the resource does not implement the attribute or
	// notification.
	ErrUnsupported = errors.New("not supported by resource")
	// ErrTimeout means no response arrived within the bound.
	ErrTimeout = errors.New("timed out")
)

// AdapterError records which resource and attribute an adapter failure
// belongs to. It matches ErrInvalid, ErrUnsupported or ErrTimeout through
// errors.Is according to Kind.
type AdapterError struct {
	Kind      error
	Resource  Resource
	Attribute Attribute
	Err       error
}

// NewAdapterError wraps cause under one of the adapter failure kinds.
func NewAdapterError(kind error, res Resource, attr Attribute, cause error) *AdapterError {
	return &AdapterError{Kind: kind, Resource: res, Attribute: attr, Err: cause}
}

func (e *AdapterError) Error() string {
	target := e.Resource.String()
	if e.Attribute != "" {
		target += "/" + string(e.Attribute)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", target, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", target, e.Kind)
}

func (e *AdapterError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsExpected reports whether err is one of the routine per-resource
// outcomes (invalid or unsupported) that exclude a resource from the model
// instead of being reported as faults.
func IsExpected(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrUnsupported)
}
