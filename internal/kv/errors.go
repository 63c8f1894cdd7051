package kv

import "fmt"

// OpError wraps an underlying IO failure with the store and operation it
// happened in. Callers can errors.As on it to decide whether a compensating
// write or index repair applies.
type OpError struct {
	Store string
	Op    string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp builds an OpError; it returns nil when err is nil.
func WrapOp(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Store: store, Op: op, Err: err}
}
