package common

import "fmt"

// FatalError reports a worker failure that the node cannot recover from.
type FatalError struct {
	Worker string
	Err    error
}

func NewFatalError(worker string, err error) *FatalError {
	return &FatalError{Worker: worker, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal error: %v", e.Worker, e.Err)
}

func (e *FatalError) Cause() error {
	return e.Err
}

func IsFatal(err error) bool {
	_, ok := err.(*FatalError)
	return ok
}
