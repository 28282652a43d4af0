package core

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted = errors.New("no available api key in pool")
	ErrInvalidInput  = errors.New("invalid input")
)

// RetryError is returned when every attempt of an execution failed.
type RetryError struct {
	Attempts int
	Key      string // masked key of the last attempt
	Err      error  // last observed cause
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
