package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfGas is returned when guest code or a host function runs out
	// of gas.
	ErrOutOfGas = errors.New("out of gas")

	// ErrMemoryAccess is wrapped when a guest supplied region falls outside
	// linear memory.
	ErrMemoryAccess = errors.New("out of bounds memory access")

	// ErrPayloadTooLarge is wrapped when a host function is asked to read
	// more than the configured payload limit.
	ErrPayloadTooLarge = errors.New("payload exceeds limit")

	// ErrInvalidTransition is returned by the state tracker.
	ErrInvalidTransition = errors.New("invalid state transition")

	errNotProvided = errors.New("host function not provided")
)

// CompileError reports bytecode that failed validation, instrumentation or
// compilation. No instance was created.
type CompileError struct {
	Msg string
	Err error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compile error: %s: %v", e.Msg, e.Err)
	}
	return "compile error: " + e.Msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// InstantiationError reports a module that compiled but could not be linked
// or lacks a required export.
type InstantiationError struct {
	Msg string
	Err error
}

func (e *InstantiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("instantiation error: %s: %v", e.Msg, e.Err)
	}
	return "instantiation error: " + e.Msg
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a trap during guest execution. Limit is set when
// the memory limiter denied a growth request before the trap.
type ExecutionError struct {
	Msg   string
	Err   error
	Limit *LimitError
}

func (e *ExecutionError) Error() string {
	msg := "execution error: " + e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Limit != nil {
		msg = fmt.Sprintf("%s (after %v)", msg, e.Limit)
	}
	return msg
}

func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Limit != nil {
		errs = append(errs, e.Limit)
	}
	return errs
}

// LimitError reports a memory size above the page ceiling.
type LimitError struct {
	What      string
	Requested uint64 // pages
	Limit     uint32 // pages
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded: %s of %d pages, limit %d pages", e.What, e.Requested, e.Limit)
}

// HostError is raised inside a host function and surfaces as the cause of
// an ExecutionError.
type HostError struct {
	Func string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host function %s: %v", e.Func, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// AbortError is raised by the abort host function.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "guest aborted: " + e.Message
}
