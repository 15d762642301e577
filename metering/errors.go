package metering

import "errors"

var (
	// ErrMalformed is returned for bytecode that cannot be decoded: bad
	// header, truncated sections, unknown opcodes, trailing bytes.
	ErrMalformed = errors.New("malformed module")

	// ErrDisallowed is returned for well-formed bytecode that uses a
	// construct the sandbox does not run.
	ErrDisallowed = errors.New("disallowed construct")
)
