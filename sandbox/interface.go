package sandbox

import (
	"context"
)

// Action describes one execution request
type Action struct {
	Code        []byte `validate:"required"`
	MemoryLimit uint64 // bytes
	GasLimit    uint64
	Input       []byte
}

// ResultData is the outcome of a successful execution
type ResultData struct {
	GasLeft uint64
	Data    []byte
}

// Provider supplies the host capabilities guest code can reach through env
// imports. Implementations must be safe for concurrent use when shared
// between executions.
type Provider interface {
	// Get returns the value stored under key, or nil when absent.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Remove(ctx context.Context, key []byte) error
	Log(ctx context.Context, msg string) error
}

// SignatureVerifier is an optional Provider capability. When present the
// secp256k1_verify host function is exposed to guests.
type SignatureVerifier interface {
	VerifySignature(msg, sig, pubKey []byte) (bool, error)
}

// Engine runs actions against a provider
type Engine interface {
	Execute(ctx context.Context, p Provider, a Action) (ResultData, error)
}

// Guest ABI names
const (
	HostModule        = "env"
	MemoryExport      = "memory"
	AllocateExport    = "allocate"
	DefaultEntryPoint = "execute"
)

// Engine backends
const (
	BackendCompiler    = "compiler"
	BackendInterpreter = "interpreter"
)

// PackPtrLen packs a guest region into the i64 returned by entry points and
// storage_read.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen is the inverse of PackPtrLen
func UnpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
