package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HostFn implements one env import against the calling execution.
type HostFn func(ctx context.Context, c *Caller, stack []uint64)

// HostFunc is a named host function with its wasm signature
type HostFunc struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      HostFn
}

// HostImports is the env import set of one execution, keyed by name
type HostImports map[string]HostFunc

// Names returns the import names in sorted order
func (h HostImports) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostCosts prices host function calls in gas
type HostCosts struct {
	Call         uint64 `mapstructure:"host_call" yaml:"host_call"`
	Byte         uint64 `mapstructure:"host_byte" yaml:"host_byte"`
	StorageWrite uint64 `mapstructure:"storage_write" yaml:"storage_write"`
}

// DefaultHostCosts returns the costs used when none are configured
func DefaultHostCosts() HostCosts {
	return HostCosts{Call: 100, Byte: 1, StorageWrite: 1000}
}

// Host function names
const (
	FuncStorageRead     = "storage_read"
	FuncStorageWrite    = "storage_write"
	FuncStorageRemove   = "storage_remove"
	FuncLog             = "log"
	FuncSHA256          = "sha256"
	FuncKeccak256       = "keccak256"
	FuncBlake2b256      = "blake2b256"
	FuncSecp256k1Verify = "secp256k1_verify"
	FuncGasLeft         = "gas_left"
	FuncAbort           = "abort"
)

const hashSize = 32

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

// catalog lists every host function a guest may import.
var catalog = map[string]signature{
	FuncStorageRead:     {params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}},
	FuncStorageWrite:    {params: []api.ValueType{i32, i32, i32, i32}},
	FuncStorageRemove:   {params: []api.ValueType{i32, i32}},
	FuncLog:             {params: []api.ValueType{i32, i32}},
	FuncSHA256:          {params: []api.ValueType{i32, i32, i32}},
	FuncKeccak256:       {params: []api.ValueType{i32, i32, i32}},
	FuncBlake2b256:      {params: []api.ValueType{i32, i32, i32}},
	FuncSecp256k1Verify: {params: []api.ValueType{i32, i32, i32, i32, i32, i32}, results: []api.ValueType{i32}},
	FuncGasLeft:         {results: []api.ValueType{i64}},
	FuncAbort:           {params: []api.ValueType{i32, i32}},
}

// HostImportBuilder builds the env import set for a provider
type HostImportBuilder struct {
	costs      HostCosts
	maxPayload uint32
	logger     *zap.Logger
}

// HostImportOption defines a functional option for HostImportBuilder
type HostImportOption func(*HostImportBuilder)

// WithHostCosts sets the gas prices of host calls
func WithHostCosts(costs HostCosts) HostImportOption {
	return func(b *HostImportBuilder) {
		b.costs = costs
	}
}

// WithMaxPayload caps the bytes a single host call may read from the guest
func WithMaxPayload(n uint32) HostImportOption {
	return func(b *HostImportBuilder) {
		b.maxPayload = n
	}
}

// WithHostLogger sets the logger used for host call diagnostics
func WithHostLogger(logger *zap.Logger) HostImportOption {
	return func(b *HostImportBuilder) {
		b.logger = logger
	}
}

// NewHostImportBuilder creates a builder with default costs and a 1 MiB
// payload cap.
func NewHostImportBuilder(opts ...HostImportOption) *HostImportBuilder {
	b := &HostImportBuilder{
		costs:      DefaultHostCosts(),
		maxPayload: 1 << 20,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the import set backed by p. secp256k1_verify is included
// only when p implements SignatureVerifier.
func (b *HostImportBuilder) Build(p Provider) HostImports {
	imports := HostImports{}
	add := func(name string, fn HostFn) {
		sig := catalog[name]
		imports[name] = HostFunc{Name: name, Params: sig.params, Results: sig.results, Fn: fn}
	}

	add(FuncStorageRead, storageRead)
	add(FuncStorageWrite, storageWrite)
	add(FuncStorageRemove, storageRemove)
	add(FuncLog, logMessage)
	add(FuncSHA256, hashInto(FuncSHA256, func(data []byte) []byte {
		sum := sha256.Sum256(data)
		return sum[:]
	}))
	add(FuncKeccak256, hashInto(FuncKeccak256, func(data []byte) []byte {
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		return h.Sum(nil)
	}))
	add(FuncBlake2b256, hashInto(FuncBlake2b256, func(data []byte) []byte {
		sum := blake2b.Sum256(data)
		return sum[:]
	}))
	if _, ok := p.(SignatureVerifier); ok {
		add(FuncSecp256k1Verify, secp256k1Verify)
	}
	add(FuncGasLeft, gasLeft)
	add(FuncAbort, abort)
	return imports
}

func (b *HostImportBuilder) newCaller(id string, p Provider, imports HostImports) *Caller {
	return &Caller{
		id:         id,
		provider:   p,
		imports:    imports,
		costs:      b.costs,
		maxPayload: b.maxPayload,
		logger:     b.logger,
	}
}

// trap aborts the current host call.
func trap(name string, err error) {
	panic(&HostError{Func: name, Err: err})
}

func (c *Caller) mustRead(name string, ptr, length uint64) []byte {
	data, err := c.Read(api.DecodeU32(ptr), api.DecodeU32(length))
	if err != nil {
		trap(name, err)
	}
	return data
}

func storageRead(ctx context.Context, c *Caller, stack []uint64) {
	c.chargeBytes(c.costs.Call, stack[1])
	key := c.mustRead(FuncStorageRead, stack[0], stack[1])

	value, err := c.provider.Get(ctx, key)
	if err != nil {
		trap(FuncStorageRead, err)
	}
	if len(value) == 0 {
		stack[0] = 0
		return
	}
	c.Charge(c.costs.Byte * uint64(len(value)))
	packed, err := c.Return(ctx, value)
	if err != nil {
		trap(FuncStorageRead, err)
	}
	stack[0] = packed
}

func storageWrite(ctx context.Context, c *Caller, stack []uint64) {
	c.chargeBytes(c.costs.Call+c.costs.StorageWrite, stack[1], stack[3])
	key := c.mustRead(FuncStorageWrite, stack[0], stack[1])
	value := c.mustRead(FuncStorageWrite, stack[2], stack[3])

	var err error
	if len(value) == 0 {
		err = c.provider.Remove(ctx, key)
	} else {
		err = c.provider.Set(ctx, key, value)
	}
	if err != nil {
		trap(FuncStorageWrite, err)
	}
}

func storageRemove(ctx context.Context, c *Caller, stack []uint64) {
	c.chargeBytes(c.costs.Call, stack[1])
	key := c.mustRead(FuncStorageRemove, stack[0], stack[1])
	if err := c.provider.Remove(ctx, key); err != nil {
		trap(FuncStorageRemove, err)
	}
}

func logMessage(ctx context.Context, c *Caller, stack []uint64) {
	c.chargeBytes(c.costs.Call, stack[1])
	msg := c.mustRead(FuncLog, stack[0], stack[1])
	if err := c.provider.Log(ctx, string(msg)); err != nil {
		trap(FuncLog, err)
	}
}

func hashInto(name string, sum func([]byte) []byte) HostFn {
	return func(_ context.Context, c *Caller, stack []uint64) {
		c.chargeBytes(c.costs.Call, stack[1])
		data := c.mustRead(name, stack[0], stack[1])
		if err := c.Write(api.DecodeU32(stack[2]), sum(data)); err != nil {
			trap(name, err)
		}
	}
}

func secp256k1Verify(_ context.Context, c *Caller, stack []uint64) {
	c.chargeBytes(c.costs.Call, stack[1], stack[3], stack[5])
	msg := c.mustRead(FuncSecp256k1Verify, stack[0], stack[1])
	sig := c.mustRead(FuncSecp256k1Verify, stack[2], stack[3])
	pub := c.mustRead(FuncSecp256k1Verify, stack[4], stack[5])

	verifier, ok := c.provider.(SignatureVerifier)
	if !ok {
		trap(FuncSecp256k1Verify, errNotProvided)
	}
	valid, err := verifier.VerifySignature(msg, sig, pub)
	if err != nil {
		trap(FuncSecp256k1Verify, err)
	}
	stack[0] = 0
	if valid {
		stack[0] = 1
	}
}

func gasLeft(_ context.Context, c *Caller, stack []uint64) {
	c.Charge(c.costs.Call)
	stack[0] = c.GasLeft()
}

func abort(_ context.Context, c *Caller, stack []uint64) {
	c.Charge(c.costs.Call)
	msg := c.mustRead(FuncAbort, stack[0], stack[1])
	c.logger.Debug("Guest aborted",
		zap.String("execution_id", c.id),
		zap.String("message", string(msg)))
	panic(&AbortError{Message: string(msg)})
}

// instantiateDispatcher registers the env host module on rt. Every catalog
// function forwards to the import set of the execution found in ctx, so one
// host module serves all executions on the runtime.
func instantiateDispatcher(ctx context.Context, rt wazero.Runtime) error {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	builder := rt.NewHostModuleBuilder(HostModule)
	for _, name := range names {
		sig := catalog[name]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(dispatch(name), sig.params, sig.results).
			WithName(name).
			Export(name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate %s host module: %w", HostModule, err)
	}
	return nil
}

func dispatch(name string) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		c := callerFrom(ctx)
		if c == nil {
			trap(name, fmt.Errorf("called outside an execution"))
		}
		fn, ok := c.imports[name]
		if !ok {
			trap(name, errNotProvided)
		}
		fn.Fn(ctx, c, stack)
	}
}
