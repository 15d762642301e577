package sandbox

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Caller is the per-execution state host functions operate on. It is
// carried in the call context; host functions never close over shared
// state.
type Caller struct {
	id         string
	provider   Provider
	imports    HostImports
	costs      HostCosts
	maxPayload uint32
	logger     *zap.Logger

	mem       api.Memory
	gas       api.MutableGlobal
	exhausted api.MutableGlobal
	allocate  api.Function
}

type callerKey struct{}

func withCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// ExecutionID identifies the execution the caller belongs to
func (c *Caller) ExecutionID() string {
	return c.id
}

// Provider returns the capability provider of the execution
func (c *Caller) Provider() Provider {
	return c.provider
}

// Costs returns the host gas costs in effect
func (c *Caller) Costs() HostCosts {
	return c.costs
}

// GasLeft returns the remaining gas.
func (c *Caller) GasLeft() uint64 {
	if c.gas == nil {
		return 0
	}
	return c.gas.Get()
}

// Charge deducts units from the gas counter shared with instrumented code.
// It panics with ErrOutOfGas when the counter cannot cover units; the
// engine turns the panic into a trap.
func (c *Caller) Charge(units uint64) {
	left := c.GasLeft()
	if units > left {
		if c.exhausted != nil {
			c.exhausted.Set(1)
		}
		panic(ErrOutOfGas)
	}
	c.gas.Set(left - units)
}

// chargeBytes charges base plus the per-byte cost of the given length
// arguments. Host functions call it before reading guest memory.
func (c *Caller) chargeBytes(base uint64, lengths ...uint64) {
	total := base
	for _, n := range lengths {
		hi, lo := bits.Mul64(c.costs.Byte, uint64(api.DecodeU32(n)))
		sum, carry := bits.Add64(total, lo, 0)
		if hi != 0 || carry != 0 {
			total = math.MaxUint64
			break
		}
		total = sum
	}
	c.Charge(total)
}

func (c *Caller) outOfGas() bool {
	return c.exhausted != nil && c.exhausted.Get() == 1
}

// Read copies length bytes at ptr out of guest memory.
func (c *Caller) Read(ptr, length uint32) ([]byte, error) {
	if c.maxPayload > 0 && length > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, length, c.maxPayload)
	}
	mem := c.mem
	if mem == nil || uint64(ptr)+uint64(length) > uint64(mem.Size()) {
		return nil, fmt.Errorf("%w: read [%d, %d)", ErrMemoryAccess, ptr, uint64(ptr)+uint64(length))
	}
	if length == 0 {
		return []byte{}, nil
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("%w: read [%d, %d)", ErrMemoryAccess, ptr, uint64(ptr)+uint64(length))
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// Write copies data into guest memory at ptr.
func (c *Caller) Write(ptr uint32, data []byte) error {
	mem := c.mem
	if mem == nil || uint64(ptr)+uint64(len(data)) > uint64(mem.Size()) {
		return fmt.Errorf("%w: write [%d, %d)", ErrMemoryAccess, ptr, uint64(ptr)+uint64(len(data)))
	}
	if len(data) == 0 {
		return nil
	}
	if !mem.Write(ptr, data) {
		return fmt.Errorf("%w: write [%d, %d)", ErrMemoryAccess, ptr, uint64(ptr)+uint64(len(data)))
	}
	return nil
}

// Return places data in a buffer obtained from the guest allocator and
// returns the packed region.
func (c *Caller) Return(ctx context.Context, data []byte) (uint64, error) {
	ptr, err := c.alloc(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := c.Write(ptr, data); err != nil {
		return 0, err
	}
	return PackPtrLen(ptr, uint32(len(data))), nil
}

func (c *Caller) alloc(ctx context.Context, size uint32) (uint32, error) {
	if c.allocate == nil {
		return 0, fmt.Errorf("guest does not export %s", AllocateExport)
	}
	res, err := c.allocate.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, fmt.Errorf("%s(%d): %w", AllocateExport, size, err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values", AllocateExport, len(res))
	}
	return api.DecodeU32(res[0]), nil
}
