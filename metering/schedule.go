package metering

import "fmt"

// Schedule assigns a gas cost to each instruction category.
type Schedule struct {
	// Instruction is charged for every instruction not covered below,
	// including control flow, locals, globals and arithmetic.
	Instruction uint32 `mapstructure:"instruction" yaml:"instruction"`
	// Call is charged for call and call_indirect.
	Call uint32 `mapstructure:"call" yaml:"call"`
	// Memory is charged for every load and store.
	Memory uint32 `mapstructure:"memory" yaml:"memory"`
	// MemoryGrow is charged for memory.grow.
	MemoryGrow uint32 `mapstructure:"memory_grow" yaml:"memory_grow"`
	// Bulk is charged for bulk memory and table operations.
	Bulk uint32 `mapstructure:"bulk" yaml:"bulk"`
}

// DefaultSchedule returns the schedule used when none is configured.
func DefaultSchedule() Schedule {
	return Schedule{
		Instruction: 1,
		Call:        10,
		Memory:      2,
		MemoryGrow:  500,
		Bulk:        20,
	}
}

// Validate reports an error for a schedule that would let guest code run
// for free.
func (s Schedule) Validate() error {
	if s.Instruction == 0 {
		return fmt.Errorf("gas.schedule.instruction must be positive, got: %d", s.Instruction)
	}
	return nil
}

func (s Schedule) cost(c category) uint64 {
	switch c {
	case categoryCall:
		return uint64(s.Call)
	case categoryMemory:
		return uint64(s.Memory)
	case categoryGrow:
		return uint64(s.MemoryGrow)
	case categoryBulk:
		return uint64(s.Bulk)
	default:
		return uint64(s.Instruction)
	}
}
