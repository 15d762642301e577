package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagesFor(t *testing.T) {
	tests := []struct {
		bytes uint64
		pages uint32
	}{
		{0, 0},
		{PageSize - 1, 0},
		{PageSize, 1},
		{3*PageSize + 100, 3},
		{1 << 40, MaxPages},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.pages, PagesFor(tt.bytes), "bytes=%d", tt.bytes)
	}
}

func TestMemoryLimiterValidateMemory(t *testing.T) {
	l := NewMemoryLimiter(4 * PageSize)
	four, five := uint32(4), uint32(5)

	t.Run("within ceiling", func(t *testing.T) {
		assert.NoError(t, l.ValidateMemory(1, nil))
		assert.NoError(t, l.ValidateMemory(4, &four))
	})

	t.Run("minimum above ceiling", func(t *testing.T) {
		err := l.ValidateMemory(5, nil)
		var limitErr *LimitError
		require.ErrorAs(t, err, &limitErr)
		assert.Equal(t, uint64(5), limitErr.Requested)
		assert.Equal(t, uint32(4), limitErr.Limit)
	})

	t.Run("maximum above ceiling", func(t *testing.T) {
		err := l.ValidateMemory(1, &five)
		var limitErr *LimitError
		require.ErrorAs(t, err, &limitErr)
		assert.Equal(t, "declared maximum", limitErr.What)
	})
}

func TestMemoryLimiterAllocate(t *testing.T) {
	l := NewMemoryLimiter(2 * PageSize)
	mem := l.Allocate(PageSize, 10*PageSize)

	buf := mem.Reallocate(PageSize)
	require.Len(t, buf, PageSize)
	buf[10] = 7

	grown := mem.Reallocate(2 * PageSize)
	require.Len(t, grown, 2*PageSize)
	assert.Equal(t, byte(7), grown[10])
	assert.Zero(t, l.Denied())

	assert.Nil(t, mem.Reallocate(3*PageSize))
	assert.Equal(t, uint64(1), l.Denied())
	require.NotNil(t, l.LastDenied())
	assert.Equal(t, uint64(3), l.LastDenied().Requested)

	mem.Free()
}

func TestMemoryLimiterZeroCeiling(t *testing.T) {
	l := NewMemoryLimiter(PageSize - 1)
	assert.Equal(t, uint32(0), l.Pages())
	assert.Equal(t, uint64(0), l.Bytes())

	mem := l.Allocate(0, 0)
	assert.NotNil(t, mem.Reallocate(0))
	assert.Nil(t, mem.Reallocate(PageSize))
}
