package sandbox

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
)

const (
	// PageSize is the size of a WebAssembly memory page in bytes.
	PageSize = 65536
	// MaxPages is the largest page count of a 32-bit memory.
	MaxPages = 65536
)

// PagesFor converts a byte limit into whole pages, capped at MaxPages.
func PagesFor(limitBytes uint64) uint32 {
	pages := limitBytes / PageSize
	if pages > MaxPages {
		pages = MaxPages
	}
	return uint32(pages)
}

// MemoryLimiter caps linear memory at a fixed number of pages. It checks
// declared memories at compile time and, installed as the memory allocator
// of an instantiation, intercepts every growth of instance memory. The
// runtime keeps its own 4 GiB limit so that every growth request reaches
// the limiter. Tables and globals are not limited.
type MemoryLimiter struct {
	pages uint32

	mu       sync.Mutex
	denied   uint64
	lastDeny *LimitError
}

var _ experimental.MemoryAllocator = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a limiter allowing floor(limitBytes / PageSize)
// pages.
func NewMemoryLimiter(limitBytes uint64) *MemoryLimiter {
	return &MemoryLimiter{pages: PagesFor(limitBytes)}
}

// Pages returns the page ceiling
func (l *MemoryLimiter) Pages() uint32 {
	return l.pages
}

// Bytes returns the page ceiling in bytes
func (l *MemoryLimiter) Bytes() uint64 {
	return uint64(l.pages) * PageSize
}

// ValidateMemory rejects a declared memory whose minimum or maximum exceeds
// the ceiling. A minimum is never silently shrunk.
func (l *MemoryLimiter) ValidateMemory(min uint32, max *uint32) error {
	if min > l.pages {
		return &LimitError{What: "declared minimum", Requested: uint64(min), Limit: l.pages}
	}
	if max != nil && *max > l.pages {
		return &LimitError{What: "declared maximum", Requested: uint64(*max), Limit: l.pages}
	}
	return nil
}

// Allocate implements experimental.MemoryAllocator.
func (l *MemoryLimiter) Allocate(capacity, _ uint64) experimental.LinearMemory {
	if capacity > l.Bytes() {
		capacity = l.Bytes()
	}
	return &linearMemory{limiter: l, buf: make([]byte, 0, capacity)}
}

// Denied returns how many growth requests were refused.
func (l *MemoryLimiter) Denied() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}

// LastDenied returns the most recent refused request, or nil.
func (l *MemoryLimiter) LastDenied() *LimitError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDeny
}

func (l *MemoryLimiter) deny(size uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denied++
	l.lastDeny = &LimitError{
		What:      "memory growth",
		Requested: (size + PageSize - 1) / PageSize,
		Limit:     l.pages,
	}
}

type linearMemory struct {
	limiter *MemoryLimiter
	buf     []byte
}

// Reallocate returns nil when size exceeds the ceiling, which the engine
// reports to the guest as memory.grow returning -1.
func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > m.limiter.Bytes() {
		m.limiter.deny(size)
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	newCap := uint64(cap(m.buf)) * 2
	if newCap < size {
		newCap = size
	}
	if newCap > m.limiter.Bytes() {
		newCap = m.limiter.Bytes()
	}
	buf := make([]byte, size, newCap)
	copy(buf, m.buf)
	m.buf = buf
	return buf
}

func (m *linearMemory) Free() {
	m.buf = nil
}
