// Package heap is the allocator behind intercepted allocation calls. Blocks
// come from an mmap-backed arena; every block it hands out is indexed so
// pointers it doesn't own can be routed back to whoever did allocate them.
package heap

import (
	"io"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pboyd/malloc"
	"golang.org/x/exp/slog"
)

const defaultArenaSize = 1 << 20

// ErrAlignment is returned by CheckAlignment for an alignment that is not a
// power of two.
var ErrAlignment = errors.New("alignment must be a power of two")

// Options configures a Core.
type Options struct {
	// ArenaSize is the initial arena size in bytes.
	ArenaSize int
	Logger    *slog.Logger
}

// Core allocates from a private arena and tracks what it owns. It is safe
// for concurrent use.
type Core struct {
	logger *slog.Logger

	mu    sync.Mutex
	arena *malloc.Arena
	owned *swiss.Map[uintptr, block]
	stats Statistics
}

type block struct {
	// buf is what the arena gave us. For aligned blocks the caller's pointer
	// is somewhere inside it.
	buf  []byte
	size uintptr
}

// New creates a Core.
func New(opts Options) (*Core, error) {
	size := opts.ArenaSize
	if size <= 0 {
		size = defaultArenaSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	arena := malloc.NewArena(uint64(size), malloc.Backend(malloc.MmapBackend(malloc.MmapProt(protReadWrite))))
	if arena == nil {
		return nil, errors.New("unable to initialize arena")
	}

	return &Core{
		logger: logger,
		arena:  arena,
		owned:  swiss.NewMap[uintptr, block](64),
	}, nil
}

// Owns reports whether ptr was allocated by c and not yet freed.
func (c *Core) Owns(ptr unsafe.Pointer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned.Has(uintptr(ptr))
}

// Allocate returns a block of at least size bytes, or nil if the arena is
// exhausted. A zero size still returns a unique pointer.
func (c *Core) Allocate(size uintptr) unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocateLocked(size, 1)
}

// AllocateZeroed allocates n*size zeroed bytes. It returns nil on overflow.
func (c *Core) AllocateZeroed(n, size uintptr) unsafe.Pointer {
	hi, total := bits.Mul64(uint64(n), uint64(size))
	if hi != 0 || uint64(uintptr(total)) != total {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ptr := c.allocateLocked(uintptr(total), 1)
	if ptr != nil {
		clear(unsafe.Slice((*byte)(ptr), uintptr(total)))
	}
	return ptr
}

// AlignedAllocate returns a block of size bytes whose address is a multiple
// of align. It returns nil if align is not a power of two.
func (c *Core) AlignedAllocate(align, size uintptr) unsafe.Pointer {
	if CheckAlignment(align) != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocateLocked(size, align)
}

// Free releases ptr if c owns it. Otherwise, ptr is handed to fallback,
// which should be the free function of whichever allocator produced it.
func (c *Core) Free(ptr unsafe.Pointer, fallback func(unsafe.Pointer)) {
	if ptr == nil {
		return
	}

	c.mu.Lock()
	b, ok := c.owned.Get(uintptr(ptr))
	if ok {
		c.freeLocked(uintptr(ptr), b)
		c.mu.Unlock()
		return
	}
	c.stats.ForeignFrees++
	c.mu.Unlock()

	if fallback == nil {
		c.logger.Warn("heap: dropping free of foreign pointer with no fallback", "ptr", uintptr(ptr))
		return
	}
	fallback(ptr)
}

// Reallocate resizes ptr to size bytes, moving it if necessary. A foreign
// ptr is copied into a new block using fallbackSize to learn how much to
// copy, then released with fallbackFree. Without fallbackSize a foreign
// block can't be resized and Reallocate returns nil, leaving ptr alone.
//
// Reallocate with a nil ptr or a zero size is the caller's problem; it's
// treated as a plain allocation or a resize to zero bytes.
func (c *Core) Reallocate(ptr unsafe.Pointer, size uintptr, fallbackFree func(unsafe.Pointer), fallbackSize func(unsafe.Pointer) uintptr) unsafe.Pointer {
	if ptr == nil {
		return c.Allocate(size)
	}

	c.mu.Lock()
	if b, ok := c.owned.Get(uintptr(ptr)); ok {
		defer c.mu.Unlock()
		return c.reallocateLocked(ptr, b, size)
	}
	c.mu.Unlock()

	if fallbackSize == nil {
		c.logger.Warn("heap: cannot resize foreign pointer without a size function", "ptr", uintptr(ptr))
		return nil
	}
	oldSize := fallbackSize(ptr)

	newPtr := c.Allocate(size)
	if newPtr == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), min(oldSize, size)))

	c.mu.Lock()
	c.stats.ForeignReallocs++
	c.mu.Unlock()

	if fallbackFree != nil {
		fallbackFree(ptr)
	}
	return newPtr
}

// SizeOf returns the usable size of ptr. Foreign pointers are measured with
// fallback; without one their size is reported as zero.
func (c *Core) SizeOf(ptr unsafe.Pointer, fallback func(unsafe.Pointer) uintptr) uintptr {
	if ptr == nil {
		return 0
	}

	c.mu.Lock()
	b, ok := c.owned.Get(uintptr(ptr))
	c.mu.Unlock()
	if ok {
		return b.size
	}

	if fallback == nil {
		return 0
	}
	return fallback(ptr)
}

// CheckAlignment returns ErrAlignment if align is not a power of two.
func CheckAlignment(align uintptr) error {
	if align == 0 || align&(align-1) != 0 {
		return errors.Wrapf(ErrAlignment, "alignment %d", align)
	}
	return nil
}

func (c *Core) allocateLocked(size, align uintptr) unsafe.Pointer {
	n := size
	if n == 0 {
		n = 1
	}
	if align > 1 {
		n += align - 1
	}

	buf, err := malloc.MallocSlice[byte](c.arena, int(n))
	if err != nil {
		c.stats.Failures++
		c.logger.Debug("heap: allocation failed", "size", size, "error", err)
		return nil
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if align > 1 {
		addr = (addr + align - 1) &^ (align - 1)
	}

	c.owned.Put(addr, block{buf: buf, size: size})
	c.stats.Allocations++
	c.stats.LiveBlocks++
	c.stats.LiveBytes += uint64(size)
	return unsafe.Pointer(addr)
}

func (c *Core) freeLocked(addr uintptr, b block) {
	c.owned.Delete(addr)
	malloc.FreeSlice(c.arena, b.buf)
	c.stats.Frees++
	c.stats.LiveBlocks--
	c.stats.LiveBytes -= uint64(b.size)
}

func (c *Core) reallocateLocked(ptr unsafe.Pointer, b block, size uintptr) unsafe.Pointer {
	addr := uintptr(ptr)
	offset := addr - uintptr(unsafe.Pointer(unsafe.SliceData(b.buf)))

	// Shrinking, or growing into slack the arena already gave us, stays put.
	if offset+size <= uintptr(len(b.buf)) && size > 0 {
		c.stats.LiveBytes = c.stats.LiveBytes - uint64(b.size) + uint64(size)
		b.size = size
		c.owned.Put(addr, b)
		c.stats.Reallocs++
		return ptr
	}

	newPtr := c.allocateLocked(size, 1)
	if newPtr == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), min(b.size, size)))
	c.freeLocked(addr, b)
	c.stats.Reallocs++
	return newPtr
}
