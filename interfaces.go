package interpose

import (
	"unsafe"

	"github.com/pboyd/interpose/heap"
	"github.com/pboyd/interpose/patch"
)

// Patcher redirects machine code functions. See package patch for the
// implementation used by default.
type Patcher interface {
	// Resolve follows import thunks from target to the code that runs.
	Resolve(target uintptr) uintptr

	// CanPatch reports whether Patch can handle target. Targets it rejects
	// are left alone, and a module left with none is not tracked.
	CanPatch(target uintptr) bool

	// Patch installs replacement at target, visible atomically to
	// concurrent callers, and returns a trampoline of replacement's type
	// that runs the original code.
	Patch(target uintptr, replacement any) (trampoline any, err error)

	// Unpatch undoes a Patch.
	Unpatch(target uintptr, replacement, trampoline any) error
}

// Core is the allocator the wrappers forward to. Pointers it doesn't own are
// handed to the fallbacks, which run the owning module's original code.
type Core interface {
	Owns(ptr unsafe.Pointer) bool
	Allocate(size uintptr) unsafe.Pointer
	AllocateZeroed(n, size uintptr) unsafe.Pointer
	AlignedAllocate(align, size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer, fallback func(unsafe.Pointer))
	Reallocate(ptr unsafe.Pointer, size uintptr, fallbackFree func(unsafe.Pointer), fallbackSize func(unsafe.Pointer) uintptr) unsafe.Pointer
	SizeOf(ptr unsafe.Pointer, fallback func(unsafe.Pointer) uintptr) uintptr
}

var (
	_ Patcher = (*patch.Patcher)(nil)
	_ Core    = (*heap.Core)(nil)
)
