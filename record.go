package interpose

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/interpose/modules"
)

// record tracks one module's allocator functions. Everything but valid,
// patched and trampoline is fixed before the first patch goes live, since
// wrappers read them without the engine lock.
type record struct {
	module modules.Module
	index  int // registry index, -1 for the main executable

	target [NumSlots]uintptr
	// native marks targets that already are one of our wrappers. They are
	// neither patched nor used as fallbacks.
	native [NumSlots]bool

	wrapper    [NumSlots]any
	trampoline [NumSlots]atomic.Value

	freeFallback        func(unsafe.Pointer)
	alignedFreeFallback func(unsafe.Pointer)
	msizeFallback       func(unsafe.Pointer) uintptr
	reallocFallback     func(unsafe.Pointer, uintptr) unsafe.Pointer

	// valid and patched are only touched under the engine lock.
	valid   bool
	patched bool
}

func newRecord(m modules.Module, index int) *record {
	return &record{module: m, index: index}
}

func (r *record) populated() bool {
	for _, t := range r.target {
		if t != 0 {
			return true
		}
	}
	return false
}

// claims reports whether any of r's slots targets addr.
func (r *record) claims(addr uintptr) bool {
	for _, t := range r.target {
		if t == addr {
			return true
		}
	}
	return false
}

func (r *record) trampolineFor(s Slot) any {
	return r.trampoline[s].Load()
}

// await returns the trampoline for s, waiting out the moment between a
// patch going live and its trampoline being stored.
func (r *record) await(s Slot) any {
	for {
		if tr := r.trampoline[s].Load(); tr != nil {
			return tr
		}
		runtime.Gosched()
	}
}

func (r *record) fallback(s Slot) bool {
	return r.target[s] != 0 && !r.native[s]
}

// bindFallbacks builds the calls wrappers make into the module's original
// code for pointers the core doesn't own.
func (r *record) bindFallbacks() {
	if r.fallback(SlotFree) {
		r.freeFallback = func(ptr unsafe.Pointer) {
			r.await(SlotFree).(FreeFunc)(ptr)
		}
	}

	r.alignedFreeFallback = r.freeFallback
	if r.fallback(SlotAlignedFree) {
		r.alignedFreeFallback = func(ptr unsafe.Pointer) {
			r.await(SlotAlignedFree).(FreeFunc)(ptr)
		}
	}

	if r.fallback(SlotMsize) {
		r.msizeFallback = func(ptr unsafe.Pointer) uintptr {
			return r.await(SlotMsize).(MsizeFunc)(ptr)
		}
	}

	if r.fallback(SlotRealloc) {
		r.reallocFallback = func(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
			return r.await(SlotRealloc).(ReallocFunc)(ptr, size)
		}
	}
}
