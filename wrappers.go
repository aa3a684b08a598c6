package interpose

import "unsafe"

// wrapperFor returns the replacement installed over slot s of r. Every
// wrapper forwards to the core and notifies hooks after the core returns.
// Pointers the core doesn't own go to r's original functions.
func (e *Engine) wrapperFor(r *record, s Slot) any {
	switch s {
	case SlotMalloc, SlotNew, SlotNewArray, SlotNewNothrow, SlotNewArrayNothrow:
		return e.mallocWrapper()
	case SlotFree, SlotDelete, SlotDeleteArray, SlotDeleteNothrow, SlotDeleteArrayNothrow:
		return e.freeWrapper(r.freeFallback)
	case SlotAlignedFree:
		return e.freeWrapper(r.alignedFreeFallback)
	case SlotRealloc:
		return e.reallocWrapper(r)
	case SlotCalloc:
		return e.callocWrapper()
	case SlotMsize:
		return e.msizeWrapper(r)
	case SlotExpand:
		return e.expandWrapper()
	case SlotAlignedMalloc:
		return e.alignedMallocWrapper()
	}
	panic("unknown slot " + s.String())
}

func (e *Engine) mallocWrapper() MallocFunc {
	return func(size uintptr) unsafe.Pointer {
		ptr := e.cfg.Core.Allocate(size)
		if ptr != nil {
			e.hooks.allocate(ptr, size)
		}
		return ptr
	}
}

func (e *Engine) freeWrapper(fallback func(unsafe.Pointer)) FreeFunc {
	return func(ptr unsafe.Pointer) {
		if ptr == nil {
			return
		}
		e.cfg.Core.Free(ptr, fallback)
		e.hooks.deallocate(ptr)
	}
}

func (e *Engine) reallocWrapper(r *record) ReallocFunc {
	return func(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
		if ptr == nil {
			newPtr := e.cfg.Core.Allocate(size)
			if newPtr != nil {
				e.hooks.allocate(newPtr, size)
			}
			return newPtr
		}

		if size == 0 {
			e.cfg.Core.Free(ptr, r.freeFallback)
			e.hooks.deallocate(ptr)
			return nil
		}

		var newPtr unsafe.Pointer
		if r.msizeFallback == nil && r.reallocFallback != nil && !e.cfg.Core.Owns(ptr) {
			// Without a size the block can't be copied out, so the module
			// resizes it in its own heap.
			newPtr = r.reallocFallback(ptr, size)
		} else {
			newPtr = e.cfg.Core.Reallocate(ptr, size, r.freeFallback, r.msizeFallback)
		}
		if newPtr != nil {
			e.hooks.deallocate(ptr)
			e.hooks.allocate(newPtr, size)
		}
		return newPtr
	}
}

func (e *Engine) callocWrapper() CallocFunc {
	return func(n, size uintptr) unsafe.Pointer {
		ptr := e.cfg.Core.AllocateZeroed(n, size)
		if ptr != nil {
			e.hooks.allocate(ptr, n*size)
		}
		return ptr
	}
}

func (e *Engine) msizeWrapper(r *record) MsizeFunc {
	return func(ptr unsafe.Pointer) uintptr {
		return e.cfg.Core.SizeOf(ptr, r.msizeFallback)
	}
}

// expandWrapper never resizes in place. Callers fall back to realloc.
func (e *Engine) expandWrapper() ExpandFunc {
	return func(unsafe.Pointer, uintptr) unsafe.Pointer {
		return nil
	}
}

func (e *Engine) alignedMallocWrapper() AlignedMallocFunc {
	return func(size, align uintptr) unsafe.Pointer {
		ptr := e.cfg.Core.AlignedAllocate(align, size)
		if ptr != nil {
			e.hooks.allocate(ptr, size)
		}
		return ptr
	}
}
