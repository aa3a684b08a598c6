package interpose

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// osRecord is the table of OS-level functions. Unlike module records it is
// patched once, by Install.
type osRecord struct {
	target     [NumOSSlots]uintptr
	trampoline [NumOSSlots]atomic.Value
	wrapper    [NumOSSlots]any
	patched    bool
}

func (o *osRecord) claims(addr uintptr) bool {
	for _, t := range o.target {
		if t == addr {
			return true
		}
	}
	return false
}

func (o *osRecord) await(s OSSlot) any {
	for {
		if tr := o.trampoline[s].Load(); tr != nil {
			return tr
		}
		runtime.Gosched()
	}
}

// patchOSFunctions resolves and patches each OS function Config.System
// knows about. Missing ones are skipped.
func (e *Engine) patchOSFunctions() error {
	if e.cfg.System == nil {
		return nil
	}

	o := e.reg.os
	for s := OSSlot(0); s < NumOSSlots; s++ {
		if o.trampoline[s].Load() != nil {
			continue
		}

		var addr uintptr
		for _, name := range osSlots[s].exports {
			if a, ok := e.cfg.System.Lookup(name); ok {
				addr = e.cfg.Patcher.Resolve(a)
				break
			}
		}
		if addr == 0 {
			e.logger.Debug("OS function not found", "slot", s.String())
			continue
		}
		if _, ok := e.wrapperPCs[addr]; ok {
			continue
		}
		if !e.cfg.Patcher.CanPatch(addr) {
			e.logger.Debug("OS function can't be patched", "slot", s.String())
			continue
		}
		if e.osClaimed(addr) {
			e.logger.Debug("OS function already patched as an allocator function", "slot", s.String())
			continue
		}

		o.target[s] = addr
		o.wrapper[s] = e.osWrapperFor(o, s)

		tr, err := e.cfg.Patcher.Patch(addr, o.wrapper[s])
		if err == nil {
			err = checkFuncType(osSlots[s].typ, tr)
		}
		if err != nil {
			o.target[s] = 0
			return e.fail(errors.Mark(errors.Wrapf(err, "patch OS function %s", s), ErrPatchFailed))
		}
		o.trampoline[s].Store(tr)
	}

	o.patched = true
	e.logger.Info("OS functions patched")
	return nil
}

func (e *Engine) osClaimed(addr uintptr) bool {
	for _, r := range e.reg.valid() {
		if r.claims(addr) {
			return true
		}
	}
	return e.reg.main != nil && e.reg.main.claims(addr)
}

func (e *Engine) unpatchOSFunctions() error {
	o := e.reg.os
	for s := OSSlot(0); s < NumOSSlots; s++ {
		tr := o.trampoline[s].Load()
		if tr == nil {
			continue
		}
		if err := e.cfg.Patcher.Unpatch(o.target[s], o.wrapper[s], tr); err != nil {
			return e.fail(errors.Mark(errors.Wrapf(err, "unpatch OS function %s", s), ErrUnpatchFailed))
		}
	}

	// Trampolines are never cleared, so the next Install gets a fresh table.
	e.reg.os = &osRecord{}
	return nil
}

// osWrapperFor returns the replacement for OS function s, bound to table o.
// Hooks see only successful calls.
func (e *Engine) osWrapperFor(o *osRecord, s OSSlot) any {
	switch s {
	case OSHeapAlloc:
		return HeapAllocFunc(func(heap uintptr, flags uint32, size uintptr) unsafe.Pointer {
			ptr := o.await(s).(HeapAllocFunc)(heap, flags, size)
			if ptr != nil {
				e.hooks.allocate(ptr, size)
			}
			return ptr
		})
	case OSHeapFree:
		return HeapFreeFunc(func(heap uintptr, flags uint32, ptr unsafe.Pointer) bool {
			ok := o.await(s).(HeapFreeFunc)(heap, flags, ptr)
			if ok && ptr != nil {
				e.hooks.deallocate(ptr)
			}
			return ok
		})
	case OSMapAnon:
		return MapAnonFunc(func(addr unsafe.Pointer, size uintptr, prot, flags uint32) unsafe.Pointer {
			ptr := o.await(s).(MapAnonFunc)(addr, size, prot, flags)
			if ptr != nil {
				e.hooks.mapped(ptr, addr, size, prot, flags)
			}
			return ptr
		})
	case OSUnmapAnon:
		return UnmapAnonFunc(func(addr unsafe.Pointer, size uintptr, flags uint32) bool {
			ok := o.await(s).(UnmapAnonFunc)(addr, size, flags)
			if ok {
				e.hooks.unmapped(addr, size)
			}
			return ok
		})
	case OSMapFile:
		// A file view is always released whole, so it's reported like an
		// allocation rather than a mapping.
		return MapFileFunc(func(mapping uintptr, access uint32, offset uint64, size uintptr, addr unsafe.Pointer) unsafe.Pointer {
			ptr := o.await(s).(MapFileFunc)(mapping, access, offset, size, addr)
			if ptr != nil {
				e.hooks.allocate(ptr, size)
			}
			return ptr
		})
	case OSUnmapFile:
		return UnmapFileFunc(func(addr unsafe.Pointer) bool {
			ok := o.await(s).(UnmapFileFunc)(addr)
			if ok {
				e.hooks.deallocate(addr)
			}
			return ok
		})
	case OSLoadLibrary:
		return LoadLibraryFunc(func(name string, flags uint32) uintptr {
			handle := o.await(s).(LoadLibraryFunc)(name, flags)
			e.requestReconcile()
			return handle
		})
	case OSFreeLibrary:
		return FreeLibraryFunc(func(handle uintptr) bool {
			ok := o.await(s).(FreeLibraryFunc)(handle)
			e.requestReconcile()
			return ok
		})
	}
	panic("unknown OS slot " + s.String())
}
