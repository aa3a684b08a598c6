package interpose

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Hook observes memory traffic. Methods are called synchronously on the
// goroutine that made the call, after the operation has completed, so a
// pointer passed to OnDeallocate or OnUnmap is already released. Hooks must
// not block and should not allocate through intercepted functions.
type Hook interface {
	OnAllocate(ptr unsafe.Pointer, size uintptr)
	OnDeallocate(ptr unsafe.Pointer)
	OnMap(ptr, requested unsafe.Pointer, size uintptr, prot, flags uint32)
	OnUnmap(ptr unsafe.Pointer, size uintptr)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Allocate   func(ptr unsafe.Pointer, size uintptr)
	Deallocate func(ptr unsafe.Pointer)
	Map        func(ptr, requested unsafe.Pointer, size uintptr, prot, flags uint32)
	Unmap      func(ptr unsafe.Pointer, size uintptr)
}

func (h HookFuncs) OnAllocate(ptr unsafe.Pointer, size uintptr) {
	if h.Allocate != nil {
		h.Allocate(ptr, size)
	}
}

func (h HookFuncs) OnDeallocate(ptr unsafe.Pointer) {
	if h.Deallocate != nil {
		h.Deallocate(ptr)
	}
}

func (h HookFuncs) OnMap(ptr, requested unsafe.Pointer, size uintptr, prot, flags uint32) {
	if h.Map != nil {
		h.Map(ptr, requested, size, prot, flags)
	}
}

func (h HookFuncs) OnUnmap(ptr unsafe.Pointer, size uintptr) {
	if h.Unmap != nil {
		h.Unmap(ptr, size)
	}
}

type hookEntry struct {
	id   uint64
	hook Hook
}

// hookList is copy-on-write: dispatch is a single atomic load and never
// waits on AddHook or a removal.
type hookList struct {
	mu     sync.Mutex
	nextID uint64
	list   atomic.Pointer[[]hookEntry]
}

func (l *hookList) add(h Hook) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID

	var cur []hookEntry
	if p := l.list.Load(); p != nil {
		cur = *p
	}
	next := make([]hookEntry, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, hookEntry{id: id, hook: h})
	l.list.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *hookList) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.list.Load()
	if p == nil {
		return
	}
	next := make([]hookEntry, 0, len(*p))
	for _, e := range *p {
		if e.id != id {
			next = append(next, e)
		}
	}
	l.list.Store(&next)
}

func (l *hookList) load() []hookEntry {
	if p := l.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *hookList) allocate(ptr unsafe.Pointer, size uintptr) {
	for _, e := range l.load() {
		e.hook.OnAllocate(ptr, size)
	}
}

func (l *hookList) deallocate(ptr unsafe.Pointer) {
	for _, e := range l.load() {
		e.hook.OnDeallocate(ptr)
	}
}

func (l *hookList) mapped(ptr, requested unsafe.Pointer, size uintptr, prot, flags uint32) {
	for _, e := range l.load() {
		e.hook.OnMap(ptr, requested, size, prot, flags)
	}
}

func (l *hookList) unmapped(ptr unsafe.Pointer, size uintptr) {
	for _, e := range l.load() {
		e.hook.OnUnmap(ptr, size)
	}
}
