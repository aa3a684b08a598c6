package interpose

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/pboyd/interpose/heap"
	"github.com/pboyd/interpose/modules"
	"github.com/stretchr/testify/require"
)

// fakeProcess stands in for a process's code: every address holds a Go
// function, and patching an address swaps in the replacement. It implements
// Patcher.
type fakeProcess struct {
	mu      sync.RWMutex
	code    map[uintptr]any
	patched map[uintptr]any
	thunks  map[uintptr]uintptr

	failPatch map[uintptr]error
	// badTrampoline makes Patch hand back a trampoline of the wrong type.
	badTrampoline bool
	// onPatch runs after each patch goes live, before Patch returns.
	onPatch func(target uintptr)

	patches   atomic.Int32
	unpatches atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		code:      map[uintptr]any{},
		patched:   map[uintptr]any{},
		thunks:    map[uintptr]uintptr{},
		failPatch: map[uintptr]error{},
	}
}

func (p *fakeProcess) define(addr uintptr, fn any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[addr] = fn
}

func (p *fakeProcess) thunk(from, to uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thunks[from] = to
}

func (p *fakeProcess) Resolve(addr uintptr) uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		next, ok := p.thunks[addr]
		if !ok {
			return addr
		}
		addr = next
	}
}

func (p *fakeProcess) CanPatch(addr uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.code[addr]
	return ok
}

func (p *fakeProcess) Patch(target uintptr, replacement any) (any, error) {
	p.mu.Lock()
	orig, ok := p.code[target]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Newf("no code at %#x", target)
	}
	if _, ok := p.patched[target]; ok {
		p.mu.Unlock()
		return nil, errors.Newf("%#x is already patched", target)
	}
	if err := p.failPatch[target]; err != nil {
		p.mu.Unlock()
		return nil, err
	}

	tr := reflect.ValueOf(orig).Convert(reflect.TypeOf(replacement)).Interface()
	if p.badTrampoline {
		tr = func(int) string { return "" }
	}
	p.patched[target] = replacement
	onPatch := p.onPatch
	p.mu.Unlock()

	p.patches.Add(1)
	if onPatch != nil {
		onPatch(target)
	}
	return tr, nil
}

func (p *fakeProcess) Unpatch(target uintptr, replacement, trampoline any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.patched[target]; !ok {
		return errors.Newf("%#x is not patched", target)
	}
	delete(p.patched, target)
	p.unpatches.Add(1)
	return nil
}

// unmap drops the patches over l's code, as unloading it would.
func (p *fakeProcess) unmap(l *fakeLib) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range l.exports {
		delete(p.patched, addr)
	}
}

func (p *fakeProcess) isPatched(addr uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.patched[addr]
	return ok
}

// call returns whatever currently runs when addr is called.
func (p *fakeProcess) call(addr uintptr) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if fn, ok := p.patched[addr]; ok {
		return fn
	}
	return p.code[addr]
}

// fakeLib is a module with its own allocator, backed by the Go heap.
type fakeLib struct {
	proc    *fakeProcess
	module  modules.Module
	exports modules.Exports

	mu     sync.Mutex
	blocks map[uintptr][]byte

	mallocs atomic.Int32
	frees   atomic.Int32
	sizes   atomic.Int32
}

var defaultLibExports = []string{"malloc", "free", "realloc", "_msize"}

// newFakeLib defines a module at base exporting names, each at its own
// address. With no names it exports defaultLibExports.
func newFakeLib(proc *fakeProcess, name string, base uintptr, names ...string) *fakeLib {
	if names == nil {
		names = defaultLibExports
	}

	l := &fakeLib{
		proc:    proc,
		exports: modules.Exports{},
		blocks:  map[uintptr][]byte{},
	}
	l.module = modules.Module{Name: name, Base: base, Size: 0x10000, Handle: l.exports}

	for i, export := range names {
		addr := base + uintptr(i+1)*0x100
		l.exports[export] = addr
		proc.define(addr, l.impl(export))
	}
	return l
}

func (l *fakeLib) impl(export string) any {
	switch export {
	case "malloc", "_Znwm", "_Znam", "_ZnwmRKSt9nothrow_t", "_ZnamRKSt9nothrow_t":
		return MallocFunc(l.malloc)
	case "free", "_ZdlPv", "_ZdaPv", "_ZdlPvRKSt9nothrow_t", "_ZdaPvRKSt9nothrow_t", "_aligned_free":
		return FreeFunc(l.free)
	case "realloc":
		return ReallocFunc(func(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
			newPtr := l.malloc(size)
			copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), min(size, l.msize(ptr))))
			l.free(ptr)
			return newPtr
		})
	case "calloc":
		return CallocFunc(func(n, size uintptr) unsafe.Pointer { return l.malloc(n * size) })
	case "_msize", "malloc_usable_size":
		return MsizeFunc(l.msize)
	case "_expand":
		return ExpandFunc(func(unsafe.Pointer, uintptr) unsafe.Pointer { return nil })
	case "_aligned_malloc":
		return AlignedMallocFunc(func(size, align uintptr) unsafe.Pointer { return l.malloc(size) })
	}
	// Anything else is some unrelated function.
	return func() {}
}

func (l *fakeLib) malloc(size uintptr) unsafe.Pointer {
	l.mallocs.Add(1)
	buf := make([]byte, max(size, 1))
	ptr := unsafe.Pointer(unsafe.SliceData(buf))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[uintptr(ptr)] = buf
	return ptr
}

func (l *fakeLib) free(ptr unsafe.Pointer) {
	l.frees.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocks, uintptr(ptr))
}

func (l *fakeLib) msize(ptr unsafe.Pointer) uintptr {
	l.sizes.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return uintptr(len(l.blocks[uintptr(ptr)]))
}

func (l *fakeLib) addr(export string) uintptr {
	return l.exports[export]
}

// Accessors for whatever currently runs at one of l's exports.

func (l *fakeLib) callMalloc(export string) MallocFunc {
	return l.proc.call(l.addr(export)).(MallocFunc)
}

func (l *fakeLib) callFree(export string) FreeFunc {
	return l.proc.call(l.addr(export)).(FreeFunc)
}

func (l *fakeLib) callRealloc() ReallocFunc {
	return l.proc.call(l.addr("realloc")).(ReallocFunc)
}

func (l *fakeLib) callMsize() MsizeFunc {
	return l.proc.call(l.addr("_msize")).(MsizeFunc)
}

// recorder is a Hook that remembers what it saw.
type recorder struct {
	mu     sync.Mutex
	events []string
	live   map[unsafe.Pointer]uintptr
	allocs int
	frees  int
	maps   int
	unmaps int
}

func newRecorder() *recorder {
	return &recorder{live: map[unsafe.Pointer]uintptr{}}
}

func (r *recorder) OnAllocate(ptr unsafe.Pointer, size uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocs++
	r.live[ptr] = size
	r.events = append(r.events, "alloc")
}

func (r *recorder) OnDeallocate(ptr unsafe.Pointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frees++
	delete(r.live, ptr)
	r.events = append(r.events, "free")
}

func (r *recorder) OnMap(ptr, requested unsafe.Pointer, size uintptr, prot, flags uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps++
	r.events = append(r.events, "map")
}

func (r *recorder) OnUnmap(ptr unsafe.Pointer, size uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmaps++
	r.events = append(r.events, "unmap")
}

func (r *recorder) snapshot() (allocs, frees int, live int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocs, r.frees, len(r.live)
}

// testEnv wires an Engine to fakes. Fatal errors are collected instead of
// panicking.
type testEnv struct {
	proc   *fakeProcess
	mods   *modules.Static
	core   *heap.Core
	engine *Engine

	mu     sync.Mutex
	fatals []error
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		proc: newFakeProcess(),
		mods: modules.NewStatic(),
	}

	core, err := heap.New(heap.Options{ArenaSize: 1 << 20})
	require.NoError(t, err)
	env.core = core

	cfg.Enumerator = env.mods
	cfg.Patcher = env.proc
	cfg.Core = core
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	cfg.Fatal = func(err error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.fatals = append(env.fatals, err)
	}

	env.engine, err = NewEngine(cfg)
	require.NoError(t, err)
	return env
}

func (env *testEnv) fatalErrors() []error {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]error(nil), env.fatals...)
}

func (env *testEnv) load(l *fakeLib) {
	env.mods.Load(l.module)
}

func (env *testEnv) unload(t *testing.T, l *fakeLib) {
	t.Helper()
	require.NoError(t, env.mods.Unload(l.module))
	env.proc.unmap(l)
}

func recordNames(snap Snapshot) []string {
	var names []string
	for _, r := range snap.Records {
		names = append(names, r.Module.Name)
	}
	return names
}

func findRecord(snap Snapshot, name string) (RecordInfo, bool) {
	for _, r := range snap.Records {
		if r.Module.Name == name {
			return r, true
		}
	}
	return RecordInfo{}, false
}
