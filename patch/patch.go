package patch

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnsupported is returned on platforms without a code patcher.
	ErrUnsupported = errors.New("code patching is not supported on this platform")

	ErrNotFunc        = errors.New("not a function")
	ErrAlreadyPatched = errors.New("target is already patched")
	ErrNotPatched     = errors.New("target is not patched")
)

// patchSize is how many bytes at a target's entry are rewritten. It is a
// whole word so the rewrite can be a single store.
const patchSize = 8

// Patcher redirects functions and remembers how to put them back. It is safe
// for concurrent use.
type Patcher struct {
	mu      sync.Mutex
	patches map[uintptr]*patch
}

type patch struct {
	// saved holds the bytes the jump overwrote.
	saved [patchSize]byte

	// replacement is kept so its closure stays reachable while the stub
	// refers to it.
	replacement any
	trampoline  any

	// code is the stub and relocated clone in the executable arena.
	code []byte
	ref  **byte
}

// New returns an empty Patcher.
func New() *Patcher {
	return &Patcher{
		patches: map[uintptr]*patch{},
	}
}

// Resolve follows the jumps that make up an import thunk, returning the
// address of the code that actually runs when addr is called.
func (p *Patcher) Resolve(addr uintptr) uintptr {
	return resolve(addr)
}

// CanPatch reports whether p knows how to patch target. Only the entry
// points of Go functions qualify; foreign code such as a C library's is
// rejected without being touched.
func (p *Patcher) CanPatch(target uintptr) bool {
	return target != 0 && supported(target)
}

// Patch redirects the function at target to replacement, which must be a non-nil
// func. The returned trampoline has replacement's type and runs the original
// code. The caller is responsible for replacement's signature matching
// target's.
func (p *Patcher) Patch(target uintptr, replacement any) (any, error) {
	fnv := reflect.ValueOf(replacement)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return nil, errors.Wrapf(ErrNotFunc, "replacement %T", replacement)
	}
	if target == 0 {
		return nil, errors.New("nil target")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.patches[target]; ok {
		return nil, errors.Wrapf(ErrAlreadyPatched, "%#x", target)
	}

	pt, err := install(target, fnv.Type(), replacement)
	if err != nil {
		return nil, errors.Wrapf(err, "patch %#x", target)
	}
	p.patches[target] = pt
	return pt.trampoline, nil
}

// Unpatch restores target's original entry. replacement and trampoline must
// be the values involved in the Patch call being undone. The trampoline stays
// valid afterwards because callers may still be running it.
func (p *Patcher) Unpatch(target uintptr, replacement, trampoline any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pt, ok := p.patches[target]
	if !ok {
		return errors.Wrapf(ErrNotPatched, "%#x", target)
	}
	if funcval(replacement) != funcval(pt.replacement) || funcval(trampoline) != funcval(pt.trampoline) {
		return errors.Newf("%#x was patched with a different replacement", target)
	}

	if err := restore(target, pt); err != nil {
		return errors.Wrapf(err, "unpatch %#x", target)
	}
	delete(p.patches, target)
	return nil
}

// Patched reports whether target is currently redirected by p.
func (p *Patcher) Patched(target uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.patches[target]
	return ok
}

// funcval returns the closure pointer inside a func held in an interface.
func funcval(fn any) unsafe.Pointer {
	if fn == nil {
		return nil
	}
	return (*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1]
}

// makeFunc convinces Go that code is a function of type typ.
func makeFunc(typ reflect.Type, code []byte) (any, **byte) {
	codeData := unsafe.SliceData(code)
	ref := &codeData
	return reflect.NewAt(typ, unsafe.Pointer(&ref)).Elem().Interface(), ref
}
