package interpose

import (
	"reflect"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/pboyd/interpose/internal/spinlock"
	"github.com/pboyd/interpose/modules"
	"golang.org/x/exp/slog"
)

// Engine keeps a process's allocation entry points redirected to wrappers
// that forward to a Core and notify hooks. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	// lock serializes every change to reg.
	lock spinlock.SpinLock
	reg  *registry

	// owner is the goroutine holding lock, or 0.
	owner atomic.Int64

	// pending is set when the lock holder requested a reconcile from
	// inside its own critical section.
	pending atomic.Bool

	installed bool

	hooks hookList

	// wrapperPCs are the entry points of our wrapper code. A target that is
	// already one of them must not be patched again.
	wrapperPCs map[uintptr]struct{}
}

// NewEngine creates an Engine. Nothing is patched until Install or Reconcile.
func NewEngine(cfg Config) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		reg:    newRegistry(cfg.Capacity),
	}

	e.wrapperPCs = map[uintptr]struct{}{}
	scratch := newRecord(modules.Module{}, -1)
	for s := Slot(0); s < NumSlots; s++ {
		e.wrapperPCs[reflect.ValueOf(e.wrapperFor(scratch, s)).Pointer()] = struct{}{}
	}
	for s := OSSlot(0); s < NumOSSlots; s++ {
		e.wrapperPCs[reflect.ValueOf(e.osWrapperFor(&osRecord{}, s)).Pointer()] = struct{}{}
	}

	return e, nil
}

// AddHook registers h to observe memory traffic through the engine's
// wrappers. Call the returned function to unregister it.
func (e *Engine) AddHook(h Hook) (remove func()) {
	return e.hooks.add(h)
}

// Install reconciles the registry with the loaded modules and patches the OS
// function table. Calling it again only reconciles.
func (e *Engine) Install() error {
	mods, err := e.enumerate()
	if err != nil {
		return err
	}

	e.locked(func() {
		if err = e.reconcileLocked(mods); err != nil {
			return
		}
		if !e.installed {
			if err = e.patchOSFunctions(); err != nil {
				return
			}
			e.installed = true
		}
	})
	return err
}

// Reconcile brings the registry in line with the modules currently loaded:
// records for vanished modules are dropped, new modules are patched and the
// main executable is patched if it isn't yet. It blocks until it can take
// the engine lock, so it must not be called from a hook or wrapper; those
// paths request a reconcile instead.
func (e *Engine) Reconcile() error {
	mods, err := e.enumerate()
	if err != nil {
		return err
	}

	e.locked(func() {
		err = e.reconcileLocked(mods)
	})
	return err
}

// Uninstall restores every patched function. Trampolines stay valid for
// calls already in flight. A later Install starts from scratch.
func (e *Engine) Uninstall() error {
	var err error
	e.locked(func() {
		err = e.unpatchLocked()
	})
	return err
}

func (e *Engine) enumerate() ([]modules.Module, error) {
	mods, err := e.cfg.Enumerator.Enumerate()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate modules")
	}
	return mods, nil
}

// locked runs fn with the engine lock held, then runs any reconcile that
// was requested meanwhile.
func (e *Engine) locked(fn func()) {
	e.lock.Acquire()
	e.runLocked(fn)
	e.drain()
}

// runLocked runs fn and releases the lock, which the caller has acquired.
func (e *Engine) runLocked(fn func()) {
	e.owner.Store(goroutineID())
	defer func() {
		e.owner.Store(0)
		e.lock.Release()
	}()
	fn()
}

// requestReconcile reconciles before returning, waiting for the lock if
// another goroutine holds it. Called from code that already runs under the
// lock on this goroutine, it leaves the reconcile to run once the lock is
// released.
func (e *Engine) requestReconcile() {
	if e.owner.Load() == goroutineID() {
		e.pending.Store(true)
		return
	}

	mods, err := e.enumerate()
	if err != nil {
		e.logger.Warn("Requested reconcile failed", "error", err)
		return
	}
	e.locked(func() {
		err = e.reconcileLocked(mods)
	})
	if err != nil {
		e.logger.Warn("Requested reconcile failed", "error", err)
	}
}

func (e *Engine) drain() {
	for e.pending.Swap(false) {
		mods, err := e.enumerate()
		if err != nil {
			e.logger.Warn("Requested reconcile failed", "error", err)
			continue
		}

		if !e.lock.TryAcquire() {
			// The holder drains after it releases.
			e.pending.Store(true)
			return
		}
		e.runLocked(func() {
			err = e.reconcileLocked(mods)
		})
		if err != nil {
			e.logger.Warn("Requested reconcile failed", "error", err)
		}
	}
}

func (e *Engine) reconcileLocked(mods []modules.Module) error {
	e.logger.Debug("Reconciling modules", "count", len(mods))

	for _, r := range e.reg.invalidateAbsent(mods) {
		e.logger.Info("Module unloaded", "module", r.module.String(), "index", r.index)
	}

	// Anything valid now was loaded before this pass.
	var tracked []modules.Module
	for _, r := range e.reg.valid() {
		tracked = append(tracked, r.module)
	}

	for _, m := range mods {
		if m.Handle == nil {
			// The main executable is resolved from Config.Static below.
			continue
		}
		if containsModule(tracked, m) {
			continue
		}
		if r := e.reg.find(m); r != nil {
			return e.fail(errors.Wrapf(ErrDoublePatched, "%s is already tracked at index %d", m, r.index))
		}

		r := newRecord(m, -1)
		ok, err := e.populate(r, m.Handle)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if !e.reg.claim(r) {
			return e.fail(errors.Wrapf(ErrRegistryFull, "no room for %s (capacity %d)", m, len(e.reg.records)))
		}
		if err := e.patchRecord(r); err != nil {
			return err
		}
		e.logger.Info("Module patched", "module", m.String(), "index", r.index)
	}

	return e.patchMain()
}

// patchMain patches the main executable's record if that hasn't happened
// yet. It runs last so de-duplication sees every module record.
func (e *Engine) patchMain() error {
	if e.reg.main != nil || e.cfg.Static == nil {
		return nil
	}

	r := newRecord(modules.Module{Name: "main"}, -1)
	ok, err := e.populate(r, e.cfg.Static)
	if err != nil || !ok {
		return err
	}
	if err := e.patchRecord(r); err != nil {
		return err
	}
	e.reg.main = r
	e.logger.Info("Main executable patched")
	return nil
}

// populate resolves r's targets through sym, then drops targets that alias
// an earlier slot of r or any slot of another tracked record. It reports
// false if nothing is left.
func (e *Engine) populate(r *record, sym modules.Symbols) (bool, error) {
	for s := Slot(0); s < NumSlots; s++ {
		for _, name := range slots[s].exports {
			if addr, ok := sym.Lookup(name); ok {
				r.target[s] = e.cfg.Patcher.Resolve(addr)
				break
			}
		}
		if r.target[s] != 0 && !e.patchable(r.target[s]) {
			e.logger.Debug("Target can't be patched", "module", r.module.String(), "slot", s.String())
			r.target[s] = 0
		}
	}

	for s := Slot(0); s < NumSlots; s++ {
		if r.target[s] == 0 {
			continue
		}
		for earlier := Slot(0); earlier < s; earlier++ {
			if r.target[earlier] == r.target[s] {
				r.target[s] = 0
				break
			}
		}
	}

	for s := Slot(0); s < NumSlots; s++ {
		if r.target[s] != 0 && e.reg.claimed(r.target[s], r) {
			e.logger.Debug("Target already claimed", "module", r.module.String(), "slot", s.String())
			r.target[s] = 0
		}
	}

	if !r.populated() {
		e.logger.Debug("Module has no allocator symbols", "module", r.module.String())
		return false, nil
	}

	for _, s := range []Slot{SlotFree, SlotRealloc} {
		if r.target[s] == 0 {
			return false, e.fail(errors.Wrapf(ErrMissingRequiredSlot, "%s has no %s", r.module, s))
		}
	}

	for s := Slot(0); s < NumSlots; s++ {
		if _, ok := e.wrapperPCs[r.target[s]]; ok {
			r.native[s] = true
		}
	}

	r.bindFallbacks()
	for s := Slot(0); s < NumSlots; s++ {
		if r.target[s] != 0 {
			r.wrapper[s] = e.wrapperFor(r, s)
		}
	}
	return true, nil
}

// patchable reports whether addr is either one of our wrappers or code the
// patcher can redirect.
func (e *Engine) patchable(addr uintptr) bool {
	if _, ok := e.wrapperPCs[addr]; ok {
		return true
	}
	return e.cfg.Patcher.CanPatch(addr)
}

func (e *Engine) patchRecord(r *record) error {
	for _, s := range patchOrder {
		if r.target[s] == 0 || r.native[s] || r.trampolineFor(s) != nil {
			continue
		}

		tr, err := e.cfg.Patcher.Patch(r.target[s], r.wrapper[s])
		if err == nil {
			err = checkFuncType(slots[s].typ, tr)
		}
		if err != nil {
			return e.fail(errors.Mark(errors.Wrapf(err, "patch %s in %s", s, r.module), ErrPatchFailed))
		}
		r.trampoline[s].Store(tr)
	}

	r.valid = true
	r.patched = true
	return nil
}

func (e *Engine) unpatchLocked() error {
	records := e.reg.valid()
	if e.reg.main != nil {
		records = append(records, e.reg.main)
	}

	for _, r := range records {
		for _, s := range patchOrder {
			tr := r.trampolineFor(s)
			if tr == nil {
				continue
			}
			if err := e.cfg.Patcher.Unpatch(r.target[s], r.wrapper[s], tr); err != nil {
				return e.fail(errors.Mark(errors.Wrapf(err, "unpatch %s in %s", s, r.module), ErrUnpatchFailed))
			}
		}
		r.patched = false
		e.reg.release(r)
		e.logger.Info("Module unpatched", "module", r.module.String())
	}
	e.reg.main = nil

	if err := e.unpatchOSFunctions(); err != nil {
		return err
	}
	e.installed = false
	return nil
}

// fail reports a fatal error and returns it for when Config.Fatal doesn't
// panic.
func (e *Engine) fail(err error) error {
	e.logger.Error("Interception failed", "error", err)
	e.cfg.Fatal(err)
	return err
}

func containsModule(mods []modules.Module, m modules.Module) bool {
	for _, t := range mods {
		if t.SameAs(m) {
			return true
		}
	}
	return false
}
