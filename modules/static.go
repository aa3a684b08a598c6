package modules

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNotLoaded is returned by Static.Unload for a module it doesn't list.
var ErrNotLoaded = errors.New("module is not loaded")

// Static is an enumerator over modules that are registered by hand. It is
// safe for concurrent use, including from inside a load hook.
type Static struct {
	mu      sync.RWMutex
	modules []Module
}

// NewStatic returns a Static listing mods in order.
func NewStatic(mods ...Module) *Static {
	s := &Static{}
	s.modules = append(s.modules, mods...)
	return s
}

// Load appends m to the list.
func (s *Static) Load(m Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append(s.modules, m)
}

// Unload removes the module with the same base and size as m.
func (s *Static) Unload(m Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.modules {
		if s.modules[i].SameAs(m) {
			s.modules = append(s.modules[:i], s.modules[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotLoaded, "unload %s", m)
}

// Enumerate returns a copy of the current list.
func (s *Static) Enumerate() ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mods := make([]Module, len(s.modules))
	copy(mods, s.modules)
	return mods, nil
}
