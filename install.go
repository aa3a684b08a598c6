package interpose

import (
	"sync"
	"sync/atomic"
)

var (
	defaultOnce   sync.Once
	defaultErr    error
	defaultEngine atomic.Pointer[Engine]
)

// InstallInterception creates the process-wide Engine from cfg and installs
// it. Only the first call does anything; later calls return the same Engine
// and error, ignoring their cfg. Call it early, before observations need to
// be complete.
func InstallInterception(cfg Config) (*Engine, error) {
	defaultOnce.Do(func() {
		e, err := NewEngine(cfg)
		if err != nil {
			defaultErr = err
			return
		}
		defaultEngine.Store(e)
		defaultErr = e.Install()
	})
	return defaultEngine.Load(), defaultErr
}

// Default returns the Engine installed by InstallInterception, or nil.
func Default() *Engine {
	return defaultEngine.Load()
}
