package interpose

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentAllocateAndReconcile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	env := newTestEnv(t, Config{Capacity: 4})
	a := newFakeLib(env.proc, "a", 0x100000)
	env.load(a)
	require.NoError(t, env.engine.Install())

	rec := newRecorder()
	t.Cleanup(env.engine.AddHook(rec))

	var others []*fakeLib
	for i := 0; i < 3; i++ {
		others = append(others, newFakeLib(env.proc, fmt.Sprintf("lib%d", i), uintptr(i+2)<<20))
	}

	const (
		allocators  = 8
		reconcilers = 3
		iterations  = 500
	)

	var wg sync.WaitGroup
	for i := 0; i < allocators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				ptr := a.callMalloc("malloc")(uintptr(8 + j%128))
				if ptr == nil {
					t.Error("allocation failed")
					return
				}
				if j%3 == 0 {
					ptr = a.callRealloc()(ptr, 256)
				}
				a.callFree("free")(ptr)
			}
		}()
	}

	// Module changes are serialized with the reconcile that observes them,
	// the way a loader lock would.
	var loaderMu sync.Mutex
	cycle := func(l *fakeLib, load bool) error {
		loaderMu.Lock()
		defer loaderMu.Unlock()
		if load {
			env.load(l)
		} else {
			if err := env.mods.Unload(l.module); err != nil {
				return err
			}
			env.proc.unmap(l)
		}
		return env.engine.Reconcile()
	}

	for i := 0; i < reconcilers; i++ {
		l := others[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations/10; j++ {
				if err := cycle(l, true); err != nil {
					t.Error(err)
					return
				}
				if err := cycle(l, false); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-done:
				return
			default:
				env.engine.Snapshot()
			}
		}
	}()

	wg.Wait()
	close(done)
	readers.Wait()

	allocs, frees, live := rec.snapshot()
	assert.Equal(t, allocs, frees)
	assert.Zero(t, live)

	stats := env.core.Stats()
	assert.Zero(t, stats.LiveBlocks)
	assert.Zero(t, stats.ForeignFrees)
	assert.Equal(t, int32(0), a.frees.Load())
	assert.Empty(t, env.fatalErrors())
	assert.Equal(t, []string{"a"}, recordNames(env.engine.Snapshot()))
}
