package interpose

import (
	"testing"

	"github.com/pboyd/interpose/modules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallInterception(t *testing.T) {
	proc := newFakeProcess()
	mods := modules.NewStatic()
	a := newFakeLib(proc, "a", 0x100000)
	mods.Load(a.module)

	e, err := InstallInterception(Config{Enumerator: mods, Patcher: proc})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Same(t, e, Default())
	assert.True(t, proc.isPatched(a.addr("malloc")))

	// Later calls don't create another engine.
	again, err := InstallInterception(Config{Enumerator: modules.NewStatic(), Patcher: newFakeProcess()})
	require.NoError(t, err)
	assert.Same(t, e, again)

	require.NoError(t, e.Uninstall())
}

// The default enumerator reports every mapped image, including C libraries
// the default patcher can't touch. Those must be left alone.
func TestEngine_DefaultConfig(t *testing.T) {
	var fatals []error
	e, err := NewEngine(Config{
		Fatal: func(err error) { fatals = append(fatals, err) },
	})
	require.NoError(t, err)

	require.NoError(t, e.Install())
	assert.Empty(t, fatals)
	assert.Empty(t, e.Snapshot().Records)

	require.NoError(t, e.Reconcile())
	require.NoError(t, e.Uninstall())
	assert.Empty(t, fatals)
}
