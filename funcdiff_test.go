package interpose

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestCheckFuncType(t *testing.T) {
	want := reflect.TypeFor[ReallocFunc]()

	t.Run("match", func(t *testing.T) {
		assert.NoError(t, checkFuncType(want, ReallocFunc(func(unsafe.Pointer, uintptr) unsafe.Pointer { return nil })))
	})

	t.Run("nil func", func(t *testing.T) {
		var fn ReallocFunc
		assert.ErrorContains(t, checkFuncType(want, fn), "nil")
	})

	t.Run("not a function", func(t *testing.T) {
		assert.ErrorContains(t, checkFuncType(want, 42), "not a function")
		assert.ErrorContains(t, checkFuncType(want, nil), "not a function")
	})

	t.Run("different number of inputs", func(t *testing.T) {
		err := checkFuncType(want, func(unsafe.Pointer) unsafe.Pointer { return nil })
		assert.ErrorContains(t, err, "argument 1: uintptr != <nil>")
	})

	t.Run("different input types", func(t *testing.T) {
		err := checkFuncType(want, func(unsafe.Pointer, int) unsafe.Pointer { return nil })
		assert.ErrorContains(t, err, "argument 1: uintptr != int")
	})

	t.Run("different output types", func(t *testing.T) {
		err := checkFuncType(want, func(unsafe.Pointer, uintptr) uintptr { return 0 })
		assert.ErrorContains(t, err, "output 0: unsafe.Pointer != uintptr")
	})

	t.Run("same shape, different named type", func(t *testing.T) {
		err := checkFuncType(reflect.TypeFor[MallocFunc](), func(uintptr) unsafe.Pointer { return nil })
		assert.ErrorContains(t, err, "trampoline is func(uintptr) unsafe.Pointer")
	})
}
