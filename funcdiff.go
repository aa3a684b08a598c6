package interpose

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

// checkFuncType returns an error describing how fn differs from want, or
// nil if fn is a func of exactly that type.
func checkFuncType(want reflect.Type, fn any) error {
	got := reflect.TypeOf(fn)
	if got == nil || got.Kind() != reflect.Func {
		return errors.Newf("trampoline is %T, not a function", fn)
	}
	if got == want {
		if reflect.ValueOf(fn).IsNil() {
			return errors.New("trampoline is nil")
		}
		return nil
	}

	errs := []error{errors.Newf("trampoline is %v, want %v", got, want)}
	for _, d := range diffArgs(want.NumIn(), got.NumIn(), want.In, got.In) {
		errs = append(errs, errors.Newf("argument %d: %v", d.Index, d))
	}
	for _, d := range diffArgs(want.NumOut(), got.NumOut(), want.Out, got.Out) {
		errs = append(errs, errors.Newf("output %d: %v", d.Index, d))
	}
	return errors.Join(errs...)
}

type argDifference struct {
	Index int
	Want  reflect.Type
	Got   reflect.Type
}

func (d argDifference) String() string {
	return fmt.Sprintf("%v != %v", d.Want, d.Got)
}

// diffArgs compares two argument lists position by position. Positions
// that only one side has are reported against nil.
func diffArgs(nWant, nGot int, want, got func(int) reflect.Type) []argDifference {
	var diffs []argDifference
	for i := 0; i < max(nWant, nGot); i++ {
		d := argDifference{Index: i}
		if i < nWant {
			d.Want = want(i)
		}
		if i < nGot {
			d.Got = got(i)
		}
		if d.Want != d.Got {
			diffs = append(diffs, d)
		}
	}
	return diffs
}
