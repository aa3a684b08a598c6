package patch_test

import (
	"fmt"
	"reflect"

	"github.com/pboyd/interpose/patch"
)

//go:noinline
func answer(x int) int {
	return x * 6
}

func ExamplePatcher_Patch() {
	p := patch.New()
	target := reflect.ValueOf(answer).Pointer()

	replacement := func(x int) int { return x }
	tr, err := p.Patch(target, replacement)
	if err != nil {
		panic(err)
	}
	original := tr.(func(int) int)

	fmt.Println(answer(7), original(7))

	if err := p.Unpatch(target, replacement, tr); err != nil {
		panic(err)
	}
	fmt.Println(answer(7))
	// Output:
	// 7 42
	// 42
}
