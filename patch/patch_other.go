//go:build !amd64

package patch

import "reflect"

func install(uintptr, reflect.Type, any) (*patch, error) {
	return nil, ErrUnsupported
}

func supported(uintptr) bool {
	return false
}

func restore(uintptr, *patch) error {
	return ErrUnsupported
}

func resolve(addr uintptr) uintptr {
	return addr
}
