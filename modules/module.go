// Package modules describes the code modules loaded into a process and how to
// find exported functions in them.
package modules

import (
	"fmt"
	"reflect"
)

// Module describes one loaded module.
type Module struct {
	Name string
	Base uintptr
	Size uintptr

	// Handle resolves the module's exports. It is nil for the main
	// executable, whose functions are known when the program is built.
	Handle Symbols
}

// Contains reports whether addr falls inside the module's image.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

// SameAs reports whether m and o are the same physical module.
func (m Module) SameAs(o Module) bool {
	return m.Base == o.Base && m.Size == o.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s@%#x+%#x", m.Name, m.Base, m.Size)
}

// Enumerator lists the modules currently loaded. Implementations must be
// safe to call from inside a library load or unload hook.
type Enumerator interface {
	Enumerate() ([]Module, error)
}

// Symbols looks up exported functions by name.
type Symbols interface {
	// Lookup returns the entry address of the named function, or false if
	// the module doesn't export it.
	Lookup(name string) (uintptr, bool)
}

// Exports is a fixed table of name to address.
type Exports map[string]uintptr

func (e Exports) Lookup(name string) (uintptr, bool) {
	addr, ok := e[name]
	return addr, ok && addr != 0
}

// FuncTable resolves names to the entry points of Go functions.
//
//	modules.FuncTable{"malloc": myMalloc, "free": myFree}
type FuncTable map[string]any

func (t FuncTable) Lookup(name string) (uintptr, bool) {
	fn, ok := t[name]
	if !ok || fn == nil {
		return 0, false
	}

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return 0, false
	}
	return fnv.Pointer(), true
}

// Chain tries each Symbols in turn.
type Chain []Symbols

func (c Chain) Lookup(name string) (uintptr, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if addr, ok := s.Lookup(name); ok {
			return addr, true
		}
	}
	return 0, false
}
