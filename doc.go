// Intercept a process's memory allocation functions
//
// An Engine finds the malloc family (and the C++ operators, _msize and
// friends) in every loaded module, redirects each to a wrapper that
// allocates from a Core and reports to hooks, and keeps doing so as modules
// come and go. Pointers the Core didn't allocate, such as blocks from before
// interception started, are handed back to the original functions of the
// module that owns them.
//
//	e, err := interpose.InstallInterception(interpose.Config{
//		Static: modules.FuncTable{"malloc": cMalloc, "free": cFree, "realloc": cRealloc},
//	})
//	if err != nil {
//		...
//	}
//	e.AddHook(interpose.HookFuncs{
//		Allocate: func(ptr unsafe.Pointer, size uintptr) { ... },
//	})
//
// Limitations:
//   - The default patcher only supports Go functions on amd64
//   - Hooks run inside allocation calls and must not allocate through them
//   - Modules are identified by base address and size only
package interpose
