// Package patch redirects machine code functions to Go replacements.
//
// A patched function's entry is overwritten with a jump to a small stub that
// loads the replacement's closure context and jumps into it, so closures and
// method values work as replacements. The original code is copied and
// relocated before it is overwritten; that copy is returned as a trampoline
// with the replacement's type, so the replacement can still reach the
// behavior it replaced.
//
// Limitations:
//   - Only amd64 is supported; elsewhere every Patch fails with ErrUnsupported
//   - Targets must be Go functions the runtime knows about
//   - Inlined call sites are not redirected
//   - Trampolines live outside the runtime's function tables. The runtime
//     can't walk a stack with one on it, so the original code must not
//     allocate, grow the stack or panic when reached through its trampoline
//   - Relies on internal Go APIs that can break at any time
package patch
