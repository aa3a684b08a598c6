package interpose

import "github.com/cockroachdb/errors"

// Fatal conditions. They are passed to Config.Fatal and, if that returns,
// out of the operation that hit them, marked so errors.Is matches through
// any wrapping.
var (
	// ErrDoublePatched means a module was about to be tracked twice.
	ErrDoublePatched = errors.New("module is already patched")

	ErrPatchFailed   = errors.New("patch failed")
	ErrUnpatchFailed = errors.New("unpatch failed")

	// ErrMissingRequiredSlot means a module has allocator exports but free
	// or realloc couldn't be claimed for it. Its wrappers can't route
	// foreign pointers without them.
	ErrMissingRequiredSlot = errors.New("module is missing a required allocator function")

	// ErrRegistryFull means more modules export allocator functions than
	// Config.Capacity allows.
	ErrRegistryFull = errors.New("module registry is full")
)
