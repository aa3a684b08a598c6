package patch

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/pboyd/malloc"
)

const arenaSize = 1 << 16

// codeArena hands out executable memory. The arena is writable only while
// write is filling a block.
type codeArena struct {
	mu      sync.Mutex
	arena   *malloc.Arena
	protect func(int) error
}

var codeMem = &codeArena{}

func (a *codeArena) init() error {
	if a.arena != nil {
		return nil
	}

	be := malloc.MmapBackend(malloc.MmapProt(protExec), malloc.MmapFlags(mapCodeFlags))
	if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
		a.protect = protBE.Protect
	} else {
		a.protect = func(int) error {
			return nil
		}
	}

	a.arena = malloc.NewArena(arenaSize, malloc.Backend(be))
	if a.arena == nil {
		return errors.New("unable to initialize code arena")
	}
	return nil
}

// write allocates size bytes and passes them to fill while they can be
// written. The block is freed if fill fails.
func (a *codeArena) write(size int, fill func([]byte) error) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return nil, err
	}

	if err := a.protect(protRWX); err != nil {
		return nil, errors.Wrap(err, "unprotect code arena")
	}
	defer a.protect(protRX)

	buf, err := malloc.MallocSlice[byte](a.arena, size)
	if err != nil {
		return nil, errors.Wrap(err, "allocate code")
	}

	if err := fill(buf); err != nil {
		malloc.FreeSlice(a.arena, buf)
		return nil, err
	}
	return buf, nil
}
