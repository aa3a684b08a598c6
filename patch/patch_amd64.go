package patch

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
)

func install(target uintptr, typ reflect.Type, replacement any) (*patch, error) {
	original, err := funcCode(target)
	if err != nil {
		return nil, err
	}
	if len(original) < patchSize {
		return nil, errors.Newf("function is too short to patch (%d bytes)", len(original))
	}

	pt := &patch{replacement: replacement}
	copy(pt.saved[:], original)

	// One block holds the stub followed by the relocated original.
	size := stubSize + (len(original)+0xf)&^0xf
	pt.code, err = codeMem.write(size, func(buf []byte) error {
		closureStub(buf[:stubSize], uintptr(funcval(replacement)))

		clone, err := relocateFunc(original, buf[stubSize:])
		if err != nil {
			return err
		}
		pt.trampoline, pt.ref = makeFunc(typ, clone)
		return nil
	})
	if err != nil {
		return nil, err
	}

	stub := uintptr(unsafe.Pointer(unsafe.SliceData(pt.code)))
	word, err := jumpWord(target, stub, binary.LittleEndian.Uint64(pt.saved[:]))
	if err != nil {
		return nil, err
	}

	if err := writeEntry(original, target, word); err != nil {
		return nil, err
	}
	return pt, nil
}

// supported reports whether target is the entry of a Go function long
// enough to take the jump.
func supported(target uintptr) bool {
	code, err := funcCode(target)
	return err == nil && len(code) >= patchSize
}

func restore(target uintptr, pt *patch) error {
	entry := unsafe.Slice((*byte)(unsafe.Pointer(target)), patchSize)
	return writeEntry(entry, target, binary.LittleEndian.Uint64(pt.saved[:]))
}

func writeEntry(code []byte, target uintptr, word uint64) error {
	if err := mprotect(code[:patchSize], protRWX); err != nil {
		return errors.Wrap(err, "mprotect")
	}
	defer mprotect(code[:patchSize], protRX)

	storeWord(target, word)
	return nil
}
