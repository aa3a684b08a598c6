package patch

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// funcInfo mirrors runtime.funcInfo. Only the module pointer is read.
type funcInfo struct {
	fn    unsafe.Pointer // *runtime._func, or nil if not found
	datap *moduledata
}

// moduledata mirrors the leading fields of runtime.moduledata, which the
// linker writes. Fields past etext are never read and are left out.
type moduledata struct {
	_ unsafe.Pointer // pcHeader
	_ [5][]byte      // funcnametab, cutab, filetab, pctab, pclntable

	ftab []functab
	_    uintptr // findfunctab

	minpc, maxpc uintptr
	text, etext  uintptr
}

type functab struct {
	entryoff uint32 // relative to moduledata.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcCode returns the machine code of the Go function starting at entry,
// including any padding up to the next function.
func funcCode(entry uintptr) ([]byte, error) {
	info := findfunc(entry)
	if info.fn == nil || info.datap == nil {
		return nil, errors.Newf("no Go function at %#x", entry)
	}

	datap := info.datap
	if entry < datap.text || entry >= datap.etext {
		return nil, errors.Newf("%#x is outside the text segment", entry)
	}

	offset := uint32(entry - datap.text)

	// entryOff is the first field of runtime._func.
	if *(*uint32)(info.fn) != offset {
		return nil, errors.Newf("%#x is not the start of a function", entry)
	}

	length := uint32(datap.etext - entry)

	// The length is the distance to whichever function comes next.
	for _, ft := range datap.ftab {
		if ft.entryoff <= offset {
			continue
		}
		if n := ft.entryoff - offset; n < length {
			length = n
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), length), nil
}
