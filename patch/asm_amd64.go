package patch

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3 = 0xcc
	opcodeJMP  = 0xe9 // JMP rel32

	jumpSize = 5 // 1 byte opcode + 4 byte offset

	// stubSize is closureStub's size rounded up to 16 bytes.
	stubSize = 16
)

// jumpWord returns the patchSize bytes at from, currently holding current,
// with a JMP to dest written over the first jumpSize of them.
func jumpWord(from, dest uintptr, current uint64) (uint64, error) {
	rel := int64(dest) - int64(from+jumpSize)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, errors.Newf("jump from %#x to %#x is out of range", from, dest)
	}

	var buf [patchSize]byte
	binary.LittleEndian.PutUint64(buf[:], current)
	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(rel)))
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// storeWord writes word at addr. Go aligns function entries, so in practice
// the write is a single atomic store and a concurrent caller sees either the
// old entry or the jump, never a mix.
func storeWord(addr uintptr, word uint64) {
	if addr%8 == 0 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), word)
		return
	}
	binary.LittleEndian.PutUint64(unsafe.Slice((*byte)(unsafe.Pointer(addr)), patchSize), word)
}

// closureStub writes the x86-64 equivalent of:
//
//	MOVQ $funcval, DX
//	JMP  (DX)
//
// DX is the closure context register, so the replacement runs exactly as
// if it had been called through its func value.
func closureStub(buf []byte, funcval uintptr) {
	buf[0], buf[1] = 0x48, 0xba
	binary.LittleEndian.PutUint64(buf[2:], uint64(funcval))
	buf[10], buf[11] = 0xff, 0x22
	for i := 12; i < len(buf); i++ {
		buf[i] = opcodeINT3
	}
}

// relocateFunc copies machine instructions from src into dest, translating
// PC-relative operands that point outside the function as it goes. dest must
// be at least as large as src.
//
// The data underlying the slices is assumed to be the same address the code
// would execute from.
func relocateFunc(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	// Trim INT3 padding from the end of src
	end := len(src)
	for end > 0 && src[end-1] == opcodeINT3 {
		end--
	}
	src = src[:end]

	if len(dest) < len(src) {
		return nil, errors.Newf("destination too small: %d < %d", len(dest), len(src))
	}
	dest = dest[:len(src)]
	copy(dest, src)

	for i := 0; i < len(src); {
		inst, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "decode error at offset %d", i)
		}
		if inst.PCRel == 0 {
			i += inst.Len
			continue
		}

		next := i + inst.Len
		field := dest[i+inst.PCRelOff:]

		var disp int64
		switch inst.PCRel {
		case 1:
			disp = int64(int8(field[0]))
		case 2:
			disp = int64(int16(binary.LittleEndian.Uint16(field)))
		case 4:
			disp = int64(int32(binary.LittleEndian.Uint32(field)))
		default:
			return nil, errors.Newf("offset %d: unexpected %d byte relative operand", i, inst.PCRel)
		}

		// Branches within the function move with it.
		if targetOff := int64(next) + disp; targetOff >= 0 && targetOff <= int64(len(src)) {
			i = next
			continue
		}

		if inst.PCRel != 4 {
			return nil, errors.Newf("offset %d: short %v leaves the function", i, inst.Op)
		}

		abs := int64(srcBase) + int64(next) + disp
		newDisp := abs - (int64(destBase) + int64(next))
		if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
			return nil, errors.Newf("offset %d: %v target %#x is out of range", i, inst.Op, abs)
		}
		binary.LittleEndian.PutUint32(field, uint32(int32(newDisp)))

		i = next
	}

	// Pad to 16 bytes when there's room, as the compiler does.
	padded := (len(dest) + 0xf) &^ 0xf
	if padded <= cap(dest) {
		dest = dest[:padded]
		for i := len(src); i < padded; i++ {
			dest[i] = opcodeINT3
		}
	}

	return dest, nil
}

// maxThunkHops bounds how far resolve follows a chain of jumps.
const maxThunkHops = 8

// resolve follows JMP rel and JMP [RIP+disp] instructions from addr.
func resolve(addr uintptr) uintptr {
	for range maxThunkHops {
		code := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 16)
		inst, err := x86asm.Decode(code, 64)
		if err != nil || inst.Op != x86asm.JMP {
			return addr
		}

		next := addr + uintptr(inst.Len)
		switch arg := inst.Args[0].(type) {
		case x86asm.Rel:
			addr = uintptr(int64(next) + int64(arg))
		case x86asm.Mem:
			if arg.Base != x86asm.RIP || arg.Index != 0 {
				return addr
			}
			slot := uintptr(int64(next) + arg.Disp)
			dest := *(*uintptr)(unsafe.Pointer(slot))
			if dest == 0 {
				return addr
			}
			addr = dest
		default:
			return addr
		}
	}
	return addr
}
