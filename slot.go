package interpose

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Function types of the allocation entry points. They mirror the C
// signatures with unsafe.Pointer for void* and uintptr for size_t.
type (
	MallocFunc        func(size uintptr) unsafe.Pointer
	FreeFunc          func(ptr unsafe.Pointer)
	ReallocFunc       func(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
	CallocFunc        func(n, size uintptr) unsafe.Pointer
	MsizeFunc         func(ptr unsafe.Pointer) uintptr
	ExpandFunc        func(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
	AlignedMallocFunc func(size, align uintptr) unsafe.Pointer
)

// Slot identifies one allocation entry point a module may export. Slots are
// ordered: when two slots of a module resolve to the same address, the
// earlier one keeps it.
type Slot int

const (
	SlotMalloc Slot = iota
	SlotFree
	SlotRealloc
	SlotCalloc
	SlotNew
	SlotNewArray
	SlotDelete
	SlotDeleteArray
	SlotNewNothrow
	SlotNewArrayNothrow
	SlotDeleteNothrow
	SlotDeleteArrayNothrow
	SlotMsize
	SlotExpand
	SlotAlignedMalloc
	SlotAlignedFree

	NumSlots
)

type slotInfo struct {
	name string
	// exports are the symbol names tried in order. C++ operators are listed
	// with their Itanium and MSVC manglings.
	exports []string
	typ     reflect.Type
}

var slots = [NumSlots]slotInfo{
	SlotMalloc:             {"malloc", []string{"malloc"}, reflect.TypeFor[MallocFunc]()},
	SlotFree:               {"free", []string{"free"}, reflect.TypeFor[FreeFunc]()},
	SlotRealloc:            {"realloc", []string{"realloc"}, reflect.TypeFor[ReallocFunc]()},
	SlotCalloc:             {"calloc", []string{"calloc"}, reflect.TypeFor[CallocFunc]()},
	SlotNew:                {"new", []string{"_Znwm", "_Znwj", "??2@YAPAXI@Z"}, reflect.TypeFor[MallocFunc]()},
	SlotNewArray:           {"new[]", []string{"_Znam", "_Znaj", "??_U@YAPAXI@Z"}, reflect.TypeFor[MallocFunc]()},
	SlotDelete:             {"delete", []string{"_ZdlPv", "??3@YAXPAX@Z"}, reflect.TypeFor[FreeFunc]()},
	SlotDeleteArray:        {"delete[]", []string{"_ZdaPv", "??_V@YAXPAX@Z"}, reflect.TypeFor[FreeFunc]()},
	SlotNewNothrow:         {"new(nothrow)", []string{"_ZnwmRKSt9nothrow_t", "_ZnwjRKSt9nothrow_t", "??2@YAPAXIABUnothrow_t@std@@@Z"}, reflect.TypeFor[MallocFunc]()},
	SlotNewArrayNothrow:    {"new[](nothrow)", []string{"_ZnamRKSt9nothrow_t", "_ZnajRKSt9nothrow_t", "??_U@YAPAXIABUnothrow_t@std@@@Z"}, reflect.TypeFor[MallocFunc]()},
	SlotDeleteNothrow:      {"delete(nothrow)", []string{"_ZdlPvRKSt9nothrow_t", "??3@YAXPAXABUnothrow_t@std@@@Z"}, reflect.TypeFor[FreeFunc]()},
	SlotDeleteArrayNothrow: {"delete[](nothrow)", []string{"_ZdaPvRKSt9nothrow_t", "??_V@YAXPAXABUnothrow_t@std@@@Z"}, reflect.TypeFor[FreeFunc]()},
	SlotMsize:              {"msize", []string{"_msize", "malloc_usable_size"}, reflect.TypeFor[MsizeFunc]()},
	SlotExpand:             {"expand", []string{"_expand"}, reflect.TypeFor[ExpandFunc]()},
	SlotAlignedMalloc:      {"aligned_malloc", []string{"_aligned_malloc"}, reflect.TypeFor[AlignedMallocFunc]()},
	SlotAlignedFree:        {"aligned_free", []string{"_aligned_free"}, reflect.TypeFor[FreeFunc]()},
}

func (s Slot) String() string {
	if s < 0 || s >= NumSlots {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slots[s].name
}

// Exports returns the symbol names s is looked up by.
func (s Slot) Exports() []string {
	return append([]string(nil), slots[s].exports...)
}

// Type returns the function type of s.
func (s Slot) Type() reflect.Type {
	return slots[s].typ
}

// patchOrder installs the deallocation side of a module first. Once malloc
// is redirected, blocks from the core can reach the module's free, so free
// must already be redirected by then. Msize and realloc follow for the same
// reason.
var patchOrder = func() []Slot {
	first := []Slot{SlotFree, SlotAlignedFree, SlotDelete, SlotDeleteArray, SlotDeleteNothrow, SlotDeleteArrayNothrow, SlotMsize, SlotRealloc}
	order := append([]Slot(nil), first...)
	for s := Slot(0); s < NumSlots; s++ {
		seen := false
		for _, f := range first {
			if f == s {
				seen = true
				break
			}
		}
		if !seen {
			order = append(order, s)
		}
	}
	return order
}()
