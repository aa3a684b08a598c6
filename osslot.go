package interpose

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Function types of the OS memory and module entry points.
type (
	HeapAllocFunc   func(heap uintptr, flags uint32, size uintptr) unsafe.Pointer
	HeapFreeFunc    func(heap uintptr, flags uint32, ptr unsafe.Pointer) bool
	MapAnonFunc     func(addr unsafe.Pointer, size uintptr, prot, flags uint32) unsafe.Pointer
	UnmapAnonFunc   func(addr unsafe.Pointer, size uintptr, flags uint32) bool
	MapFileFunc     func(mapping uintptr, access uint32, offset uint64, size uintptr, addr unsafe.Pointer) unsafe.Pointer
	UnmapFileFunc   func(addr unsafe.Pointer) bool
	LoadLibraryFunc func(name string, flags uint32) uintptr
	FreeLibraryFunc func(handle uintptr) bool
)

// OSSlot identifies one OS-level memory or module entry point.
type OSSlot int

const (
	OSHeapAlloc OSSlot = iota
	OSHeapFree
	OSMapAnon
	OSUnmapAnon
	OSMapFile
	OSUnmapFile
	OSLoadLibrary
	OSFreeLibrary

	NumOSSlots
)

var osSlots = [NumOSSlots]slotInfo{
	OSHeapAlloc:   {"HeapAlloc", []string{"HeapAlloc"}, reflect.TypeFor[HeapAllocFunc]()},
	OSHeapFree:    {"HeapFree", []string{"HeapFree"}, reflect.TypeFor[HeapFreeFunc]()},
	OSMapAnon:     {"MapAnon", []string{"VirtualAllocEx", "mmap"}, reflect.TypeFor[MapAnonFunc]()},
	OSUnmapAnon:   {"UnmapAnon", []string{"VirtualFreeEx", "munmap"}, reflect.TypeFor[UnmapAnonFunc]()},
	OSMapFile:     {"MapFile", []string{"MapViewOfFileEx"}, reflect.TypeFor[MapFileFunc]()},
	OSUnmapFile:   {"UnmapFile", []string{"UnmapViewOfFile"}, reflect.TypeFor[UnmapFileFunc]()},
	OSLoadLibrary: {"LoadLibrary", []string{"LoadLibraryExW", "dlopen"}, reflect.TypeFor[LoadLibraryFunc]()},
	OSFreeLibrary: {"FreeLibrary", []string{"FreeLibrary", "dlclose"}, reflect.TypeFor[FreeLibraryFunc]()},
}

func (s OSSlot) String() string {
	if s < 0 || s >= NumOSSlots {
		return fmt.Sprintf("OSSlot(%d)", int(s))
	}
	return osSlots[s].name
}

// Exports returns the symbol names s is looked up by.
func (s OSSlot) Exports() []string {
	return append([]string(nil), osSlots[s].exports...)
}

// Type returns the function type of s.
func (s OSSlot) Type() reflect.Type {
	return osSlots[s].typ
}
