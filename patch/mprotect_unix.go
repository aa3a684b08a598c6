//go:build unix

package patch

import (
	"syscall"
	"unsafe"
)

const (
	// protExec is added to the read-write default when mapping the arena.
	protExec = syscall.PROT_EXEC

	protRX  = syscall.PROT_READ | syscall.PROT_EXEC
	protRWX = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
)

func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := uintptr(syscall.Getpagesize())

	// Round down to the page holding addr and up to cover the whole buffer.
	pageStart := addr &^ (pageSize - 1)
	regionSize := (addr - pageStart + uintptr(cap(buf)) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return syscall.Mprotect(region, flags)
}
