//go:build windows

package patch

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	// protExec turns the arena's read-write default into
	// PAGE_EXECUTE_READWRITE when mapping it.
	protExec = windows.PAGE_EXECUTE

	protRX  = windows.PAGE_EXECUTE_READ
	protRWX = windows.PAGE_EXECUTE_READWRITE
)

func mprotect(buf []byte, flags int) error {
	pageSize := uintptr(syscall.Getpagesize())

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	pageStart := addr &^ (pageSize - 1)
	regionSize := (addr - pageStart + uintptr(cap(buf)) + pageSize - 1) &^ (pageSize - 1)

	var oldFlags uint32
	return windows.VirtualProtect(pageStart, regionSize, uint32(flags), &oldFlags)
}
