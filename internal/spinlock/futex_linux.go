//go:build linux

package spinlock

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/futex.h.
const (
	futexWaitPrivate = 0 | 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 1 | 128 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
)

// haveFutex is set when a wake on a scratch word succeeds.
var haveFutex = func() bool {
	var x int32
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(&x)), futexWakePrivate, 1, 0, 0, 0)
	return errno == 0
}()

func futexWait(addr *int32, val int32, timeout time.Duration) {
	ts := unix.NsecToTimespec(int64(timeout))
	// EAGAIN, EINTR and ETIMEDOUT all mean "go look at the word again".
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWaitPrivate, uintptr(val), uintptr(unsafe.Pointer(&ts)), 0, 0)
}

func futexWake(addr *int32) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWakePrivate, 1, 0, 0, 0)
}
