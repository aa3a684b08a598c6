//go:build unix

package heap

import "syscall"

const protReadWrite = syscall.PROT_READ | syscall.PROT_WRITE
