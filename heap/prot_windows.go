//go:build windows

package heap

import "golang.org/x/sys/windows"

const protReadWrite = windows.PAGE_READWRITE
