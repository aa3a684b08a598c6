//go:build !linux

package spinlock

import "time"

// Only Linux has a futex we can reach from here. Everything else sleeps.
const haveFutex = false

func futexWait(addr *int32, val int32, timeout time.Duration) {}

func futexWake(addr *int32) {}
