// Package spinlock provides a lock for short critical sections that are
// rarely contended. Waiters block on a futex where the kernel has one and fall
// back to sleeping otherwise.
package spinlock

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	unlocked int32 = 0
	locked   int32 = 1
)

// The fallback sleep is just over 2ms so that old schedulers which busy-wait
// on short sleeps don't.
const fallbackSleep = 2*time.Millisecond + time.Nanosecond

// Spin this many times before waiting on multi-CPU machines.
var adaptiveSpinCount = func() int {
	if runtime.NumCPU() > 1 {
		return 1000
	}
	return 0
}()

// SpinLock is a mutual exclusion lock. The zero value is unlocked.
//
// A SpinLock must not be copied after first use.
type SpinLock struct {
	// word is the futex word, so it must stay a plain int32.
	word int32

	acquisitions atomic.Uint64
	contended    atomic.Uint64
	waitNanos    atomic.Int64
}

// Stats are counters describing how a SpinLock has been used.
type Stats struct {
	Acquisitions uint64
	Contended    uint64
	WaitTime     time.Duration
}

// Acquire locks l, waiting as long as necessary.
func (l *SpinLock) Acquire() {
	if atomic.CompareAndSwapInt32(&l.word, unlocked, locked) {
		l.acquisitions.Add(1)
		return
	}
	l.slowAcquire()
}

// TryAcquire locks l if it is free and reports whether it did.
func (l *SpinLock) TryAcquire() bool {
	if atomic.CompareAndSwapInt32(&l.word, unlocked, locked) {
		l.acquisitions.Add(1)
		return true
	}
	return false
}

// Release unlocks l and wakes one waiter, if there is one.
func (l *SpinLock) Release() {
	atomic.StoreInt32(&l.word, unlocked)
	if haveFutex {
		futexWake(&l.word)
	}
}

// Held reports whether l is currently locked by anyone.
func (l *SpinLock) Held() bool {
	return atomic.LoadInt32(&l.word) != unlocked
}

// Stats returns a snapshot of the lock's counters.
func (l *SpinLock) Stats() Stats {
	return Stats{
		Acquisitions: l.acquisitions.Load(),
		Contended:    l.contended.Load(),
		WaitTime:     time.Duration(l.waitNanos.Load()),
	}
}

func (l *SpinLock) slowAcquire() {
	start := time.Now()
	defer func() {
		l.acquisitions.Add(1)
		l.contended.Add(1)
		l.waitNanos.Add(int64(time.Since(start)))
	}()

	// Spin a few times in the hope that the holder lets go.
	for c := adaptiveSpinCount; c > 0 && atomic.LoadInt32(&l.word) != unlocked; c-- {
	}

	if haveFutex {
		for !atomic.CompareAndSwapInt32(&l.word, unlocked, locked) {
			// The timeout covers a wake that races with the CAS above.
			futexWait(&l.word, locked, time.Millisecond)
		}
		return
	}

	if atomic.LoadInt32(&l.word) != unlocked {
		runtime.Gosched()
	}
	for !atomic.CompareAndSwapInt32(&l.word, unlocked, locked) {
		time.Sleep(fallbackSleep)
	}
}
