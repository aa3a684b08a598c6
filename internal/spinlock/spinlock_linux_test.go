package spinlock

import "testing"

// Without a futex, waiters yield and then sleep between attempts.
func TestSleepFallback(t *testing.T) {
	saved := haveFutex
	haveFutex = false
	t.Cleanup(func() { haveFutex = saved })

	t.Run("mutual exclusion", func(t *testing.T) {
		checkMutualExclusion(t, 4, 200)
	})
	t.Run("waiter wakes after release", TestWaiterWakesAfterRelease)
}
