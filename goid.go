package interpose

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the calling goroutine's ID from the header of its
// stack trace, or -1 if the header can't be parsed.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	// goroutine 18 [running]:
	id, ok := bytes.CutPrefix(buf[:n], []byte("goroutine "))
	if !ok {
		return -1
	}
	if i := bytes.IndexByte(id, ' '); i >= 0 {
		id = id[:i]
	}

	v, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return -1
	}
	return v
}
