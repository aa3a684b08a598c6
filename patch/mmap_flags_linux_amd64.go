package patch

import "golang.org/x/sys/unix"

// Keep generated code in the low 2GB alongside a non-PIE text segment so
// rel32 jumps and calls reach it.
const mapCodeFlags = unix.MAP_32BIT
