//go:build !(linux && amd64)

package patch

// Elsewhere there's no portable way to ask for an address near the text
// segment. We'll have to trust the OS to give us a suitable one; patches that
// end up out of rel32 range fail cleanly.
const mapCodeFlags = 0
