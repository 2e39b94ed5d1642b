package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the current goroutine's id, or -1 if it cannot be parsed.
// Used for diagnostics only (log correlation of parked transactions);
// nothing in the engine keys behavior off it.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// CloneMap returns a shallow copy of src. Transactional state held in cells
// must be treated as immutable, so every mutation of a map-valued cell goes
// through a copy.
func CloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// PushBack returns a fresh slice holding items followed by v. The input is
// never mutated, for the same immutability reason as CloneMap.
func PushBack[A any](items []A, v A) []A {
	out := make([]A, 0, len(items)+1)
	out = append(out, items...)
	return append(out, v)
}

// PopFront returns the head of items and a fresh slice of the rest.
func PopFront[A any](items []A) (A, []A) {
	head := items[0]
	rest := make([]A, len(items)-1)
	copy(rest, items[1:])
	return head, rest
}
