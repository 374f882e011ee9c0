package interpose

// clearCache cleans the data cache and invalidates the instruction cache
// for [start, end).
//
//go:noescape
func clearCache(start, end uintptr)

func flushICache(addr uintptr, n int) {
	clearCache(addr, addr+uintptr(n))
}
