//go:build !arm64

package interpose

// amd64 keeps instruction fetch coherent with stores.
func flushICache(addr uintptr, n int) {}
