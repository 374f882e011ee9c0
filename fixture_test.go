package interpose

import (
	"reflect"
	"runtime"
)

//go:noinline
func fixtureScale(a, b int) int {
	return (a*b + 7) ^ (a - b)
}

//go:noinline
func fixtureOffset(a, b int) int {
	return a + b + 5000
}

// fixtureDeep has a 16 KiB frame, so a fresh goroutine grows its stack
// on entry.
//
//go:noinline
func fixtureDeep(n int) int {
	var buf [2048]int
	for i := range buf {
		buf[i] = i * n
	}
	return buf[n%len(buf)] + buf[len(buf)-1]
}

func funcName(fn any) (string, uintptr) {
	pc := reflect.ValueOf(fn).Pointer()
	return runtime.FuncForPC(pc).Name(), pc
}
