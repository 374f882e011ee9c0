package interpose

import (
	"unsafe"

	"github.com/k2io/interpose/internal/procmaps"
)

// slotSize bounds one trampoline or thunk.
const slotSize = 128

// memory is the view of the address space the engine and the patch
// manager work through.
type memory interface {
	// lookup returns the mapping holding addr.
	lookup(addr uintptr) (procmaps.Mapping, bool)
	read(addr uintptr, n int) ([]byte, error)
	// write stores b at addr and leaves the pages with the protection
	// they had before.
	write(addr uintptr, b []byte) error
	// alloc returns an executable slot within short-jump reach of near.
	alloc(near uintptr) (uintptr, error)
	free(addr uintptr)
	release() error
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// pageRange returns the page aligned region covering [addr, addr+size).
func pageRange(addr, size, pageSize uintptr) (start, length uintptr) {
	start = addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}
