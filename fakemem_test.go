package interpose

import (
	"fmt"

	"github.com/k2io/interpose/internal/procmaps"
)

type fakeRegion struct {
	base  uintptr
	data  []byte
	perms procmaps.Perms
}

type fakeOp struct {
	kind string
	addr uintptr
	data []byte
}

// fakeMemory is an address space with a code region at 0x400000, a data
// region at 0x600000 and slots handed out from 0x500000.
type fakeMemory struct {
	regions []*fakeRegion
	next    uintptr
	freed   []uintptr
	ops     []fakeOp
}

func newFakeMemory(code []byte) *fakeMemory {
	text := make([]byte, 0x1000)
	copy(text[0x100:], code)
	return &fakeMemory{
		regions: []*fakeRegion{
			{base: 0x400000, data: text, perms: procmaps.Read | procmaps.Exec | procmaps.Private},
			{base: 0x500000, data: make([]byte, 0x1000), perms: procmaps.Read | procmaps.Exec | procmaps.Private},
			{base: 0x600000, data: make([]byte, 0x1000), perms: procmaps.Read | procmaps.Write | procmaps.Private},
		},
		next: 0x500000,
	}
}

func (f *fakeMemory) region(addr uintptr, n int) (*fakeRegion, bool) {
	for _, r := range f.regions {
		if addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data)) {
			return r, true
		}
	}
	return nil, false
}

func (f *fakeMemory) bytes(addr uintptr, n int) []byte {
	r, ok := f.region(addr, n)
	if !ok {
		panic(fmt.Sprintf("%#x not mapped", addr))
	}
	off := addr - r.base
	return append([]byte(nil), r.data[off:off+uintptr(n)]...)
}

func (f *fakeMemory) lookup(addr uintptr) (procmaps.Mapping, bool) {
	r, ok := f.region(addr, 1)
	if !ok {
		return procmaps.Mapping{}, false
	}
	return procmaps.Mapping{Start: r.base, End: r.base + uintptr(len(r.data)), Perms: r.perms}, true
}

func (f *fakeMemory) read(addr uintptr, n int) ([]byte, error) {
	if _, ok := f.region(addr, n); !ok {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfBounds, addr)
	}
	return f.bytes(addr, n), nil
}

func (f *fakeMemory) write(addr uintptr, b []byte) error {
	r, ok := f.region(addr, len(b))
	if !ok {
		return fmt.Errorf("%w: %#x", ErrOutOfBounds, addr)
	}
	f.ops = append(f.ops, fakeOp{kind: "write", addr: addr, data: append([]byte(nil), b...)})
	copy(r.data[addr-r.base:], b)
	return nil
}

func (f *fakeMemory) alloc(near uintptr) (uintptr, error) {
	if f.next >= 0x501000 {
		return 0, fmt.Errorf("%w: arena full", ErrOutOfBounds)
	}
	slot := f.next
	f.next += slotSize
	f.ops = append(f.ops, fakeOp{kind: "alloc", addr: slot})
	return slot, nil
}

func (f *fakeMemory) free(addr uintptr) {
	f.freed = append(f.freed, addr)
}

func (f *fakeMemory) release() error { return nil }

// writes returns the addresses written, in order.
func (f *fakeMemory) writes() []uintptr {
	var out []uintptr
	for _, op := range f.ops {
		if op.kind == "write" {
			out = append(out, op.addr)
		}
	}
	return out
}
