package interpose

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena hands out fixed size executable slots from pages mapped close to
// the code being hooked. Free slots of a page wait in its channel.
type arena struct {
	pageSize uintptr
	reach    uintptr

	mu    sync.Mutex
	pages []arenaPage
}

type arenaPage struct {
	base  uintptr
	slots chan uintptr
}

func newArena(pageSize, reach uintptr) *arena {
	return &arena{pageSize: pageSize, reach: reach}
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

// near reports whether every slot of a page at base is reachable from pc.
func (a *arena) near(base, pc uintptr) bool {
	return distance(base, pc)+a.pageSize < a.reach
}

func (a *arena) alloc(pc uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		for _, p := range a.pages {
			if !a.near(p.base, pc) {
				continue
			}
			select {
			case slot := <-p.slots:
				return slot, nil
			default:
			}
		}
		if err := a.grow(pc); err != nil {
			return 0, err
		}
	}
}

func (a *arena) free(slot uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pages {
		if slot >= p.base && slot < p.base+a.pageSize {
			select {
			case p.slots <- slot:
			default:
			}
			return
		}
	}
}

// grow maps one page within reach of pc, probing hints on both sides of it.
func (a *arena) grow(pc uintptr) error {
	step := a.reach / 64
	origin := pc &^ (a.pageSize - 1)
	for i := uintptr(0); i*step+a.pageSize < a.reach; i++ {
		hints := []uintptr{origin + i*step}
		if i > 0 && origin >= i*step {
			hints = append(hints, origin-i*step)
		}
		for _, hint := range hints {
			base, err := a.mapAt(hint)
			if err != nil {
				return err
			}
			if a.near(base, pc) {
				a.add(base)
				return nil
			}
			munmap(base, a.pageSize)
		}
	}
	return fmt.Errorf("%w: no free page within %#x of %#x", ErrOutOfBounds, a.reach, pc)
}

func (a *arena) mapAt(hint uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), a.pageSize,
		unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap: %v", ErrProtectionDenied, err)
	}
	return uintptr(p), nil
}

func (a *arena) add(base uintptr) {
	count := a.pageSize / slotSize
	p := arenaPage{base: base, slots: make(chan uintptr, count)}
	for i := uintptr(0); i < count; i++ {
		p.slots <- base + i*slotSize
	}
	a.pages = append(a.pages, p)
}

func (a *arena) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for _, p := range a.pages {
		if e := munmap(p.base, a.pageSize); e != nil && err == nil {
			err = e
		}
	}
	a.pages = nil
	return err
}

func munmap(base, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
