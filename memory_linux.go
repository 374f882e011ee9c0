package interpose

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/k2io/interpose/internal/procmaps"
)

type processMemory struct {
	pageSize uintptr
	arena    *arena
	logger   *zap.Logger
}

func newProcessMemory(logger *zap.Logger, reach uintptr) memory {
	pageSize := uintptr(os.Getpagesize())
	return &processMemory{
		pageSize: pageSize,
		arena:    newArena(pageSize, reach),
		logger:   logger,
	}
}

func (m *processMemory) lookup(addr uintptr) (procmaps.Mapping, bool) {
	ms, err := procmaps.Self()
	if err != nil {
		m.logger.Warn("read memory map", zap.Error(err))
		return procmaps.Mapping{}, false
	}
	return procmaps.Find(ms, addr)
}

func (m *processMemory) covering(addr uintptr, n int) ([]procmaps.Mapping, error) {
	ms, err := procmaps.Self()
	if err != nil {
		return nil, err
	}
	cover, ok := procmaps.Covering(ms, addr, n)
	if !ok {
		return nil, fmt.Errorf("%w: %#x+%d is not mapped", ErrOutOfBounds, addr, n)
	}
	return cover, nil
}

func (m *processMemory) read(addr uintptr, n int) ([]byte, error) {
	cover, err := m.covering(addr, n)
	if err != nil {
		return nil, err
	}
	for _, c := range cover {
		if !c.Perms.Readable() {
			return nil, fmt.Errorf("%w: %s is not readable", ErrProtectionDenied, c)
		}
	}
	out := make([]byte, n)
	copy(out, makeSlice(addr, uintptr(n)))
	return out, nil
}

// write adds PROT_WRITE to each page only for the copy and restores the
// protection read from the map afterwards.
func (m *processMemory) write(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	cover, err := m.covering(addr, len(b))
	if err != nil {
		return err
	}
	exec := false
	for _, c := range cover {
		if c.Perms.Executable() {
			exec = true
		}
		if c.Perms.Writable() {
			continue
		}
		lo, hi := addr, addr+uintptr(len(b))
		if lo < c.Start {
			lo = c.Start
		}
		if hi > c.End {
			hi = c.End
		}
		start, length := pageRange(lo, hi-lo, m.pageSize)
		if err := unix.Mprotect(makeSlice(start, length), c.Perms.Prot()|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("%w: mprotect %#x+%#x: %v", ErrProtectionDenied, start, length, err)
		}
		defer func(start, length uintptr, prot int) {
			if err := unix.Mprotect(makeSlice(start, length), prot); err != nil {
				m.logger.Error("restore protection",
					zap.Uintptr("start", start),
					zap.Uintptr("length", length),
					zap.Error(err),
				)
			}
		}(start, length, c.Perms.Prot())
	}
	copy(makeSlice(addr, uintptr(len(b))), b)
	if exec {
		flushICache(addr, len(b))
	}
	m.logger.Debug("wrote memory", zap.Uintptr("addr", addr), zap.Int("size", len(b)))
	return nil
}

func (m *processMemory) alloc(near uintptr) (uintptr, error) {
	return m.arena.alloc(near)
}

func (m *processMemory) free(addr uintptr) {
	m.arena.free(addr)
}

func (m *processMemory) release() error {
	return m.arena.release()
}
