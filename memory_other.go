//go:build !linux && !android

package interpose

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/k2io/interpose/internal/procmaps"
)

type noMemory struct{}

func newProcessMemory(logger *zap.Logger, reach uintptr) memory {
	return noMemory{}
}

func (noMemory) lookup(uintptr) (procmaps.Mapping, bool) { return procmaps.Mapping{}, false }

func (noMemory) read(uintptr, int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOOS)
}

func (noMemory) write(uintptr, []byte) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOOS)
}

func (noMemory) alloc(uintptr) (uintptr, error) {
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOOS)
}

func (noMemory) free(uintptr) {}

func (noMemory) release() error { return nil }
