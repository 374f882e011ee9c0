package interpose

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/k2io/interpose/internal/hexbytes"
)

// Patch overwrites bytes at a fixed offset from a module's base.
// The bytes are validated when the patch is built and never change.
type Patch struct {
	Name   string
	Module string
	Offset uintptr
	bytes  []byte
}

// NewPatch decodes literal ("00 BF", "0x1F,0x20") into a patch.
func NewPatch(module string, offset uintptr, literal string) (Patch, error) {
	b, err := hexbytes.Parse(literal)
	if err != nil {
		return Patch{}, fmt.Errorf("%w: %s+%#x: %v", ErrInvalidPatch, module, offset, err)
	}
	return NewPatchBytes(module, offset, b)
}

func NewPatchBytes(module string, offset uintptr, b []byte) (Patch, error) {
	if module == "" {
		return Patch{}, fmt.Errorf("%w: no module", ErrInvalidPatch)
	}
	if len(b) == 0 {
		return Patch{}, fmt.Errorf("%w: %s+%#x: no bytes", ErrInvalidPatch, module, offset)
	}
	return Patch{Module: module, Offset: offset, bytes: append([]byte(nil), b...)}, nil
}

// Bytes returns a copy of the replacement bytes.
func (p Patch) Bytes() []byte { return append([]byte(nil), p.bytes...) }

func (p Patch) Len() int { return len(p.bytes) }

func (p Patch) String() string {
	s := fmt.Sprintf("%s+%#x [%s]", p.Module, p.Offset, hexbytes.Format(p.bytes))
	if p.Name != "" {
		s = p.Name + " " + s
	}
	return s
}

// PatchError reports the failure of one patch of a batch.
type PatchError struct {
	Patch Patch
	Err   error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %s: %v", e.Patch, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

// PatchManager queues patches and writes them into loaded modules.
// Each application saves the bytes it replaced the first time so Revert
// can put them back.
type PatchManager struct {
	resolver *Resolver
	mem      memory
	logger   *zap.Logger

	patches []Patch
	saved   map[int][]byte
}

// NewPatchManager works on the memory of the calling process.
func NewPatchManager(logger *zap.Logger) *PatchManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	reach := uintptr(1 << 27)
	if hostArch != nil {
		reach = hostArch.reach()
	}
	return newPatchManager(NewResolver(WithResolverLogger(logger)), newProcessMemory(logger, reach), logger)
}

func newPatchManager(r *Resolver, mem memory, logger *zap.Logger) *PatchManager {
	return &PatchManager{
		resolver: r,
		mem:      mem,
		logger:   logger,
		saved:    make(map[int][]byte),
	}
}

// Add queues p.
func (pm *PatchManager) Add(p Patch) {
	pm.patches = append(pm.patches, p)
}

// AddPatch builds a patch from a byte literal and queues it.
func (pm *PatchManager) AddPatch(module string, offset uintptr, literal string) error {
	p, err := NewPatch(module, offset, literal)
	if err != nil {
		return err
	}
	pm.Add(p)
	return nil
}

// Pending returns the queued patches.
func (pm *PatchManager) Pending() []Patch {
	return append([]Patch(nil), pm.patches...)
}

// Apply writes a single patch without queueing it.
func (pm *PatchManager) Apply(p Patch) error {
	_, err := pm.apply(p)
	return err
}

// ApplyAll writes every queued patch. A failed patch does not stop the
// others; the failures come back combined, one *PatchError each.
func (pm *PatchManager) ApplyAll() error {
	var errs error
	applied := 0
	for i, p := range pm.patches {
		old, err := pm.apply(p)
		if err != nil {
			pm.logger.Error("patch failed", zap.Stringer("patch", p), zap.Error(err))
			errs = multierr.Append(errs, &PatchError{Patch: p, Err: err})
			continue
		}
		if _, ok := pm.saved[i]; !ok {
			pm.saved[i] = old
		}
		applied++
	}
	pm.logger.Info("patches applied",
		zap.Int("applied", applied),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return errs
}

// Revert restores the bytes saved by ApplyAll, newest patch first.
func (pm *PatchManager) Revert() error {
	var errs error
	for i := len(pm.patches) - 1; i >= 0; i-- {
		old, ok := pm.saved[i]
		if !ok {
			continue
		}
		p := pm.patches[i]
		p.bytes = old
		if _, err := pm.apply(p); err != nil {
			errs = multierr.Append(errs, &PatchError{Patch: pm.patches[i], Err: err})
			continue
		}
		delete(pm.saved, i)
	}
	return errs
}

func (pm *PatchManager) apply(p Patch) ([]byte, error) {
	if len(p.bytes) == 0 {
		return nil, fmt.Errorf("%w: no bytes", ErrInvalidPatch)
	}
	mod, err := pm.resolver.OpenModule(p.Module)
	if err != nil {
		return nil, err
	}
	if !mod.Contains(p.Offset, len(p.bytes)) {
		return nil, fmt.Errorf("%w: %s+%#x+%d beyond %#x mapped bytes", ErrOutOfBounds, mod.Name, p.Offset, len(p.bytes), mod.Size())
	}
	addr := mod.Addr(p.Offset)
	old, err := pm.mem.read(addr, len(p.bytes))
	if err != nil {
		return nil, err
	}
	if err := pm.mem.write(addr, p.bytes); err != nil {
		return nil, err
	}
	pm.logger.Debug("patched",
		zap.Stringer("patch", p),
		zap.Uintptr("addr", addr),
		zap.String("was", hexbytes.Format(old)),
	)
	return old, nil
}
