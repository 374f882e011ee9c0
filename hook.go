package interpose

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrSymbolNotFound means the module has no definition of the symbol
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrModuleNotFound means no loaded module matches the name
	ErrModuleNotFound = errors.New("module not found")
	// ErrInvalidTarget means the address is not the entry of mapped executable code
	ErrInvalidTarget = errors.New("invalid target")
	// ErrUnrelocatableInstruction means the prologue cannot be moved into a trampoline
	ErrUnrelocatableInstruction = errors.New("unrelocatable instruction")
	// ErrOutOfBounds means the range is not inside the mapped module
	ErrOutOfBounds = errors.New("out of bounds")
	// ErrProtectionDenied means the kernel refused a protection change
	ErrProtectionDenied = errors.New("protection change denied")
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = errors.New("hook not found")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrInvalidPatch means a patch descriptor failed validation
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrUnsupportedArch means there is no code generator for this CPU
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrAlreadyInitialized means Init already ran
	ErrAlreadyInitialized = errors.New("already initialized")
)

const (
	// readWindow is how many bytes of a prologue are inspected.
	readWindow = 32
	// stubWindow bounds the scan of a path that leaves the prologue.
	stubWindow = 256
)

// Strategy selects how a prologue is moved into the trampoline.
type Strategy int

const (
	// StrategyDirect copies whole instructions verbatim and refuses
	// anything PC-relative.
	StrategyDirect Strategy = iota
	// StrategyRelocate hands the prologue to the interposer's Backend,
	// which rewrites PC-relative instructions.
	StrategyRelocate
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyRelocate:
		return "relocate"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy accepts the names returned by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "direct":
		return StrategyDirect, nil
	case "relocate":
		return StrategyRelocate, nil
	}
	return 0, fmt.Errorf("unknown hook strategy %q", s)
}

// Backend relocates the first instructions of the routine at from into a
// trampoline body that will be placed at to. code holds the bytes read at
// from. The body must cover at least need bytes of the original; stolen
// reports how many it consumed. The caller appends the jump back.
type Backend interface {
	Relocate(code []byte, from, to uintptr, need int) (body []byte, stolen int, err error)
}

type directBackend struct{ arch arch }

func (b directBackend) Relocate(code []byte, from, to uintptr, need int) ([]byte, int, error) {
	return b.arch.copyPrologue(code, from, need)
}

type rewriteBackend struct{ arch arch }

func (b rewriteBackend) Relocate(code []byte, from, to uintptr, need int) ([]byte, int, error) {
	return b.arch.rewritePrologue(code, from, to, need)
}

type hook struct {
	original    uintptr
	replacement uintptr
	trampoline  uintptr
	thunk       uintptr
	strategy    Strategy
	stolen      int
	// the modified instructions
	target []byte
	// the moved and jump back instructions
	jumper []byte
	// back edges to the original entry, now landing on the trampoline
	reentries []reentry
}

// reentry is a jump elsewhere in the routine that went back to its entry,
// typically the tail of Go's morestack call.
type reentry struct {
	addr    uintptr
	saved   []byte
	patched []byte
}

// engine installs and removes hooks. It keeps the hooks applied with
// original addresses as keys.
type engine struct {
	mem     memory
	arch    arch
	backend Backend
	logger  *zap.Logger

	lock  sync.Mutex
	hooks map[uintptr]*hook
}

func newEngine(mem memory, a arch, backend Backend, logger *zap.Logger) *engine {
	if backend == nil && a != nil {
		backend = rewriteBackend{a}
	}
	return &engine{
		mem:     mem,
		arch:    a,
		backend: backend,
		logger:  logger,
		hooks:   make(map[uintptr]*hook),
	}
}

func (e *engine) relocator(s Strategy) Backend {
	if s == StrategyRelocate {
		return e.backend
	}
	return directBackend{e.arch}
}

// covering returns the hook whose patched bytes overlap [addr, addr+n).
func (e *engine) covering(addr uintptr, n int) *hook {
	for _, h := range e.hooks {
		if addr < h.original+uintptr(h.stolen) && h.original < addr+uintptr(n) {
			return h
		}
	}
	return nil
}

// backEdges follows the branches leaving the head of code and collects
// the paths that end by jumping back to from. end is the offset past the
// last such branch.
func (e *engine) backEdges(code []byte, from uintptr) (edges []reentry, end int) {
	for _, x := range e.arch.exits(code, from) {
		m, ok := e.mem.lookup(x.target)
		if !ok || !m.Perms.Executable() {
			continue
		}
		n := stubWindow
		if rest := m.End - x.target; rest < uintptr(n) {
			n = int(rest)
		}
		stub, err := e.mem.read(x.target, n)
		if err != nil {
			continue
		}
		off, size, ok := e.arch.backEdge(stub, x.target, from)
		if !ok {
			continue
		}
		if x.end > end {
			end = x.end
		}
		addr := x.target + uintptr(off)
		seen := false
		for _, r := range edges {
			seen = seen || r.addr == addr
		}
		if !seen {
			edges = append(edges, reentry{addr: addr, saved: append([]byte(nil), stub[off:off+size]...)})
		}
	}
	return edges, end
}

// install redirects from to the replacement. When ctxt is non-zero it is a
// Go closure pointer and the redirection enters through a thunk that loads
// it into the closure context register; to is then informational.
//
// The trampoline (and thunk) are written and sealed before the first byte
// of from changes. A path inside the routine that jumps back to from, such
// as Go's stack growth call, is pointed at a second jump into the
// trampoline, so the original never re-enters the replacement.
func (e *engine) install(from, to, ctxt uintptr, strategy Strategy) (*hook, error) {
	if e.arch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOARCH)
	}
	if from == 0 || (to == 0 && ctxt == 0) {
		return nil, fmt.Errorf("%w: nil address", ErrInvalidTarget)
	}
	if from%e.arch.align() != 0 {
		return nil, fmt.Errorf("%w: %#x is not instruction aligned", ErrInvalidTarget, from)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if h := e.covering(from, 1); h != nil {
		return nil, fmt.Errorf("%w: %#x (hook at %#x)", ErrDoubleHook, from, h.original)
	}
	m, ok := e.mem.lookup(from)
	if !ok || !m.Perms.Executable() || !m.Perms.Readable() {
		return nil, fmt.Errorf("%w: %#x is not in executable memory", ErrInvalidTarget, from)
	}
	window := readWindow
	if rest := m.End - from; rest < uintptr(window) {
		window = int(rest)
	}
	code, err := e.mem.read(from, window)
	if err != nil {
		return nil, err
	}

	h := &hook{original: from, replacement: to, strategy: strategy}
	release := func() {
		if h.thunk != 0 {
			e.mem.free(h.thunk)
		}
		if h.trampoline != 0 {
			e.mem.free(h.trampoline)
		}
	}

	entry := to
	if ctxt != 0 {
		if h.thunk, err = e.mem.alloc(from); err != nil {
			return nil, err
		}
		if err = e.mem.write(h.thunk, e.arch.thunk(ctxt)); err != nil {
			release()
			return nil, err
		}
		entry = h.thunk
	}
	redirect := e.arch.jump(from, entry)

	if h.trampoline, err = e.mem.alloc(from); err != nil {
		release()
		return nil, err
	}
	need := len(redirect)
	reenter := from + uintptr(len(redirect))
	edges, end := e.backEdges(code, from)
	if len(edges) > 0 {
		redirect = append(redirect, e.arch.jump(reenter, h.trampoline)...)
		need = len(redirect)
		if end > need {
			need = end
		}
	}
	body, stolen, err := e.relocator(strategy).Relocate(code, from, h.trampoline, need)
	if err != nil {
		release()
		return nil, err
	}
	if stolen < need || stolen > len(code) {
		release()
		return nil, fmt.Errorf("%w: backend consumed %d bytes, need %d", ErrUnrelocatableInstruction, stolen, need)
	}
	for _, r := range edges {
		if r.addr >= from && r.addr < from+uintptr(stolen) {
			release()
			return nil, fmt.Errorf("%w: jump to entry at %#x is inside the prologue", ErrUnrelocatableInstruction, r.addr)
		}
		var ok bool
		if r.patched, ok = e.arch.retarget(r.saved, r.addr, reenter); !ok {
			release()
			return nil, fmt.Errorf("%w: jump to entry at %#x cannot reach %#x", ErrUnrelocatableInstruction, r.addr, reenter)
		}
		h.reentries = append(h.reentries, r)
	}
	if other := e.covering(from, stolen); other != nil {
		release()
		return nil, fmt.Errorf("%w: %#x+%d overlaps hook at %#x", ErrDoubleHook, from, stolen, other.original)
	}
	h.jumper = append(body, e.arch.jump(h.trampoline+uintptr(len(body)), from+uintptr(stolen))...)
	if len(h.jumper) > slotSize {
		release()
		return nil, fmt.Errorf("%w: trampoline needs %d bytes", ErrUnrelocatableInstruction, len(h.jumper))
	}
	h.stolen = stolen
	h.target = append([]byte(nil), code[:stolen]...)

	e.logger.Debug("relocated prologue",
		zap.Uintptr("original", from),
		zap.Stringer("strategy", strategy),
		zap.String("prologue", hex.EncodeToString(h.target)),
		zap.String("trampoline", hex.EncodeToString(h.jumper)),
	)

	if err := e.mem.write(h.trampoline, h.jumper); err != nil {
		release()
		return nil, err
	}
	if err := e.mem.write(from, e.arch.pad(redirect, stolen)); err != nil {
		release()
		return nil, err
	}
	for i, r := range h.reentries {
		if err := e.mem.write(r.addr, r.patched); err != nil {
			for _, done := range h.reentries[:i] {
				err = multierr.Append(err, e.mem.write(done.addr, done.saved))
			}
			err = multierr.Append(err, e.mem.write(from, h.target))
			release()
			return nil, err
		}
		e.logger.Debug("retargeted jump to entry",
			zap.Uintptr("original", from),
			zap.Uintptr("jump", r.addr),
			zap.Uintptr("reentry", reenter),
		)
	}
	e.hooks[from] = h
	return h, nil
}

// uninstall puts the saved prologue back.
func (e *engine) uninstall(h *hook) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.hooks[h.original] != h {
		return fmt.Errorf("%w: %#x", ErrHookNotFound, h.original)
	}
	// back edges first, while the entry still holds the redirect
	for _, r := range h.reentries {
		if err := e.mem.write(r.addr, r.saved); err != nil {
			return err
		}
	}
	if err := e.mem.write(h.original, h.target); err != nil {
		return err
	}
	delete(e.hooks, h.original)
	e.mem.free(h.trampoline)
	if h.thunk != 0 {
		e.mem.free(h.thunk)
	}
	return nil
}
