package interpose

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	symbols "github.com/k2io/interpose/internal/objSymbols"
	"github.com/k2io/interpose/internal/procmaps"
)

// Resolver finds loaded modules and the run-time addresses of their
// symbols. It never loads anything.
type Resolver struct {
	pid    int
	logger *zap.Logger

	mu     sync.Mutex
	tables map[string]*symbols.Table
}

type ResolverOption func(*Resolver)

// ForProcess resolves in another process instead of the caller.
func ForProcess(pid int) ResolverOption {
	return func(r *Resolver) { r.pid = pid }
}

func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger: zap.NewNop(),
		tables: make(map[string]*symbols.Table),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Modules lists the file backed modules in order of their base address.
func (r *Resolver) Modules() ([]*Module, error) {
	ms, err := procmaps.ReadPid(r.pid)
	if err != nil {
		return nil, err
	}
	return groupModules(ms), nil
}

func groupModules(ms []procmaps.Mapping) []*Module {
	var mods []*Module
	byPath := make(map[string]*Module)
	for _, m := range ms {
		if !m.IsFile() {
			continue
		}
		mod, ok := byPath[m.Path]
		if !ok {
			mod = &Module{Name: filepath.Base(m.Path), Path: m.Path, Base: m.Start}
			byPath[m.Path] = mod
			mods = append(mods, mod)
		}
		mod.Mappings = append(mod.Mappings, m)
		if m.End > mod.End {
			mod.End = m.End
		}
	}
	return mods
}

// OpenModule returns the loaded module whose path or base name is name.
// An exact path match wins over a base name match.
func (r *Resolver) OpenModule(name string) (*Module, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrModuleNotFound)
	}
	mods, err := r.Modules()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
	}
	var byBase *Module
	for _, mod := range mods {
		if mod.Path == name {
			return mod, nil
		}
		if byBase == nil && mod.Name == name {
			byBase = mod
		}
	}
	if byBase == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return byBase, nil
}

// ModuleAt returns the module mapped at addr.
func (r *Resolver) ModuleAt(addr uintptr) (*Module, error) {
	mods, err := r.Modules()
	if err != nil {
		return nil, err
	}
	for _, mod := range mods {
		if _, ok := procmaps.Find(mod.Mappings, addr); ok {
			return mod, nil
		}
	}
	return nil, fmt.Errorf("%w: nothing mapped at %#x", ErrModuleNotFound, addr)
}

func (r *Resolver) table(path string) (*symbols.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[path]; ok {
		return t, nil
	}
	name := path
	if r.pid != 0 {
		// the file may live in another mount namespace
		name = fmt.Sprintf("/proc/%d/root%s", r.pid, path)
	}
	t, err := symbols.ReadSymbols(name)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("loaded symbol table",
		zap.String("path", path),
		zap.String("format", t.Format),
		zap.Int("symbols", t.Len()),
	)
	r.tables[path] = t
	return t, nil
}

// bias is the difference between run-time and link-time addresses.
func (r *Resolver) bias(mod *Module, t *symbols.Table) int64 {
	first := mod.Mappings[0]
	vaddr, ok := t.VaddrAt(first.Offset, uint64(os.Getpagesize()))
	if !ok {
		vaddr = first.Offset
	}
	return int64(first.Start) - int64(vaddr)
}

// Lookup returns the run-time address of symbol in mod.
func (r *Resolver) Lookup(mod *Module, symbol string) (Symbol, error) {
	if mod == nil || len(mod.Mappings) == 0 {
		return Symbol{}, fmt.Errorf("%w: nil module", ErrModuleNotFound)
	}
	t, err := r.table(mod.Path)
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: %s!%s: %v", ErrSymbolNotFound, mod.Name, symbol, err)
	}
	s, ok := t.Lookup(symbol)
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s!%s", ErrSymbolNotFound, mod.Name, symbol)
	}
	return Symbol{
		Module: mod,
		Name:   s.Name,
		Addr:   uintptr(int64(s.Value) + r.bias(mod, t)),
		Size:   s.Size,
	}, nil
}

// Resolve opens module and looks up symbol in it.
func (r *Resolver) Resolve(module, symbol string) (Symbol, error) {
	mod, err := r.OpenModule(module)
	if err != nil {
		return Symbol{}, err
	}
	return r.Lookup(mod, symbol)
}
