package interpose

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/k2io/interpose/internal/config"
)

// Trampoline is an installed hook. Calling Addr runs the original
// routine as it was before the hook.
type Trampoline struct {
	ID string

	ip *Interposer
	h  *hook
	// keeps the replacement closure reachable while its address is in the thunk
	keep any
}

// Addr is the entry of the relocated original.
func (t *Trampoline) Addr() uintptr { return t.h.trampoline }

// Original is the hooked address.
func (t *Trampoline) Original() uintptr { return t.h.original }

// Replacement is the address the original now jumps to.
func (t *Trampoline) Replacement() uintptr { return t.h.replacement }

func (t *Trampoline) Strategy() Strategy { return t.h.strategy }

// Stolen is the number of original bytes moved into the trampoline.
func (t *Trampoline) Stolen() int { return t.h.stolen }

// Close restores the original bytes. The trampoline must not be called
// afterwards.
func (t *Trampoline) Close() error {
	return t.ip.remove(t)
}

// Interposer owns the hooks and patches of a process. Its zero value is
// not usable; create one with New or use Default.
type Interposer struct {
	logger        *zap.Logger
	arch          arch
	mem           memory
	backend       Backend
	strategy      Strategy
	strategySet   bool
	defaultModule string
	manifest      string

	resolver *Resolver
	engine   *engine
	patches  *PatchManager

	mu          sync.Mutex
	named       map[string]*Trampoline
	installed   []*Trampoline
	initialized bool
}

type Option func(*Interposer)

func WithLogger(l *zap.Logger) Option {
	return func(ip *Interposer) { ip.logger = l }
}

// WithStrategy sets the strategy used when a hook does not pick one.
func WithStrategy(s Strategy) Option {
	return func(ip *Interposer) {
		ip.strategy = s
		ip.strategySet = true
	}
}

// WithBackend replaces the relocator used by StrategyRelocate.
func WithBackend(b Backend) Option {
	return func(ip *Interposer) { ip.backend = b }
}

// WithDefaultModule names the module used when a hook or patch names none.
func WithDefaultModule(name string) Option {
	return func(ip *Interposer) { ip.defaultModule = name }
}

// WithManifest makes Init load patches from a YAML file.
func WithManifest(path string) Option {
	return func(ip *Interposer) { ip.manifest = path }
}

func withMemory(m memory) Option {
	return func(ip *Interposer) { ip.mem = m }
}

func withArch(a arch) Option {
	return func(ip *Interposer) { ip.arch = a }
}

func New(opts ...Option) *Interposer {
	ip := &Interposer{
		logger:   zap.NewNop(),
		arch:     hostArch,
		strategy: StrategyDirect,
		named:    make(map[string]*Trampoline),
	}
	for _, opt := range opts {
		opt(ip)
	}
	if ip.mem == nil {
		reach := uintptr(1 << 27)
		if ip.arch != nil {
			reach = ip.arch.reach()
		}
		ip.mem = newProcessMemory(ip.logger, reach)
	}
	ip.resolver = NewResolver(WithResolverLogger(ip.logger))
	ip.engine = newEngine(ip.mem, ip.arch, ip.backend, ip.logger)
	ip.patches = newPatchManager(ip.resolver, ip.mem, ip.logger)
	return ip
}

var (
	defaultOnce sync.Once
	defaultIP   *Interposer
)

// Default returns the process-wide interposer.
func Default() *Interposer {
	defaultOnce.Do(func() {
		defaultIP = New()
	})
	return defaultIP
}

func (ip *Interposer) Resolver() *Resolver { return ip.resolver }

func (ip *Interposer) Patches() *PatchManager { return ip.patches }

func (ip *Interposer) Strategy() Strategy { return ip.strategy }

func (ip *Interposer) DefaultModule() string { return ip.defaultModule }

// Install redirects the routine at original to replacement, a raw code
// address, and returns the trampoline to the original behaviour.
func (ip *Interposer) Install(original, replacement uintptr, strategy Strategy) (*Trampoline, error) {
	return ip.install("", original, replacement, 0, strategy, nil)
}

// RegisterNative resolves symbol in module and redirects it to
// replacement, the address of native code with the same calling
// convention as symbol. An empty module means the default module. The
// hook is registered as "module!symbol" unless WithID names it.
func (ip *Interposer) RegisterNative(module, symbol string, replacement uintptr, opts ...HookOption) (*Trampoline, error) {
	id, addr, err := ip.resolveTarget(module, symbol)
	if err != nil {
		return nil, err
	}
	o := ip.hookOptions(id, opts)
	return ip.install(o.id, addr, replacement, 0, o.strategy, nil)
}

// resolveTarget returns the registry id and address of module!symbol.
func (ip *Interposer) resolveTarget(module, symbol string) (string, uintptr, error) {
	if module == "" {
		module = ip.defaultModule
	}
	sym, err := ip.resolver.Resolve(module, symbol)
	if err != nil {
		ip.logger.Error("resolve hook target",
			zap.String("module", module),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return "", 0, fmt.Errorf("hook %s!%s: %w", module, symbol, err)
	}
	return module + "!" + symbol, sym.Addr, nil
}

func (ip *Interposer) install(id string, from, to, ctxt uintptr, strategy Strategy, keep any) (*Trampoline, error) {
	h, err := ip.engine.install(from, to, ctxt, strategy)
	if err != nil {
		ip.logger.Error("install hook",
			zap.String("id", id),
			zap.Uintptr("original", from),
			zap.Error(err),
		)
		return nil, err
	}
	t := &Trampoline{ID: id, ip: ip, h: h, keep: keep}
	ip.mu.Lock()
	if id != "" {
		ip.named[id] = t
	}
	ip.installed = append(ip.installed, t)
	ip.mu.Unlock()
	ip.logger.Info("hook installed",
		zap.String("id", id),
		zap.Uintptr("original", from),
		zap.Uintptr("trampoline", h.trampoline),
		zap.Stringer("strategy", strategy),
		zap.Int("stolen", h.stolen),
	)
	return t, nil
}

// Trampoline returns the hook registered under id.
func (ip *Interposer) Trampoline(id string) (*Trampoline, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	t, ok := ip.named[id]
	return t, ok
}

// Hooks returns the installed hooks in installation order.
func (ip *Interposer) Hooks() []*Trampoline {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return append([]*Trampoline(nil), ip.installed...)
}

func (ip *Interposer) remove(t *Trampoline) error {
	if err := ip.engine.uninstall(t.h); err != nil {
		return err
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.named[t.ID] == t {
		delete(ip.named, t.ID)
	}
	for i, x := range ip.installed {
		if x == t {
			ip.installed = append(ip.installed[:i], ip.installed[i+1:]...)
			break
		}
	}
	return nil
}

// Init runs the one-time initialization pass: the manifest is loaded,
// the setup functions install their hooks, then every queued patch is
// applied. All failures are reported together. A second call returns
// ErrAlreadyInitialized.
func (ip *Interposer) Init(setup ...func(*Interposer) error) error {
	ip.mu.Lock()
	if ip.initialized {
		ip.mu.Unlock()
		return ErrAlreadyInitialized
	}
	ip.initialized = true
	ip.mu.Unlock()

	var errs error
	if ip.manifest != "" {
		errs = multierr.Append(errs, ip.loadManifest(ip.manifest))
	}
	for _, fn := range setup {
		errs = multierr.Append(errs, fn(ip))
	}
	errs = multierr.Append(errs, ip.patches.ApplyAll())
	if errs != nil {
		ip.logger.Warn("initialization incomplete", zap.Int("errors", len(multierr.Errors(errs))), zap.Error(errs))
	} else {
		ip.logger.Info("initialized", zap.Int("hooks", len(ip.Hooks())), zap.Int("patches", len(ip.patches.Pending())))
	}
	return errs
}

func (ip *Interposer) loadManifest(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return ip.ApplyConfig(cfg)
}

// ApplyConfig takes the strategy, default module and patches of a
// manifest. Options given to New win over the manifest.
func (ip *Interposer) ApplyConfig(cfg *config.Config) error {
	if !ip.strategySet {
		if s, err := ParseStrategy(cfg.Strategy); err == nil {
			ip.strategy = s
		}
	}
	if ip.defaultModule == "" {
		ip.defaultModule = cfg.DefaultModule
	}
	var errs error
	for _, pc := range cfg.Patches {
		module := cfg.ModuleFor(pc)
		if module == "" {
			module = ip.defaultModule
		}
		p, err := NewPatch(module, uintptr(pc.Offset), pc.Bytes)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.Name = pc.Name
		ip.patches.Add(p)
	}
	return errs
}

// Close removes every hook, newest first, reverts applied patches and
// releases trampoline memory.
func (ip *Interposer) Close() error {
	var errs error
	hooks := ip.Hooks()
	for i := len(hooks) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, hooks[i].Close())
	}
	errs = multierr.Append(errs, ip.patches.Revert())
	ip.mu.Lock()
	empty := len(ip.installed) == 0
	ip.mu.Unlock()
	if empty {
		errs = multierr.Append(errs, ip.mem.release())
	}
	return errs
}
