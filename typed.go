package interpose

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// funcval is the runtime layout behind a Go func value.
type funcval struct {
	fn uintptr
	// variable-size, fn-specific data here
}

// makeFunc returns a func value of type T that calls the code at pc.
func makeFunc[T any](pc uintptr) T {
	f := &funcval{fn: pc}
	var fn T
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(f)
	return fn
}

// funcContext returns the closure pointer held by fn.
func funcContext[T any](fn T) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0, fmt.Errorf("%w: %T", ErrInputType, fn)
	}
	if v.IsNil() {
		return 0, fmt.Errorf("%w: nil func", ErrInvalidTarget)
	}
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&fn))), nil
}

// Handle is a typed hook. Original calls the routine as it was before
// the hook was installed.
type Handle[T any] struct {
	tramp    *Trampoline
	original T
}

func (h *Handle[T]) Original() T { return h.original }

func (h *Handle[T]) Trampoline() *Trampoline { return h.tramp }

func (h *Handle[T]) ID() string { return h.tramp.ID }

// Close restores the hooked routine.
func (h *Handle[T]) Close() error { return h.tramp.Close() }

type hookOptions struct {
	strategy Strategy
	id       string
}

type HookOption func(*hookOptions)

// UseStrategy overrides the interposer's strategy for one hook.
func UseStrategy(s Strategy) HookOption {
	return func(o *hookOptions) { o.strategy = s }
}

// WithID registers the hook under id instead of the default name.
func WithID(id string) HookOption {
	return func(o *hookOptions) { o.id = id }
}

// Hook redirects the Go function target to replacement. Both sides use
// Go's calling convention; for code called from outside Go use
// RegisterNative.
func Hook[T any](ip *Interposer, target, replacement T, opts ...HookOption) (*Handle[T], error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrInputType, target)
	}
	if v.IsNil() {
		return nil, fmt.Errorf("%w: nil func", ErrInvalidTarget)
	}
	from := v.Pointer()
	id := fmt.Sprintf("%#x", from)
	if f := runtime.FuncForPC(from); f != nil {
		id = f.Name()
	}
	return hookAt(ip, id, from, replacement, opts)
}

// RegisterHook resolves symbol in module and redirects it to the Go func
// replacement. An empty module means the interposer's default module. The
// hook is registered as "module!symbol".
//
// The replacement runs as Go code, so every caller of symbol must follow
// Go's calling convention. A routine of a native library called from C
// needs RegisterNative with a native replacement.
func RegisterHook[T any](ip *Interposer, module, symbol string, replacement T, opts ...HookOption) (*Handle[T], error) {
	id, addr, err := ip.resolveTarget(module, symbol)
	if err != nil {
		return nil, err
	}
	return hookAt(ip, id, addr, replacement, opts)
}

func (ip *Interposer) hookOptions(id string, opts []HookOption) hookOptions {
	o := hookOptions{strategy: ip.strategy, id: id}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func hookAt[T any](ip *Interposer, id string, from uintptr, replacement T, opts []HookOption) (*Handle[T], error) {
	ctxt, err := funcContext(replacement)
	if err != nil {
		return nil, err
	}
	o := ip.hookOptions(id, opts)
	to := reflect.ValueOf(replacement).Pointer()
	t, err := ip.install(o.id, from, to, ctxt, o.strategy, replacement)
	if err != nil {
		return nil, err
	}
	return &Handle[T]{tramp: t, original: makeFunc[T](t.Addr())}, nil
}
