//go:build linux && amd64

package interpose

import (
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func skipLive(t *testing.T) {
	t.Helper()
	if raceEnabled {
		t.Skip("instrumented prologues under -race")
	}
}

func TestHookReplacesAndCallsOriginal(t *testing.T) {
	skipLive(t)
	want := fixtureScale(6, 4)
	ip := New(WithLogger(zaptest.NewLogger(t)))
	defer ip.Close()

	var h *Handle[func(int, int) int]
	h, err := Hook(ip, fixtureScale, func(a, b int) int {
		return h.Original()(a, b) + 1000
	}, UseStrategy(StrategyRelocate))
	require.NoError(t, err)

	assert.Equal(t, want+1000, fixtureScale(6, 4))
	assert.Equal(t, want, h.Original()(6, 4))

	name, _ := funcName(fixtureScale)
	assert.Equal(t, name, h.ID())
	got, ok := ip.Trampoline(name)
	require.True(t, ok)
	assert.Same(t, h.Trampoline(), got)

	require.NoError(t, h.Close())
	assert.Equal(t, want, fixtureScale(6, 4))
}

func TestHookGrowsStackThroughOriginal(t *testing.T) {
	skipLive(t)
	want := fixtureDeep(3)
	ip := New(WithLogger(zaptest.NewLogger(t)))
	defer ip.Close()

	var calls atomic.Int32
	var h *Handle[func(int) int]
	h, err := Hook(ip, fixtureDeep, func(n int) int {
		calls.Add(1)
		return h.Original()(n)
	}, UseStrategy(StrategyRelocate))
	require.NoError(t, err)

	got := make(chan int)
	go func() { got <- fixtureDeep(3) }()
	assert.Equal(t, want, <-got)
	assert.Equal(t, int32(1), calls.Load(), "replacement ran again after stack growth")

	require.NoError(t, h.Close())
	go func() { got <- fixtureDeep(3) }()
	assert.Equal(t, want, <-got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegisterHookBySymbol(t *testing.T) {
	skipLive(t)
	lib := mapLibrary(t)
	add := makeFunc[func(int, int) int](lib.addr("fixture_add"))
	require.Equal(t, 1+2+5, add(1, 2))

	ip := New(WithDefaultModule(lib.name), WithStrategy(StrategyRelocate))
	defer ip.Close()

	calls := 0
	var h *Handle[func(int, int) int]
	h, err := RegisterHook(ip, "", "fixture_add", func(a, b int) int {
		calls++
		return h.Original()(b, a) * 2
	}, WithID("add"))
	require.NoError(t, err)
	assert.Equal(t, "add", h.ID())

	assert.Equal(t, (1+2+5)*2, add(1, 2))
	assert.Equal(t, 1, calls)

	require.NoError(t, ip.Close())
	assert.Equal(t, 1+2+5, add(1, 2))
}

func TestRegisterNative(t *testing.T) {
	skipLive(t)
	lib := mapLibrary(t)
	add := makeFunc[func(int, int) int](lib.addr("fixture_add"))
	ip := New(WithDefaultModule(lib.name), WithLogger(zaptest.NewLogger(t)))
	defer ip.Close()

	tr, err := ip.RegisterNative("", "fixture_add", lib.addr("fixture_sub"))
	require.NoError(t, err)
	assert.Equal(t, lib.name+"!fixture_add", tr.ID)
	got, ok := ip.Trampoline(lib.name + "!fixture_add")
	require.True(t, ok)
	assert.Same(t, tr, got)
	assert.Equal(t, lib.addr("fixture_add"), tr.Original())
	assert.Equal(t, lib.addr("fixture_sub"), tr.Replacement())
	assert.Equal(t, 8, tr.Stolen())

	assert.Equal(t, 10-3, add(10, 3))
	orig := makeFunc[func(int, int) int](tr.Addr())
	assert.Equal(t, 10+3+5, orig(10, 3))

	_, err = ip.RegisterNative(lib.name, "fixture_add", lib.addr("fixture_sub"), WithID("again"))
	assert.ErrorIs(t, err, ErrDoubleHook)

	require.NoError(t, tr.Close())
	_, ok = ip.Trampoline(lib.name + "!fixture_add")
	assert.False(t, ok)
	assert.Equal(t, 10+3+5, add(10, 3))
}

func TestInstallRawAddress(t *testing.T) {
	skipLive(t)
	ip := New()
	defer ip.Close()

	from := reflect.ValueOf(fixtureScale).Pointer()
	to := reflect.ValueOf(fixtureOffset).Pointer()
	tr, err := ip.Install(from, to, StrategyRelocate)
	require.NoError(t, err)

	assert.Equal(t, fixtureOffset(3, 4), fixtureScale(3, 4))
	orig := makeFunc[func(int, int) int](tr.Addr())
	assert.Equal(t, (3*4+7)^(3-4), orig(3, 4))

	require.NoError(t, tr.Close())
	assert.Equal(t, (3*4+7)^(3-4), fixtureScale(3, 4))
}

func TestHookTwiceFails(t *testing.T) {
	skipLive(t)
	ip := New()
	defer ip.Close()

	h, err := Hook(ip, fixtureScale, func(a, b int) int { return 0 }, UseStrategy(StrategyRelocate))
	require.NoError(t, err)
	_, err = Hook(ip, fixtureScale, func(a, b int) int { return 1 }, UseStrategy(StrategyRelocate))
	assert.ErrorIs(t, err, ErrDoubleHook)
	require.NoError(t, h.Close())
}

func TestHookRejectsNonFunc(t *testing.T) {
	_, err := Hook(New(), 42, 43)
	assert.ErrorIs(t, err, ErrInputType)

	var nilFn func()
	_, err = Hook(New(), nilFn, func() {})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}
