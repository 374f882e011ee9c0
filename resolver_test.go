package interpose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/interpose/internal/procmaps"
)

const maps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/lib/libgame.so
00651000-00652000 r--p 00051000 08:02 173521      /usr/lib/libgame.so
00652000-00655000 rw-p 00052000 08:02 173521      /usr/lib/libgame.so
00e03000-00e24000 rw-p 00000000 00:00 0           [heap]
7f2c3000-7f2c4000 r-xp 00000000 08:02 1234        /opt/other/libgame.so
7ffd1000-7ffd2000 rw-p 00000000 00:00 0
`

func TestGroupModules(t *testing.T) {
	ms, err := procmaps.Parse(strings.NewReader(maps))
	require.NoError(t, err)
	mods := groupModules(ms)
	require.Len(t, mods, 2)

	game := mods[0]
	assert.Equal(t, "libgame.so", game.Name)
	assert.Equal(t, "/usr/lib/libgame.so", game.Path)
	assert.Equal(t, uintptr(0x400000), game.Base)
	assert.Equal(t, uintptr(0x655000), game.End)
	assert.Len(t, game.Mappings, 3)
	assert.Equal(t, "libgame.so@0x400000", game.String())

	assert.Equal(t, "/opt/other/libgame.so", mods[1].Path)
}

func TestModuleContains(t *testing.T) {
	ms, err := procmaps.Parse(strings.NewReader(maps))
	require.NoError(t, err)
	game := groupModules(ms)[0]

	tests := []struct {
		off  uintptr
		n    int
		want bool
	}{
		{0x10, 2, true},
		{0x251fff, 2, true},    // adjacent mappings
		{0x51ff0, 0x20, false}, // gap before 0x651000
		{0x254ffe, 2, true},
		{0x254fff, 2, false},
		{0x255000, 1, false},
		{0x10, 0, false},
		{^uintptr(0) - 1, 4, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, game.Contains(tt.off, tt.n), "off %#x n %d", tt.off, tt.n)
	}
}

func TestLookupNilModule(t *testing.T) {
	_, err := NewResolver().Lookup(nil, "main")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestOpenModuleEmptyName(t *testing.T) {
	_, err := NewResolver().OpenModule("")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}
