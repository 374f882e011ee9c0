package elffixture

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParses(t *testing.T) {
	im := Build([]Func{
		{Name: "one", Code: []byte{0x90, 0xc3}},
		{Name: "two", Code: []byte{0xc3}},
	})
	assert.Equal(t, uint64(0x11000), im.Addrs["one"])
	assert.Equal(t, uint64(0x11010), im.Addrs["two"])
	assert.Equal(t, uint64(0x1010), im.Offset("two"))

	f, err := elf.NewFile(bytes.NewReader(im.Bytes))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_DYN, f.Type)
	require.Len(t, f.Progs, 1)
	assert.Equal(t, uint64(Vaddr), f.Progs[0].Vaddr)
	assert.Equal(t, uint64(0x1011), f.Progs[0].Filesz)

	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "two", syms[1].Name)
	assert.Equal(t, uint64(0x11010), syms[1].Value)
	assert.Equal(t, uint64(1), syms[1].Size)
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(syms[1].Info))

	text := f.Section(".text")
	require.NotNil(t, text)
	data, err := text.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0xc3}, data[:2])
}
