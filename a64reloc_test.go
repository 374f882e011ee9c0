package interpose

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quad(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func TestA64Jump(t *testing.T) {
	a := a64{}
	assert.Equal(t, a64Words(0x14000040), a.jump(0x10000, 0x10100))
	assert.Equal(t, a64Words(0x17ffffc0), a.jump(0x10100, 0x10000))
	assert.Equal(t, quad(a64Words(0x58000050, 0xd61f0200), 0x7f0000001000), a.jump(0x10000, 0x7f0000001000))
}

func TestA64Thunk(t *testing.T) {
	want := quad(a64Words(0x5800009a, 0xf9400350, 0xd61f0200, 0xd503201f), 0x4000123450)
	assert.Equal(t, want, a64{}.thunk(0x4000123450))
}

func TestA64Pad(t *testing.T) {
	assert.Equal(t, a64Words(0x14000040, a64Nop, a64Nop), a64{}.pad(a64Words(0x14000040), 12))
}

var a64Frame = a64Words(
	0xa9bf7bfd, // stp x29, x30, [sp, #-16]!
	0x910003fd, // mov x29, sp
	0xd65f03c0, // ret
)

func TestA64CopyPrologue(t *testing.T) {
	body, n, err := a64{}.copyPrologue(a64Frame, 0x401000, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, a64Frame[:4], body)

	body, n, err = a64{}.copyPrologue(a64Frame, 0x401000, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, a64Frame[:8], body)

	_, _, err = a64{}.copyPrologue(a64Words(0x90000000, a64Nop), 0x401000, 4) // adrp x0, .
	assert.ErrorIs(t, err, ErrUnrelocatableInstruction)
}

func TestA64Rewrite(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		want []byte
	}{
		{
			name: "adrp",
			word: 0xb0000001, // adrp x1, .+0x1000
			want: quad(a64Words(0x58000041, 0x14000003), 0x402000),
		},
		{
			name: "adr",
			word: 0x10000102, // adr x2, .+0x20
			want: quad(a64Words(0x58000042, 0x14000003), 0x401020),
		},
		{
			name: "bl",
			word: 0x94000010, // bl .+0x40
			want: quad(a64Words(0x58000070, 0xd63f0200, 0x14000003), 0x401040),
		},
		{
			name: "b",
			word: 0x14000010, // b .+0x40
			want: quad(a64Words(0x58000050, 0xd61f0200), 0x401040),
		},
		{
			name: "b.eq",
			word: 0x54000200, // b.eq .+0x40
			want: quad(a64Words(0x54000040, 0x14000005, 0x58000050, 0xd61f0200), 0x401040),
		},
		{
			name: "cbz",
			word: 0xb4000100, // cbz x0, .+0x20
			want: quad(a64Words(0xb4000040, 0x14000005, 0x58000050, 0xd61f0200), 0x401020),
		},
		{
			name: "tbnz",
			word: 0x37080100, // tbnz w0, #1, .+0x20
			want: quad(a64Words(0x37080040, 0x14000005, 0x58000050, 0xd61f0200), 0x401020),
		},
		{
			name: "plain",
			word: 0xa9bf7bfd,
			want: a64Words(0xa9bf7bfd),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, n, err := a64{}.rewritePrologue(a64Words(tt.word, a64Nop), 0x401000, 0x7f0000000000, 4)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestA64Unrelocatable(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		need int
	}{
		{"literal load", a64Words(0x58000040, a64Nop), 4},
		{"branch into prologue", a64Words(0x54000021, a64Nop, a64Nop), 8}, // b.ne .+4
		{"ret", a64Words(0xd65f03c0, a64Nop, a64Nop), 8},
		{"short", a64Words(a64Nop), 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a64{}.rewritePrologue(tt.code, 0x401000, 0x500000, tt.need)
			assert.ErrorIs(t, err, ErrUnrelocatableInstruction)
		})
	}
}

func TestA64ExitsAndBackEdge(t *testing.T) {
	code := a64Words(
		0xf9400b90, // ldr x16, [x28, #16]
		0xeb3063ff, // cmp sp, x16
		0x54000089, // b.ls +16
		0xd65f03c0, // ret
	)
	exits := a64{}.exits(code, 0x1000)
	require.Len(t, exits, 1)
	assert.Equal(t, exit{target: 0x1018, end: 12}, exits[0])

	stub := a64Words(0xaa1e03e3, 0x97ffffb9, 0x17fffff8) // mov x3, x30; bl; b -32
	off, n, ok := a64{}.backEdge(stub, 0x1018, 0x1000)
	require.True(t, ok)
	assert.Equal(t, 8, off)
	assert.Equal(t, 4, n)

	got, ok := a64{}.retarget(stub[8:], 0x1020, 0x1004)
	require.True(t, ok)
	assert.Equal(t, a64Words(0x17fffff9), got)
	_, ok = a64{}.retarget(a64Words(a64Nop), 0x1020, 0x1004)
	assert.False(t, ok)
}
