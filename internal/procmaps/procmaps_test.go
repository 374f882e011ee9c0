package procmaps

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const sample = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521      /usr/bin/dbus-daemon
00652000-00655000 rw-p 00052000 08:02 173521      /usr/bin/dbus-daemon
00e03000-00e24000 rw-p 00000000 00:00 0           [heap]
7f2c3000-7f2c4000 r-xp 00000000 08:02 1234        /opt/my lib/libfoo.so
7f2c4000-7f2c5000 r--p 00001000 08:02 1234        /opt/my lib/libfoo.so
7ffd1000-7ffd2000 rw-p 00000000 00:00 0
garbage line
`

func TestParse(t *testing.T) {
	ms, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, ms, 7)

	assert.Equal(t, uintptr(0x400000), ms[0].Start)
	assert.Equal(t, uintptr(0x452000), ms[0].End)
	assert.Equal(t, "/usr/bin/dbus-daemon", ms[0].Path)
	assert.True(t, ms[0].Perms.Executable())
	assert.False(t, ms[0].Perms.Writable())
	assert.Equal(t, "r-xp", ms[0].Perms.String())

	assert.Equal(t, uint64(0x51000), ms[1].Offset)
	assert.Equal(t, "[heap]", ms[3].Path)
	assert.False(t, ms[3].IsFile())
	assert.Equal(t, "/opt/my lib/libfoo.so", ms[4].Path)
	assert.True(t, ms[4].IsFile())
	assert.Equal(t, "", ms[6].Path)
	assert.False(t, ms[6].IsFile())
}

func TestParseLineRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"00400000 r-xp 00000000 08:02 1",
		"zz-00452000 r-xp 00000000 08:02 1",
		"00452000-00400000 r-xp 00000000 08:02 1",
		"00400000-00452000 r- 00000000 08:02 1",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, line)
	}
}

func TestPermsProt(t *testing.T) {
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, (Read | Exec | Private).Prot())
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, (Read | Write).Prot())
	assert.Equal(t, unix.PROT_NONE, Perms(0).Prot())
}

func TestFindAndCovering(t *testing.T) {
	ms, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	m, ok := Find(ms, 0x400010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x400000), m.Start)

	_, ok = Find(ms, 0x452000)
	assert.False(t, ok, "end is exclusive")

	// spans the two adjacent libfoo mappings
	cover, ok := Covering(ms, 0x7f2c3ff0, 0x20)
	require.True(t, ok)
	require.Len(t, cover, 2)
	assert.Equal(t, uintptr(0x7f2c4000), cover[1].Start)

	cover, ok = Covering(ms, 0x651ff0, 0x20)
	require.True(t, ok)
	assert.Len(t, cover, 2)

	// runs into the gap before [heap]
	_, ok = Covering(ms, 0x654ff0, 0x10)
	assert.True(t, ok)
	_, ok = Covering(ms, 0x654ff0, 0x20)
	assert.False(t, ok)

	_, ok = Covering(ms, 0x400000, 0)
	assert.False(t, ok)
}

func TestSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "android" {
		t.Skip("needs /proc")
	}
	ms, err := Self()
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	var exec bool
	for _, m := range ms {
		if m.Perms.Executable() && m.IsFile() {
			exec = true
		}
	}
	assert.True(t, exec, "process has no executable file mapping")
}

func TestReadPid(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "android" {
		t.Skip("needs /proc")
	}
	self, err := ReadPid(0)
	require.NoError(t, err)
	byPid, err := ReadPid(unix.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, byPid)
	assert.Equal(t, self[0].Path, byPid[0].Path)

	_, err = ReadPid(1 << 30)
	assert.Error(t, err)
}
