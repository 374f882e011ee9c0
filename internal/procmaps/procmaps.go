// Package procmaps reads the memory map of a Linux process from /proc/<pid>/maps.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Perms is the permission column of a maps line.
type Perms uint8

const (
	Read Perms = 1 << iota
	Write
	Exec
	Private
)

func (p Perms) Readable() bool   { return p&Read != 0 }
func (p Perms) Writable() bool   { return p&Write != 0 }
func (p Perms) Executable() bool { return p&Exec != 0 }

// Prot converts p to mprotect flags.
func (p Perms) Prot() int {
	prot := unix.PROT_NONE
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&Exec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (p Perms) String() string {
	b := []byte("---s")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	if p&Private != 0 {
		b[3] = 'p'
	}
	return string(b)
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  Perms
	Offset uint64
	Path   string
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uintptr { return m.End - m.Start }

// Contains reports whether addr lies inside m.
func (m Mapping) Contains(addr uintptr) bool { return addr >= m.Start && addr < m.End }

func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %s %s", m.Start, m.End, m.Perms, m.Path)
}

// IsFile reports whether m is backed by a named file rather than being
// anonymous or a kernel pseudo mapping such as [stack] or [vdso].
func (m Mapping) IsFile() bool {
	return m.Path != "" && !strings.HasPrefix(m.Path, "[")
}

// Self reads the maps of the calling process.
func Self() ([]Mapping, error) {
	return ReadPid(0)
}

// ReadPid reads the maps of pid. A pid of 0 selects the calling process.
func ReadPid(pid int) ([]Mapping, error) {
	path := "/proc/self/maps"
	if pid > 0 {
		path = fmt.Sprintf("/proc/%d/maps", pid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads maps lines from r. Lines that cannot be parsed are skipped.
func Parse(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m, ok := ParseLine(scanner.Text()); ok {
			mappings = append(mappings, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].Start < mappings[j].Start
	})
	return mappings, nil
}

// ParseLine parses a single maps line.
// Format: start-end perms offset dev inode pathname
func ParseLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil || end < start {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	if len(fields[1]) < 4 {
		return Mapping{}, false
	}

	var perms Perms
	if fields[1][0] == 'r' {
		perms |= Read
	}
	if fields[1][1] == 'w' {
		perms |= Write
	}
	if fields[1][2] == 'x' {
		perms |= Exec
	}
	if fields[1][3] == 'p' {
		perms |= Private
	}

	// paths may contain spaces
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  perms,
		Offset: offset,
		Path:   path,
	}, true
}

// Find returns the mapping containing addr.
func Find(mappings []Mapping, addr uintptr) (Mapping, bool) {
	i := sort.Search(len(mappings), func(i int) bool {
		return mappings[i].End > addr
	})
	if i < len(mappings) && mappings[i].Contains(addr) {
		return mappings[i], true
	}
	return Mapping{}, false
}

// Covering returns the mappings that together cover [addr, addr+n) without
// gaps. It reports false when any byte of the range is unmapped.
func Covering(mappings []Mapping, addr uintptr, n int) ([]Mapping, bool) {
	if n <= 0 {
		return nil, false
	}
	end := addr + uintptr(n)
	if end < addr {
		return nil, false
	}
	var out []Mapping
	for cur := addr; cur < end; {
		m, ok := Find(mappings, cur)
		if !ok {
			return nil, false
		}
		out = append(out, m)
		cur = m.End
	}
	return out, true
}
