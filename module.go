package interpose

import (
	"fmt"

	"github.com/k2io/interpose/internal/procmaps"
)

// Module is a file mapped into the process.
type Module struct {
	// Name is the base name of Path.
	Name string
	Path string
	// Base is the lowest address of any mapping of the file.
	Base uintptr
	End  uintptr
	// Mappings are sorted by address.
	Mappings []procmaps.Mapping
}

// Size is the distance from Base to the end of the last mapping.
func (m *Module) Size() uintptr { return m.End - m.Base }

// Addr returns the address at offset off from Base.
func (m *Module) Addr(off uintptr) uintptr { return m.Base + off }

// Contains reports whether [Base+off, Base+off+n) lies entirely inside
// mapped pages of the module.
func (m *Module) Contains(off uintptr, n int) bool {
	if n <= 0 || off >= m.Size() || uintptr(n) > m.Size()-off {
		return false
	}
	_, ok := procmaps.Covering(m.Mappings, m.Addr(off), n)
	return ok
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%#x", m.Name, m.Base)
}

// Symbol is a resolved symbol.
type Symbol struct {
	Module *Module
	Name   string
	Addr   uintptr
	Size   uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s!%s@%#x", s.Module.Name, s.Name, s.Addr)
}
