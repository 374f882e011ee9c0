package symbols

import (
	"debug/macho"
	"io"
	"strings"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Format() string { return "macho" }

// Symbols also registers every C symbol without its leading underscore,
// which is the name dlsym callers use.
func (f *machoFile) Symbols() ([]Symbol, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	var out []Symbol
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 || s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Value: s.Value})
		if strings.HasPrefix(s.Name, "_") {
			out = append(out, Symbol{Name: s.Name[1:], Value: s.Value})
		}
	}
	return out, nil
}

func (f *machoFile) Segments() []Segment {
	var segs []Segment
	for _, l := range f.macho.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok || seg.Filesz == 0 {
			continue
		}
		segs = append(segs, Segment{
			Vaddr:  seg.Addr,
			Offset: seg.Offset,
			Filesz: seg.Filesz,
			Memsz:  seg.Memsz,
		})
	}
	return segs
}
