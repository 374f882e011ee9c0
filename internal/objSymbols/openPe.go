package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Format() string { return "pe" }

// Symbols returns COFF symbols as image-relative addresses.
func (f *peFile) Symbols() ([]Symbol, error) {
	if f.pe.Symbols == nil {
		return nil, nil
	}
	var out []Symbol
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		out = append(out, Symbol{
			Name:  s.Name,
			Value: uint64(sect.VirtualAddress) + uint64(s.Value),
			Func:  s.Type&0x20 != 0,
		})
	}
	return out, nil
}

func (f *peFile) Segments() []Segment {
	segs := make([]Segment, 0, len(f.pe.Sections))
	for _, s := range f.pe.Sections {
		segs = append(segs, Segment{
			Vaddr:  uint64(s.VirtualAddress),
			Offset: uint64(s.Offset),
			Filesz: uint64(s.Size),
			Memsz:  uint64(s.VirtualSize),
		})
	}
	return segs
}
