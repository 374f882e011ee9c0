package symbols

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Format() string { return "elf" }

// Symbols merges .symtab and .dynsym. Undefined imports are dropped.
func (e *elfFile) Symbols() ([]Symbol, error) {
	var out []Symbol
	for _, read := range []func() ([]elf.Symbol, error){e.elf.Symbols, e.elf.DynamicSymbols} {
		syms, err := read()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				continue
			}
			return nil, err
		}
		out = append(out, getElfDefined(syms)...)
	}
	return out, nil
}

func (e *elfFile) Segments() []Segment {
	var segs []Segment
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, Segment{
			Vaddr:  p.Vaddr,
			Offset: p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
		})
	}
	return segs
}

func getElfDefined(stab []elf.Symbol) []Symbol {
	out := make([]Symbol, 0, len(stab))
	for _, k := range stab {
		if k.Name == "" || k.Value == 0 || k.Section == elf.SHN_UNDEF {
			continue
		}
		typ := elf.ST_TYPE(k.Info)
		if typ == elf.STT_SECTION || typ == elf.STT_FILE {
			continue
		}
		out = append(out, Symbol{
			Name:  k.Name,
			Value: k.Value,
			Size:  k.Size,
			Func:  typ == elf.STT_FUNC,
		})
	}
	return out
}
