package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnrecognized means the file is not an object format we can read.
var ErrUnrecognized = errors.New("unrecognized object file")

// Symbol is a defined entry of an object file's symbol table.
type Symbol struct {
	Name  string
	Value uint64 // link-time virtual address
	Size  uint64
	Func  bool
}

// Segment describes a loadable region: file bytes [Offset, Offset+Filesz)
// are mapped at link-time address Vaddr.
type Segment struct {
	Vaddr  uint64
	Offset uint64
	Filesz uint64
	Memsz  uint64
}

// Table is the symbol table and load layout of one object file.
type Table struct {
	Path     string
	Format   string
	Segments []Segment
	symbols  map[string]Symbol
}

type rawFile interface {
	Format() string
	Symbols() ([]Symbol, error)
	Segments() []Segment
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// ReadSymbols opens name and reads its symbol table and segments.
func ReadSymbols(name string) (*Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.Symbols()
		if err != nil {
			return nil, fmt.Errorf("read symbols of %s: %w", name, err)
		}
		return newTable(name, raw.Format(), syms, raw.Segments()), nil
	}
	return nil, fmt.Errorf("open %s: %w", name, ErrUnrecognized)
}

func newTable(path, format string, syms []Symbol, segs []Segment) *Table {
	t := &Table{
		Path:     path,
		Format:   format,
		Segments: segs,
		symbols:  make(map[string]Symbol, len(syms)),
	}
	for _, s := range syms {
		// first definition wins, except that a sized function beats a bare label
		if old, ok := t.symbols[s.Name]; ok && !(s.Func && !old.Func) {
			continue
		}
		t.symbols[s.Name] = s
	}
	return t
}

// Lookup returns the symbol called name.
func (t *Table) Lookup(name string) (Symbol, bool) {
	s, ok := t.symbols[name]
	return s, ok
}

// Len returns the number of distinct symbol names.
func (t *Table) Len() int { return len(t.symbols) }

// VaddrAt maps a file offset to the link-time address it is loaded at.
// pageSize is used to align segment file offsets the way the loader does.
func (t *Table) VaddrAt(off uint64, pageSize uint64) (uint64, bool) {
	for _, seg := range t.Segments {
		start := seg.Offset &^ (pageSize - 1)
		if off >= start && off < seg.Offset+seg.Filesz {
			return seg.Vaddr - seg.Offset + off, true
		}
	}
	return 0, false
}
