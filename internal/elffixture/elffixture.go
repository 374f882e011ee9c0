// Package elffixture writes minimal ELF shared objects with a symbol table,
// so tests can resolve and hook named functions without a toolchain.
package elffixture

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"runtime"
)

const (
	// Vaddr is the link-time address of file offset 0.
	Vaddr = 0x10000
	// TextOffset is where .text starts in the file.
	TextOffset = 0x1000

	funcAlign = 16
)

// Func is one function placed in .text.
type Func struct {
	Name string
	Code []byte
}

// Image is a built object file.
type Image struct {
	Bytes []byte
	// Addrs holds the link-time address of each function.
	Addrs map[string]uint64
}

// Offset is the file offset of the named function.
func (im *Image) Offset(name string) uint64 {
	return im.Addrs[name] - Vaddr
}

func machine() elf.Machine {
	if runtime.GOARCH == "arm64" {
		return elf.EM_AARCH64
	}
	return elf.EM_X86_64
}

type strtab struct{ bytes.Buffer }

func newStrtab() *strtab {
	s := &strtab{}
	s.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

func pad(b *bytes.Buffer, align int) {
	for b.Len()%align != 0 {
		b.WriteByte(0)
	}
}

// Build lays the functions out back to back in one loadable read-execute
// segment and records them as global FUNC symbols.
func Build(funcs []Func) *Image {
	im := &Image{Addrs: make(map[string]uint64, len(funcs))}

	var text bytes.Buffer
	strs := newStrtab()
	syms := []elf.Sym64{{}}
	for _, fn := range funcs {
		pad(&text, funcAlign)
		addr := uint64(Vaddr + TextOffset + text.Len())
		im.Addrs[fn.Name] = addr
		text.Write(fn.Code)
		syms = append(syms, elf.Sym64{
			Name:  strs.add(fn.Name),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: addr,
			Size:  uint64(len(fn.Code)),
		})
	}

	shstrs := newStrtab()
	names := []uint32{0, shstrs.add(".text"), shstrs.add(".symtab"), shstrs.add(".strtab"), shstrs.add(".shstrtab")}

	var out bytes.Buffer
	out.Write(make([]byte, TextOffset))
	out.Write(text.Bytes())
	loadEnd := uint64(out.Len())

	pad(&out, 8)
	symOff := uint64(out.Len())
	for _, s := range syms {
		binary.Write(&out, binary.LittleEndian, &s)
	}
	strOff := uint64(out.Len())
	out.Write(strs.Bytes())
	shstrOff := uint64(out.Len())
	out.Write(shstrs.Bytes())
	pad(&out, 8)
	shoff := uint64(out.Len())

	sections := []elf.Section64{
		{},
		{
			Name:      names[1],
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      Vaddr + TextOffset,
			Off:       TextOffset,
			Size:      uint64(text.Len()),
			Addralign: funcAlign,
		},
		{
			Name:      names[2],
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       symOff,
			Size:      strOff - symOff,
			Link:      3,
			Info:      1,
			Addralign: 8,
			Entsize:   elf.Sym64Size,
		},
		{
			Name:      names[3],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      uint64(strs.Len()),
			Addralign: 1,
		},
		{
			Name:      names[4],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(shstrs.Len()),
			Addralign: 1,
		},
	}
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, &s)
	}

	img := out.Bytes()
	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(&hdr, binary.LittleEndian, &elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine()),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  4,
	})
	binary.Write(&hdr, binary.LittleEndian, &elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0,
		Vaddr:  Vaddr,
		Paddr:  Vaddr,
		Filesz: loadEnd,
		Memsz:  loadEnd,
		Align:  0x1000,
	})
	copy(img, hdr.Bytes())
	im.Bytes = img
	return im
}

// Write builds the functions into a new file in dir whose name follows
// pattern, as os.CreateTemp does, and returns the file path.
func Write(dir, pattern string, funcs []Func) (string, *Image, error) {
	im := Build(funcs)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	if _, err := f.Write(im.Bytes); err != nil {
		return "", nil, err
	}
	return f.Name(), im, f.Close()
}
