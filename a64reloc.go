package interpose

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	a64Nop        = 0xd503201f
	a64B          = 0x14000000
	a64BL         = 0x94000000
	a64LdrX16Lit8 = 0x58000050 // LDR X16, #8
	a64BrX16      = 0xd61f0200
	a64BlrX16     = 0xd63f0200
	a64Brk        = 0xd4200000
)

// a64 generates arm64 code. X16 is the intra-procedure scratch register
// and carries every long branch.
type a64 struct{}

func a64Words(ws ...uint32) []byte {
	b := make([]byte, 0, 4*len(ws))
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func a64InBranchRange(d int64) bool {
	return d%4 == 0 && d >= -(1<<27) && d < 1<<27
}

func (a64) jump(from, to uintptr) []byte {
	d := int64(to) - int64(from)
	if a64InBranchRange(d) {
		return a64Words(a64B | uint32(d>>2)&0x3ffffff)
	}
	return a64AbsJump(to)
}

// a64AbsJump is LDR X16, #8; BR X16; .quad to.
func a64AbsJump(to uintptr) []byte {
	return binary.LittleEndian.AppendUint64(a64Words(a64LdrX16Lit8, a64BrX16), uint64(to))
}

// thunk loads ctxt into X26 and branches through its first word.
func (a64) thunk(ctxt uintptr) []byte {
	b := a64Words(
		0x5800009a, // LDR X26, #16
		0xf9400350, // LDR X16, [X26]
		a64BrX16,
		a64Nop,
	)
	return binary.LittleEndian.AppendUint64(b, uint64(ctxt))
}

func (a64) pad(code []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, code)
	for i := len(code); i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint32(out[i:], a64Nop)
	}
	return out
}

func (a64) align() uintptr { return 4 }

func (a64) reach() uintptr { return 1 << 27 }

type a64Kind int

const (
	a64Plain a64Kind = iota
	a64KindB
	a64KindBL
	a64KindBcond
	a64KindCB
	a64KindTB
	a64KindADR
	a64KindADRP
	a64KindLDRLit
	a64KindPCRel
)

func a64Classify(w uint32, inst arm64asm.Inst) a64Kind {
	switch {
	case w&0xfc000000 == a64B:
		return a64KindB
	case w&0xfc000000 == a64BL:
		return a64KindBL
	case w&0xff000010 == 0x54000000:
		return a64KindBcond
	case w&0x7e000000 == 0x34000000:
		return a64KindCB
	case w&0x7e000000 == 0x36000000:
		return a64KindTB
	case w&0x9f000000 == 0x10000000:
		return a64KindADR
	case w&0x9f000000 == 0x90000000:
		return a64KindADRP
	case w&0x3b000000 == 0x18000000:
		return a64KindLDRLit
	}
	for _, arg := range inst.Args {
		if _, ok := arg.(arm64asm.PCRel); ok {
			return a64KindPCRel
		}
	}
	return a64Plain
}

func a64EndsRoutine(w uint32) bool {
	return w&0xfffffc1f == 0xd65f0000 || // RET
		w&0xfffffc1f == 0xd61f0000 || // BR
		w&0xfc000000 == a64B ||
		w&0xffe0001f == a64Brk
}

// a64Dest is the target of the branch w placed at pc.
func a64Dest(w uint32, kind a64Kind, pc uintptr) uintptr {
	switch kind {
	case a64KindB, a64KindBL:
		return uintptr(int64(pc) + 4*signExtend(uint64(w&0x3ffffff), 26))
	case a64KindBcond, a64KindCB:
		return uintptr(int64(pc) + 4*signExtend(uint64(w>>5&0x7ffff), 19))
	case a64KindTB:
		return uintptr(int64(pc) + 4*signExtend(uint64(w>>5&0x3fff), 14))
	}
	return 0
}

type a64Inst struct {
	word uint32
	kind a64Kind
}

func a64Prologue(code []byte, from uintptr, need int) ([]a64Inst, error) {
	var insts []a64Inst
	for n := 0; n < need; n += 4 {
		if n+4 > len(code) {
			return nil, fmt.Errorf("%w: routine at %#x is shorter than %d bytes", ErrUnrelocatableInstruction, from, need)
		}
		w := binary.LittleEndian.Uint32(code[n:])
		inst, err := arm64asm.Decode(code[n : n+4])
		if err != nil {
			return nil, fmt.Errorf("%w: %#08x at %#x: %v", ErrUnrelocatableInstruction, w, from+uintptr(n), err)
		}
		insts = append(insts, a64Inst{word: w, kind: a64Classify(w, inst)})
		if n+4 < need && a64EndsRoutine(w) {
			return nil, fmt.Errorf("%w: routine at %#x ends after %d bytes", ErrUnrelocatableInstruction, from, n+4)
		}
	}
	return insts, nil
}

func (a64) copyPrologue(code []byte, from uintptr, need int) ([]byte, int, error) {
	insts, err := a64Prologue(code, from, need)
	if err != nil {
		return nil, 0, err
	}
	for i, inst := range insts {
		if inst.kind != a64Plain {
			return nil, 0, fmt.Errorf("%w: %#08x at %#x is PC-relative", ErrUnrelocatableInstruction, inst.word, from+uintptr(4*i))
		}
	}
	n := 4 * len(insts)
	return append([]byte(nil), code[:n]...), n, nil
}

// rewritePrologue expands every PC-relative instruction into a sequence
// that materializes the absolute target, so the result runs anywhere.
func (a64) rewritePrologue(code []byte, from, to uintptr, need int) ([]byte, int, error) {
	insts, err := a64Prologue(code, from, need)
	if err != nil {
		return nil, 0, err
	}
	n := 4 * len(insts)
	inside := func(dest uintptr) bool { return dest >= from && dest < from+uintptr(n) }

	var out []byte
	for i, inst := range insts {
		pc := from + uintptr(4*i)
		w := inst.word
		dest := a64Dest(w, inst.kind, pc)

		switch inst.kind {
		case a64Plain:
			out = binary.LittleEndian.AppendUint32(out, w)
			continue
		case a64KindB, a64KindBL, a64KindBcond, a64KindCB, a64KindTB:
			if inside(dest) {
				return nil, 0, fmt.Errorf("%w: branch at %#x targets the patched bytes", ErrUnrelocatableInstruction, pc)
			}
		}

		switch inst.kind {
		case a64KindB:
			out = append(out, a64AbsJump(dest)...)
		case a64KindBL:
			out = append(out, a64Words(
				0x58000070, // LDR X16, #12
				a64BlrX16,
				0x14000003, // B #12
			)...)
			out = binary.LittleEndian.AppendUint64(out, uint64(dest))
		case a64KindBcond, a64KindCB, a64KindTB:
			// the condition now skips to a long branch two words ahead
			var imm uint32
			if inst.kind == a64KindTB {
				imm = w&^(0x3fff<<5) | 2<<5
			} else {
				imm = w&^(0x7ffff<<5) | 2<<5
			}
			out = append(out, a64Words(imm, 0x14000005)...) // B #20
			out = append(out, a64AbsJump(dest)...)
		case a64KindADR, a64KindADRP:
			rd := w & 0x1f
			off := signExtend(uint64(w>>5&0x7ffff)<<2|uint64(w>>29&3), 21)
			var value uint64
			if inst.kind == a64KindADR {
				value = uint64(int64(pc) + off)
			} else {
				value = uint64(int64(pc&^0xfff) + off<<12)
			}
			out = append(out, a64Words(0x58000040|rd, 0x14000003)...) // LDR Xd, #8; B #12
			out = binary.LittleEndian.AppendUint64(out, value)
		default:
			return nil, 0, fmt.Errorf("%w: %#08x at %#x", ErrUnrelocatableInstruction, w, pc)
		}
	}
	return out, n, nil
}

func (a64) exits(code []byte, from uintptr) []exit {
	var out []exit
	for n := 0; n+4 <= len(code); n += 4 {
		w := binary.LittleEndian.Uint32(code[n:])
		inst, err := arm64asm.Decode(code[n : n+4])
		if err != nil {
			break
		}
		switch kind := a64Classify(w, inst); kind {
		case a64KindB, a64KindBcond, a64KindCB, a64KindTB:
			dest := a64Dest(w, kind, from+uintptr(n))
			if dest < from || dest > from+uintptr(n) {
				out = append(out, exit{target: dest, end: n + 4})
			}
		}
		if a64EndsRoutine(w) {
			break
		}
	}
	return out
}

func (a64) backEdge(code []byte, pc, entry uintptr) (int, int, bool) {
	for off := 0; off+4 <= len(code); off += 4 {
		w := binary.LittleEndian.Uint32(code[off:])
		if w&0xfc000000 == a64B {
			return off, 4, a64Dest(w, a64KindB, pc+uintptr(off)) == entry
		}
		if a64EndsRoutine(w) {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func (a64) retarget(insn []byte, pc, to uintptr) ([]byte, bool) {
	if len(insn) != 4 || binary.LittleEndian.Uint32(insn)&0xfc000000 != a64B {
		return nil, false
	}
	d := int64(to) - int64(pc)
	if !a64InBranchRange(d) {
		return nil, false
	}
	return a64Words(a64B | uint32(d>>2)&0x3ffffff), true
}
