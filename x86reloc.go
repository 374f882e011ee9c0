package interpose

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	x86JmpRel32 = 0xe9
	x86JmpRel8  = 0xeb
	x86Nop      = 0x90
	x86Int3     = 0xcc
)

// x86 generates amd64 code.
type x86 struct{}

func fitsRel32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

func putRel32(b []byte, v int64) {
	binary.LittleEndian.PutUint32(b, uint32(int32(v)))
}

// jump uses JMP rel32 when in range and JMP [RIP+0] followed by the
// absolute address otherwise.
func (x86) jump(from, to uintptr) []byte {
	rel := int64(to) - int64(from+5)
	if fitsRel32(rel) {
		b := make([]byte, 5)
		b[0] = x86JmpRel32
		putRel32(b[1:], rel)
		return b
	}
	return x86AbsJump(to)
}

func x86AbsJump(to uintptr) []byte {
	b := make([]byte, 14)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

// thunk is MOV RDX, ctxt; JMP [RDX].
func (x86) thunk(ctxt uintptr) []byte {
	b := make([]byte, 12)
	b[0], b[1] = 0x48, 0xba
	binary.LittleEndian.PutUint64(b[2:], uint64(ctxt))
	b[10], b[11] = 0xff, 0x22
	return b
}

func (x86) pad(code []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, code)
	for i := len(code); i < n; i++ {
		out[i] = x86Nop
	}
	return out
}

func (x86) align() uintptr { return 1 }

func (x86) reach() uintptr { return 1 << 31 }

func x86EndsRoutine(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

// x86Prologue decodes whole instructions until at least need bytes are covered.
func x86Prologue(code []byte, from uintptr, need int) ([]x86asm.Inst, int, error) {
	var insts []x86asm.Inst
	n := 0
	for n < need {
		if n >= len(code) {
			return nil, 0, fmt.Errorf("%w: routine at %#x is shorter than %d bytes", ErrUnrelocatableInstruction, from, need)
		}
		if code[n] == x86Int3 {
			return nil, 0, fmt.Errorf("%w: padding at %#x", ErrUnrelocatableInstruction, from+uintptr(n))
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decode at %#x: %v", ErrUnrelocatableInstruction, from+uintptr(n), err)
		}
		insts = append(insts, inst)
		n += inst.Len
		if n < need && x86EndsRoutine(inst) {
			return nil, 0, fmt.Errorf("%w: routine at %#x ends after %d bytes", ErrUnrelocatableInstruction, from, n)
		}
	}
	return insts, n, nil
}

// x86PCRel locates the PC-relative field of inst, either a branch
// displacement or the disp32 of a [RIP+disp32] operand.
func x86PCRel(inst x86asm.Inst, raw []byte) (off, size int) {
	if inst.PCRel != 0 {
		return inst.PCRelOff, inst.PCRel
	}
	for _, arg := range inst.Args {
		m, ok := arg.(x86asm.Mem)
		if !ok || m.Base != x86asm.RIP {
			continue
		}
		// mod 00 r/m 101 is followed by the displacement
		for p := 1; p+4 <= len(raw); p++ {
			if raw[p-1]&0xc7 == 0x05 && int64(int32(binary.LittleEndian.Uint32(raw[p:]))) == m.Disp {
				return p, 4
			}
		}
	}
	return 0, 0
}

func (x86) copyPrologue(code []byte, from uintptr, need int) ([]byte, int, error) {
	insts, n, err := x86Prologue(code, from, need)
	if err != nil {
		return nil, 0, err
	}
	off := 0
	for _, inst := range insts {
		if _, size := x86PCRel(inst, code[off:off+inst.Len]); size != 0 {
			return nil, 0, fmt.Errorf("%w: %s at %#x is PC-relative", ErrUnrelocatableInstruction, inst.Op, from+uintptr(off))
		}
		off += inst.Len
	}
	return append([]byte(nil), code[:n]...), n, nil
}

// rewritePrologue moves the prologue to to. Short branches are widened to
// rel32, rel32 and RIP-relative displacements are re-based, and targets
// inside the moved bytes follow them into the trampoline.
func (x86) rewritePrologue(code []byte, from, to uintptr, need int) ([]byte, int, error) {
	insts, n, err := x86Prologue(code, from, need)
	if err != nil {
		return nil, 0, err
	}

	oldOff := make([]int, len(insts)+1)
	newOff := make([]int, len(insts)+1)
	relOff := make([]int, len(insts))
	relSize := make([]int, len(insts))
	for i, inst := range insts {
		raw := code[oldOff[i] : oldOff[i]+inst.Len]
		relOff[i], relSize[i] = x86PCRel(inst, raw)
		size := inst.Len
		switch relSize[i] {
		case 0, 4:
		case 1:
			op := raw[relOff[i]-1]
			switch {
			case op == x86JmpRel8:
				size = 5
			case op >= 0x70 && op <= 0x7f:
				size = 6
			default:
				return nil, 0, fmt.Errorf("%w: %s at %#x has no rel32 form", ErrUnrelocatableInstruction, inst.Op, from+uintptr(oldOff[i]))
			}
		default:
			return nil, 0, fmt.Errorf("%w: %s at %#x", ErrUnrelocatableInstruction, inst.Op, from+uintptr(oldOff[i]))
		}
		oldOff[i+1] = oldOff[i] + inst.Len
		newOff[i+1] = newOff[i] + size
	}

	out := make([]byte, 0, newOff[len(insts)])
	for i, inst := range insts {
		raw := code[oldOff[i]:oldOff[i+1]]
		if relSize[i] == 0 {
			out = append(out, raw...)
			continue
		}
		pc := from + uintptr(oldOff[i])
		var rel int64
		if relSize[i] == 1 {
			rel = int64(int8(raw[relOff[i]]))
		} else {
			rel = int64(int32(binary.LittleEndian.Uint32(raw[relOff[i]:])))
		}
		dest := uintptr(int64(pc) + int64(inst.Len) + rel)
		if dest >= from && dest < from+uintptr(n) {
			j := indexOf(oldOff[:len(insts)], int(dest-from))
			if j < 0 {
				return nil, 0, fmt.Errorf("%w: %s at %#x jumps into an instruction", ErrUnrelocatableInstruction, inst.Op, pc)
			}
			dest = to + uintptr(newOff[j])
		}
		npc := to + uintptr(newOff[i])
		size := newOff[i+1] - newOff[i]
		d := int64(dest) - int64(npc) - int64(size)
		if !fitsRel32(d) {
			return nil, 0, fmt.Errorf("%w: %s at %#x cannot reach %#x from %#x", ErrUnrelocatableInstruction, inst.Op, pc, dest, npc)
		}
		if relSize[i] == 1 {
			op := raw[relOff[i]-1]
			var enc []byte
			if op == x86JmpRel8 {
				enc = []byte{x86JmpRel32, 0, 0, 0, 0}
			} else {
				enc = []byte{0x0f, 0x80 + (op - 0x70), 0, 0, 0, 0}
			}
			putRel32(enc[len(enc)-4:], d)
			out = append(out, enc...)
			continue
		}
		fixed := append([]byte(nil), raw...)
		putRel32(fixed[relOff[i]:], d)
		out = append(out, fixed...)
	}
	return out, n, nil
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func x86Branch(inst x86asm.Inst) (x86asm.Rel, bool) {
	if inst.Op == x86asm.CALL || len(inst.Args) == 0 {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	return rel, ok
}

func (x86) exits(code []byte, from uintptr) []exit {
	var out []exit
	for n := 0; n < len(code) && code[n] != x86Int3; {
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			break
		}
		n += inst.Len
		if rel, ok := x86Branch(inst); ok {
			dest := uintptr(int64(from) + int64(n) + int64(rel))
			if dest < from || dest >= from+uintptr(n) {
				out = append(out, exit{target: dest, end: n})
			}
		}
		if x86EndsRoutine(inst) {
			break
		}
	}
	return out
}

func (x86) backEdge(code []byte, pc, entry uintptr) (int, int, bool) {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return 0, 0, false
		}
		if inst.Op == x86asm.JMP {
			rel, ok := x86Branch(inst)
			dest := uintptr(int64(pc) + int64(off+inst.Len) + int64(rel))
			return off, inst.Len, ok && dest == entry
		}
		if x86EndsRoutine(inst) {
			return 0, 0, false
		}
		off += inst.Len
	}
	return 0, 0, false
}

func (x86) retarget(insn []byte, pc, to uintptr) ([]byte, bool) {
	d := int64(to) - int64(pc) - int64(len(insn))
	out := append([]byte(nil), insn...)
	switch {
	case len(insn) == 2 && insn[0] == x86JmpRel8:
		if d < math.MinInt8 || d > math.MaxInt8 {
			return nil, false
		}
		out[1] = byte(int8(d))
	case len(insn) == 5 && insn[0] == x86JmpRel32:
		if !fitsRel32(d) {
			return nil, false
		}
		putRel32(out[1:], d)
	default:
		return nil, false
	}
	return out, true
}
