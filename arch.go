package interpose

// exit is a direct branch near the head of a routine. target is where it
// goes and end is the offset just past the branch.
type exit struct {
	target uintptr
	end    int
}

// arch generates the machine code for one instruction set.
type arch interface {
	// jump encodes the shortest unconditional branch placed at from that
	// reaches to without clobbering argument registers.
	jump(from, to uintptr) []byte
	// thunk encodes an entry stub that loads ctxt into the closure
	// context register and jumps through it.
	thunk(ctxt uintptr) []byte
	// pad fills code up to n bytes with no-ops.
	pad(code []byte, n int) []byte
	align() uintptr
	// reach is the distance a short jump covers.
	reach() uintptr
	copyPrologue(code []byte, from uintptr, need int) ([]byte, int, error)
	rewritePrologue(code []byte, from, to uintptr, need int) ([]byte, int, error)
	// exits decodes the straight-line head of code, placed at from, and
	// lists the branches that leave it.
	exits(code []byte, from uintptr) []exit
	// backEdge scans code, placed at pc, up to its first unconditional
	// jump and reports the jump's offset and length if it goes to entry.
	backEdge(code []byte, pc, entry uintptr) (off, n int, ok bool)
	// retarget re-encodes the jump insn placed at pc to reach to without
	// changing its length.
	retarget(insn []byte, pc, to uintptr) ([]byte, bool)
}
