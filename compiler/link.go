package compiler

import (
	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Linker: label ids to absolute addresses
// ---------------------------------------------------------------------------

// Link walks the emitted code instruction by instruction and rewrites every
// jump and call operand to its label's address. It fails on unknown opcodes,
// undefined labels and any fixup the walk did not reach.
func Link(obj *Object) error {
	next := 0 // fixups are recorded in code order
	for pc := 0; pc < len(obj.Code); {
		op := vm.Opcode(obj.Code[pc])
		if !op.Valid() {
			return linkError("unknown opcode %d at address %d", obj.Code[pc], obj.Addr(pc))
		}
		if pc+op.Width() > len(obj.Code) {
			return linkError("truncated %s at address %d", op, obj.Addr(pc))
		}

		if op.Info().Label {
			at := pc + 1
			if next >= len(obj.fixups) || obj.fixups[next].at != at {
				return linkError("%s at address %d has no label reference", op, obj.Addr(pc))
			}
			f := &obj.fixups[next]
			if f.label < 0 || f.label >= int64(len(obj.Labels)) || obj.Labels[f.label] == noAddr {
				return linkError("%s at address %d refers to undefined label %d", op, obj.Addr(pc), f.label)
			}
			obj.Code[at] = vm.Word(obj.Labels[f.label])
			f.done = true
			next++
		}
		pc += op.Width()
	}

	if n := obj.Pending(); n > 0 {
		return linkError("%d unresolved label reference(s)", n)
	}
	return nil
}
