package compiler

import (
	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Emitter: resolved nodes to code words
// ---------------------------------------------------------------------------

// noAddr marks a label that was never defined.
const noAddr vm.Addr = -1

// fixup is a code word that still holds a label id. The linker replaces it
// with the label's address and marks it done.
type fixup struct {
	at    int   // index into Object.Code
	label int64 // label id until resolved
	done  bool
}

// Object is emitted code before linking.
type Object struct {
	Code   []vm.Word
	Labels []vm.Addr // label id -> code address, noAddr if undefined
	fixups []fixup
}

// Addr returns the absolute address of code word i.
func (o *Object) Addr(i int) vm.Addr {
	return vm.CodeBase + vm.Addr(i)
}

// Pending returns how many operands still hold label ids.
func (o *Object) Pending() int {
	n := 0
	for _, f := range o.fixups {
		if !f.done {
			n++
		}
	}
	return n
}

// Emit writes the words for nodes, stopping at the end node. labels is the
// number of label ids the parser handed out.
func Emit(nodes []Node, labels int64) *Object {
	obj := &Object{Labels: make([]vm.Addr, labels)}
	for i := range obj.Labels {
		obj.Labels[i] = noAddr
	}

	for _, n := range nodes {
		switch n.Kind {
		case NodeEnd:
			return obj
		case NodeLabel:
			obj.Labels[n.Val] = obj.Addr(len(obj.Code))
		case NodeInst:
			obj.emitInst(n)
		}
	}
	return obj
}

func (o *Object) emitInst(n Node) {
	o.Code = append(o.Code, vm.Word(n.Op))
	info := n.Op.Info()
	if info.Operands == 0 {
		return
	}
	if info.Label {
		o.fixups = append(o.fixups, fixup{at: len(o.Code), label: n.Val})
	}
	o.Code = append(o.Code, n.Val)
}
