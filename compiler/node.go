package compiler

import (
	"fmt"

	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Nodes: the flat intermediate representation
// ---------------------------------------------------------------------------

// NodeKind classifies a node.
type NodeKind uint8

const (
	NodeEnd        NodeKind = iota // terminates the sequence; emits nothing
	NodeInst                       // one VM instruction
	NodeLabel                      // defines label Val at the current code address
	NodeScopeOpen                  // start of a function body
	NodeScopeClose                 // end of a function body
	NodeParam                      // declares parameter Tok at frame offset Val
)

var nodeKindNames = [...]string{
	NodeEnd:        "end",
	NodeInst:       "inst",
	NodeLabel:      "label",
	NodeScopeOpen:  "scope-open",
	NodeScopeClose: "scope-close",
	NodeParam:      "param",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", k)
}

// Node is one element of the parser's output. Payloads are rewritten in place
// by the resolver (names to offsets and labels); nodes are never reordered.
type Node struct {
	Kind NodeKind
	Op   vm.Opcode // instruction nodes only
	Tok  Token     // identifier, constant or function name that produced the node
	Val  int64     // constant, frame offset, label id or argument count
	Argc int       // call nodes: arguments at the call site
}

func (n Node) String() string {
	switch n.Kind {
	case NodeInst:
		if n.Op.Info().Operands > 0 {
			return fmt.Sprintf("%s %d", n.Op, n.Val)
		}
		return n.Op.String()
	case NodeLabel:
		return fmt.Sprintf("L%d:", n.Val)
	case NodeParam:
		return fmt.Sprintf("param %d", n.Val)
	}
	return n.Kind.String()
}
