package compiler

import (
	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Analyzer: names to frame offsets and call targets
// ---------------------------------------------------------------------------

// scope is the saved state of an enclosing scope.
type scope struct {
	mark int   // symbol table mark at entry
	next int64 // next free local offset
	high int64 // locals used so far
}

// Analyzer resolves the parser's nodes in place. Function names occupy the
// bottom of the symbol table for the whole pass; locals are stacked on top
// and discarded when their function's scope closes.
type Analyzer struct {
	src       *Source
	syms      *symbolTable
	funcs     []*FuncDecl
	nfuncs    int
	frameSize int64

	cur   scope
	outer []scope
}

// NewAnalyzer creates an analyzer over the output of p. Every function must
// fit in frameSize local words.
func NewAnalyzer(p *Parser, frameSize int) *Analyzer {
	return &Analyzer{
		src:       p.src,
		syms:      p.syms,
		funcs:     p.funcs,
		nfuncs:    p.syms.mark(),
		frameSize: int64(frameSize),
		cur:       scope{mark: p.syms.mark()},
	}
}

// Analyze runs the resolver over nodes. On success every local reference
// carries a frame offset and every call carries a label id.
func (a *Analyzer) Analyze(nodes []Node) error {
	for i := range nodes {
		n := &nodes[i]
		switch n.Kind {
		case NodeEnd:
			return a.checkFrame(n.Tok)

		case NodeScopeOpen:
			a.outer = append(a.outer, a.cur)
			a.cur = scope{mark: a.syms.mark()}

		case NodeScopeClose:
			if err := a.checkFrame(n.Tok); err != nil {
				return err
			}
			last := len(a.outer) - 1
			a.syms.reset(a.cur.mark)
			a.cur = a.outer[last]
			a.outer = a.outer[:last]

		case NodeParam:
			a.syms.add(n.Tok, n.Val)

		case NodeInst:
			if err := a.resolveInst(n); err != nil {
				return err
			}
		}
	}
	return a.checkFrame(Token{})
}

func (a *Analyzer) resolveInst(n *Node) error {
	switch n.Op {
	case vm.OpPushLocal, vm.OpPushAddr:
		n.Val = a.local(n.Tok)

	case vm.OpCall:
		name := a.src.Text(n.Tok)
		decl, ok := a.function(n.Tok)
		if !ok {
			return errorAt(ErrResolve, a.src, n.Tok, "undefined function %q", name)
		}
		if n.Argc != len(decl.Params) {
			return errorAt(ErrResolve, a.src, n.Tok,
				"%s takes %d argument(s), called with %d", name, len(decl.Params), n.Argc)
		}
		n.Val = decl.Label
	}
	return nil
}

// local returns the offset bound to name in the current scope, binding the
// next free slot on first use.
func (a *Analyzer) local(name Token) int64 {
	if off, ok := a.syms.lookup(a.cur.mark, a.syms.mark(), name); ok {
		return off
	}
	off := a.cur.next
	a.cur.next++
	if a.cur.next > a.cur.high {
		a.cur.high = a.cur.next
	}
	a.syms.add(name, off)
	return off
}

func (a *Analyzer) function(name Token) (*FuncDecl, bool) {
	for i := 0; i < a.nfuncs; i++ {
		if a.src.Equal(a.syms.pairs[i].key, name) {
			return a.funcs[i], true
		}
	}
	return nil, false
}

// checkFrame fails when the current scope has more locals than a frame holds.
func (a *Analyzer) checkFrame(tok Token) error {
	if a.cur.high <= a.frameSize {
		return nil
	}
	where := "top level"
	if !tok.EOF() {
		where = "function " + a.src.Text(tok)
	}
	return errorAt(ErrResolve, a.src, tok,
		"%s uses %d locals, frame holds %d", where, a.cur.high, a.frameSize)
}
