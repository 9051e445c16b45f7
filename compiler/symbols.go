package compiler

// pair associates a name with a function label or a frame offset.
type pair struct {
	key Token
	val int64
}

// symbolTable is a linear table of pairs searched by content. Function
// names live at the bottom for the whole compilation; locals are pushed on
// top and discarded with reset when their scope closes.
type symbolTable struct {
	src   *Source
	pairs []pair
}

func newSymbolTable(src *Source) *symbolTable {
	return &symbolTable{src: src}
}

func (t *symbolTable) add(key Token, val int64) {
	t.pairs = append(t.pairs, pair{key: key, val: val})
}

// lookup searches pairs in [from, to) for key.
func (t *symbolTable) lookup(from, to int, key Token) (int64, bool) {
	for i := from; i < to; i++ {
		if t.src.Equal(t.pairs[i].key, key) {
			return t.pairs[i].val, true
		}
	}
	return 0, false
}

// mark returns the current end of the live range.
func (t *symbolTable) mark() int {
	return len(t.pairs)
}

// reset discards every pair added after mark.
func (t *symbolTable) reset(mark int) {
	t.pairs = t.pairs[:mark]
}
