package compiler

// ---------------------------------------------------------------------------
// Lexer: source buffer to token views
// ---------------------------------------------------------------------------

// Lexer splits a source buffer into tokens. It never fails; malformed input
// produces tokens that the parser rejects.
type Lexer struct {
	src    *Source
	tokens []Token
	start  int // start of the token being accumulated, or -1
}

// NewLexer creates a lexer over src.
func NewLexer(src *Source) *Lexer {
	return &Lexer{src: src, start: -1}
}

// Lex returns every token of src followed by the end-of-stream token.
func Lex(src *Source) []Token {
	return NewLexer(src).Tokens()
}

// Tokens runs the lexer to completion.
func (l *Lexer) Tokens() []Token {
	buf := l.src.buf
	end := len(buf) - 2 // first NUL sentinel

	for i := 0; i < end; i++ {
		c := buf[i]
		switch {
		case c == '\n':
			l.flush(i)
			l.emit(i, 1)

		case c == '/' && buf[i+1] == '/':
			l.flush(i)
			for buf[i+1] != '\n' {
				i++
			}

		case isBlank(c):
			l.flush(i)

		case l.twoCharOp(i):
			l.flush(i)
			l.emit(i, 2)
			i++

		case isPunct(c):
			l.flush(i)
			l.emit(i, 1)

		default:
			if l.start < 0 {
				l.start = i
			}
		}
	}
	l.flush(end)

	return append(l.tokens, Token{})
}

func (l *Lexer) twoCharOp(i int) bool {
	pair := l.src.buf[i : i+2]
	for _, op := range twoCharOps {
		if pair[0] == op[0] && pair[1] == op[1] {
			return true
		}
	}
	return false
}

// flush ends the accumulated token, if any, at offset i.
func (l *Lexer) flush(i int) {
	if l.start >= 0 {
		l.emit(l.start, i-l.start)
		l.start = -1
	}
}

func (l *Lexer) emit(off, n int) {
	l.tokens = append(l.tokens, Token{Off: off, Len: n})
}
