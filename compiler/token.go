package compiler

import (
	"bytes"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Source buffer and token views
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number (bytes)
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Source holds program text followed by a synthesized newline and two NUL
// sentinels, so the lexer can always look one byte ahead.
type Source struct {
	buf  []byte
	size int // length before padding
}

// NewSource copies text into a sentinel-terminated buffer.
func NewSource(text []byte) *Source {
	buf := make([]byte, len(text), len(text)+3)
	copy(buf, text)
	buf = append(buf, '\n', 0, 0)
	return &Source{buf: buf, size: len(text)}
}

// Bytes returns the program text without the padding.
func (s *Source) Bytes() []byte {
	return s.buf[:s.size]
}

// Token is an immutable view into the source buffer. The zero Token marks
// the end of the token stream.
type Token struct {
	Off int // byte offset into the source
	Len int // length in bytes
}

// EOF reports whether t is the end-of-stream sentinel.
func (t Token) EOF() bool {
	return t.Len == 0
}

// Text returns the bytes a token refers to.
func (s *Source) Text(t Token) string {
	return string(s.view(t))
}

func (s *Source) view(t Token) []byte {
	return s.buf[t.Off : t.Off+t.Len]
}

// Is reports whether the token's text equals lit.
func (s *Source) Is(t Token, lit string) bool {
	return t.Len == len(lit) && string(s.view(t)) == lit
}

// Equal compares two tokens by content.
func (s *Source) Equal(a, b Token) bool {
	return a.Len == b.Len && bytes.Equal(s.view(a), s.view(b))
}

// Position converts a byte offset into a line/column position.
func (s *Source) Position(off int) Position {
	if off > len(s.buf) {
		off = len(s.buf)
	}
	line, col := 1, 1
	for _, b := range s.buf[:off] {
		if b == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return Position{Offset: off, Line: line, Column: col}
}

// TokenPosition returns where t starts. The end-of-stream token sits at the
// end of the text.
func (s *Source) TokenPosition(t Token) Position {
	if t.EOF() {
		return s.Position(s.size)
	}
	return s.Position(t.Off)
}

// ---------------------------------------------------------------------------
// Lexical classes
// ---------------------------------------------------------------------------

// Reserved words that can never name a variable or function.
var reservedWords = map[string]bool{
	"fn":       true,
	"if":       true,
	"else":     true,
	"loop":     true,
	"continue": true,
	"break":    true,
	"return":   true,
	"read":     true,
	"write":    true,
}

// IsReserved reports whether word is a reserved word.
func IsReserved(word string) bool {
	return reservedWords[word]
}

// Keywords returns the reserved words.
func Keywords() []string {
	return []string{"fn", "if", "else", "loop", "continue", "break", "return", "read", "write"}
}

// twoCharOps are recognized before their one-character prefixes.
var twoCharOps = [...]string{"<<", ">>", "<=", ">=", "==", "!=", "&&", "||"}

// isPunct reports whether c ends the current token and is a token itself.
func isPunct(c byte) bool {
	switch c {
	case '(', ')', '{', '}', ';', ',', '.', ':',
		'+', '-', '*', '/', '%', '&', '|', '^', '~', '<', '>', '!', '=':
		return true
	}
	return false
}

// isBlank reports whether c separates tokens and is dropped.
func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}

// isIdentifier reports whether word is a well-formed identifier.
func isIdentifier(word string) bool {
	if word == "" {
		return false
	}
	for i, r := range word {
		if r == utf8.RuneError {
			return false
		}
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
