package compiler

import (
	"reflect"
	"testing"
)

func lexTexts(input string) []string {
	src := NewSource([]byte(input))
	var out []string
	for _, tok := range Lex(src) {
		if tok.EOF() {
			break
		}
		out = append(out, src.Text(tok))
	}
	return out
}

func TestLexerTwoCharOperators(t *testing.T) {
	for _, op := range twoCharOps {
		input := "a" + op + "b"
		got := lexTexts(input)
		want := []string{"a", op, "b", "\n"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Lex(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestLexerTokens(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", []string{"\n"}},
		{"return 1 + 2 * 3", []string{"return", "1", "+", "2", "*", "3", "\n"}},
		{"a=b==c", []string{"a", "=", "b", "==", "c", "\n"}},
		{"x<=-1", []string{"x", "<=", "-", "1", "\n"}},
		{"f(a,b);g()", []string{"f", "(", "a", ",", "b", ")", ";", "g", "(", ")", "\n"}},
		{"*&x", []string{"*", "&", "x", "\n"}},
		{"a & &b", []string{"a", "&", "&", "b", "\n"}},
		{"a&&b||!c", []string{"a", "&&", "b", "||", "!", "c", "\n"}},
		{"x // comment == y\ny", []string{"x", "\n", "y", "\n"}},
		{"// only a comment", []string{"\n"}},
		{"a\t\tb\r\n", []string{"a", "b", "\n", "\n"}},
		{"0x1F 0b1_0", []string{"0x1F", "0b1_0", "\n"}},
		{"a.b:c", []string{"a", ".", "b", ":", "c", "\n"}},
		{"x/y", []string{"x", "/", "y", "\n"}},
		{"$@#", []string{"$@#", "\n"}},
	}

	for _, tc := range tests {
		got := lexTexts(tc.input)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Lex(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestLexerEndOfStream(t *testing.T) {
	src := NewSource([]byte("a b"))
	toks := Lex(src)
	last := toks[len(toks)-1]
	if !last.EOF() || last.Off != 0 {
		t.Errorf("last token = %+v, want zero token", last)
	}
	for _, tok := range toks[:len(toks)-1] {
		if tok.EOF() {
			t.Errorf("token %+v before end of stream has zero length", tok)
		}
	}
}

func TestSourcePosition(t *testing.T) {
	src := NewSource([]byte("ab\ncd\n\nx"))
	tests := []struct {
		off        int
		line, col int
	}{
		{0, 1, 1},
		{1, 1, 2},
		{3, 2, 1},
		{4, 2, 2},
		{6, 3, 1},
		{7, 4, 1},
	}
	for _, tc := range tests {
		pos := src.Position(tc.off)
		if pos.Line != tc.line || pos.Column != tc.col {
			t.Errorf("Position(%d) = %s, want %d:%d", tc.off, pos, tc.line, tc.col)
		}
	}

	if pos := src.TokenPosition(Token{}); pos.Offset != len("ab\ncd\n\nx") {
		t.Errorf("TokenPosition(EOF).Offset = %d, want end of text", pos.Offset)
	}
}

func TestSourceEqual(t *testing.T) {
	src := NewSource([]byte("foo bar foo"))
	toks := Lex(src)
	if !src.Equal(toks[0], toks[2]) {
		t.Error("Equal(foo, foo) = false, want true")
	}
	if src.Equal(toks[0], toks[1]) {
		t.Error("Equal(foo, bar) = true, want false")
	}
	if !src.Is(toks[1], "bar") {
		t.Error(`Is(bar, "bar") = false, want true`)
	}
}

func TestIsIdentifier(t *testing.T) {
	tests := []struct {
		word string
		want bool
	}{
		{"x", true},
		{"_tmp", true},
		{"abc123", true},
		{"héllo", true},
		{"1abc", false},
		{"", false},
		{"a$b", false},
	}
	for _, tc := range tests {
		if got := isIdentifier(tc.word); got != tc.want {
			t.Errorf("isIdentifier(%q) = %v, want %v", tc.word, got, tc.want)
		}
	}
}
