package compiler

import (
	"crypto/sha256"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Compile: the whole pipeline
// ---------------------------------------------------------------------------

// Option configures a compilation.
type Option func(*options)

type options struct {
	frameSize int
}

// WithFrameSize sets the number of local words in every call frame.
func WithFrameSize(n int) Option {
	return func(o *options) { o.frameSize = n }
}

func newOptions(opts []Option) (options, error) {
	o := options{frameSize: vm.DefaultFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.frameSize <= 0 || o.frameSize > vm.MaxFrameSize {
		return o, fmt.Errorf("compiler: invalid frame size %d (want 1..%d)", o.frameSize, vm.MaxFrameSize)
	}
	return o, nil
}

// Compile lexes, parses, resolves, emits and links src into an image.
// The first error stops compilation and is returned as an *Error.
func Compile(src []byte, opts ...Option) (*vm.Image, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	log := commonlog.GetLogger("lkj.compiler")

	source := NewSource(src)
	tokens := Lex(source)
	log.Debugf("lexed %d tokens", len(tokens)-1)

	p := NewParser(source, tokens)
	nodes, err := p.Parse()
	if err != nil {
		return nil, err
	}
	log.Debugf("parsed %d nodes, %d labels, %d functions", len(nodes), p.Labels(), len(p.Funcs()))

	if err := NewAnalyzer(p, o.frameSize).Analyze(nodes); err != nil {
		return nil, err
	}

	obj := Emit(nodes, p.Labels())
	if err := Link(obj); err != nil {
		return nil, err
	}
	log.Debugf("linked %d code words", len(obj.Code))

	syms := make([]vm.Symbol, 0, len(p.Funcs()))
	for _, decl := range p.Funcs() {
		syms = append(syms, vm.Symbol{
			Name:   decl.Name,
			Addr:   obj.Labels[decl.Label],
			Params: len(decl.Params),
		})
	}

	img := vm.NewImage(obj.Code, o.frameSize, syms)
	sum := sha256.Sum256(src)
	img.SourceHash = sum[:]
	return img, nil
}

// Outline returns the functions declared in src, in source order, without
// compiling it. It only runs the registration pre-pass, so it succeeds on
// programs that fail to parse further on. On a duplicate declaration it
// returns the error along with the first declaration of every name.
func Outline(src []byte) ([]FuncDecl, error) {
	source := NewSource(src)
	p := NewParser(source, Lex(source))
	err := p.register()
	decls := make([]FuncDecl, len(p.funcs))
	for i, d := range p.funcs {
		decls[i] = *d
	}
	return decls, err
}

// Dump returns the parser's node sequence for src, one node per line, after
// resolution with the same options as Compile. It is meant for debugging
// the compiler itself.
func Dump(src []byte, opts ...Option) (string, error) {
	o, err := newOptions(opts)
	if err != nil {
		return "", err
	}
	source := NewSource(src)
	p := NewParser(source, Lex(source))
	nodes, err := p.Parse()
	if err != nil {
		return "", err
	}
	if err := NewAnalyzer(p, o.frameSize).Analyze(nodes); err != nil {
		return "", err
	}
	var out []byte
	for _, n := range nodes {
		out = fmt.Appendf(out, "%s\n", n)
	}
	return string(out), nil
}
