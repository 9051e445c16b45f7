package compiler

import (
	"strconv"
	"strings"

	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent to a flat node sequence
// ---------------------------------------------------------------------------

// argBase is the frame offset of the last argument: just below the three
// saved words at the frame base.
const argBase = -4

// FuncDecl describes a function found by the registration pre-pass.
type FuncDecl struct {
	Name    string
	Params  []string
	Label   int64    // label id of the entry point
	Tok     Token    // name token
	Pos     Position // position of the name
	Defined bool     // set once the definition has been parsed
}

// loopLabels are the continue/break targets of the innermost loop.
type loopLabels struct {
	start, end int64
}

// operandKind tells the assignment rule what an expression left behind.
type operandKind uint8

const (
	valueOperand operandKind = iota // a plain value
	localOperand                    // value of a named local; node at can become its address
	derefOperand                    // value loaded through an address; node at is the load
)

type operand struct {
	kind operandKind
	at   int // index of the producing node
}

// Parser turns tokens into nodes. It stops at the first error.
type Parser struct {
	src    *Source
	tokens []Token
	pos    int

	nodes  []Node
	labels int64 // next label id

	syms  *symbolTable
	funcs []*FuncDecl // registration order; funcs[i] owns syms.pairs[i]

	fn    *FuncDecl // function being parsed, nil at top level
	depth int       // block nesting
}

// NewParser creates a parser over the tokens of src.
func NewParser(src *Source, tokens []Token) *Parser {
	return &Parser{
		src:    src,
		tokens: tokens,
		syms:   newSymbolTable(src),
	}
}

// Nodes returns the emitted node sequence.
func (p *Parser) Nodes() []Node {
	return p.nodes
}

// Funcs returns the registered functions.
func (p *Parser) Funcs() []*FuncDecl {
	return p.funcs
}

// Labels returns how many label ids were handed out.
func (p *Parser) Labels() int64 {
	return p.labels
}

// ---------------------------------------------------------------------------
// Token cursor
// ---------------------------------------------------------------------------

func (p *Parser) cur() Token {
	return p.tokens[p.pos]
}

// advance moves past the current token. It never moves past end-of-stream.
func (p *Parser) advance() {
	if !p.cur().EOF() {
		p.pos++
	}
}

func (p *Parser) is(lit string) bool {
	return p.src.Is(p.cur(), lit)
}

func (p *Parser) atEOF() bool {
	return p.cur().EOF()
}

func (p *Parser) expect(lit, what string) error {
	if !p.is(lit) {
		if p.atEOF() {
			return p.errorf("unterminated %s: expected %q, got end of input", what, lit)
		}
		return p.errorf("expected %q, got %s", lit, p.describe(p.cur()))
	}
	p.advance()
	return nil
}

func (p *Parser) describe(tok Token) string {
	switch {
	case tok.EOF():
		return "end of input"
	case p.src.Is(tok, "\n"):
		return "end of line"
	}
	return strconv.Quote(p.src.Text(tok))
}

func (p *Parser) errorf(format string, args ...any) error {
	return errorAt(ErrSyntax, p.src, p.cur(), format, args...)
}

// skipSeparators skips newlines and semicolons between statements.
func (p *Parser) skipSeparators() {
	for p.is("\n") || p.is(";") {
		p.advance()
	}
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (p *Parser) newLabel() int64 {
	id := p.labels
	p.labels++
	return id
}

func (p *Parser) emit(n Node) int {
	p.nodes = append(p.nodes, n)
	return len(p.nodes) - 1
}

func (p *Parser) emitOp(op vm.Opcode, tok Token, val int64) int {
	return p.emit(Node{Kind: NodeInst, Op: op, Tok: tok, Val: val})
}

func (p *Parser) emitLabel(id int64) {
	p.emit(Node{Kind: NodeLabel, Val: id})
}

// argc is the argument count dropped by a return in the current body.
func (p *Parser) argc() int64 {
	if p.fn == nil {
		return 0
	}
	return int64(len(p.fn.Params))
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// Parse registers every function and then parses the whole program. The
// top-level statements form the root body, which ends with an implicit
// "return 0" like every function.
func (p *Parser) Parse() ([]Node, error) {
	if err := p.register(); err != nil {
		return nil, err
	}

	for {
		p.skipSeparators()
		if p.atEOF() {
			break
		}
		if err := p.parseStatement(nil); err != nil {
			return nil, err
		}
	}

	p.emitOp(vm.OpPushConst, Token{}, 0)
	p.emitOp(vm.OpReturn, Token{}, 0)
	p.emit(Node{Kind: NodeEnd})
	return p.nodes, nil
}

// register is the pre-pass: every "fn name" in the token stream gets a label
// before any statement is parsed, so calls may precede definitions. It scans
// the whole stream and reports the first duplicate.
func (p *Parser) register() error {
	var dup error
	for i := 0; i+1 < len(p.tokens); i++ {
		if !p.src.Is(p.tokens[i], "fn") {
			continue
		}
		name := p.tokens[i+1]
		text := p.src.Text(name)
		if !isIdentifier(text) || IsReserved(text) {
			continue // reported when the definition is parsed
		}
		if _, ok := p.lookupFunc(name); ok {
			if dup == nil {
				dup = errorAt(ErrResolve, p.src, name, "duplicate function %q", text)
			}
			continue
		}

		decl := &FuncDecl{
			Name:  text,
			Label: p.newLabel(),
			Tok:   name,
			Pos:   p.src.TokenPosition(name),
		}
		if i+2 < len(p.tokens) && p.src.Is(p.tokens[i+2], "(") {
			for j := i + 3; j < len(p.tokens) && !p.tokens[j].EOF(); j++ {
				t := p.src.Text(p.tokens[j])
				if t == ")" || t == "{" || t == "\n" {
					break
				}
				if t != "," {
					decl.Params = append(decl.Params, t)
				}
			}
		}
		p.syms.add(name, decl.Label)
		p.funcs = append(p.funcs, decl)
	}
	return dup
}

// lookupFunc finds a registered function by name.
func (p *Parser) lookupFunc(name Token) (*FuncDecl, bool) {
	for i, decl := range p.funcs {
		if p.src.Equal(p.syms.pairs[i].key, name) {
			return decl, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseStatement(loop *loopLabels) error {
	switch {
	case p.is("fn"):
		return p.parseFunction()
	case p.is("if"):
		return p.parseIf(loop)
	case p.is("loop"):
		return p.parseLoop()
	case p.is("{"):
		return p.parseBlock(loop)
	case p.is("continue"), p.is("break"):
		return p.parseJump(loop)
	case p.is("return"):
		return p.parseReturn()
	}

	if _, err := p.parseExpr(); err != nil {
		return err
	}
	p.emitOp(vm.OpPop, Token{}, 0)
	return p.endStatement()
}

// endStatement requires a simple statement to end at a newline, a
// semicolon, a closing brace or the end of input.
func (p *Parser) endStatement() error {
	switch {
	case p.is("\n"), p.is(";"):
		p.advance()
		return nil
	case p.is("}"), p.atEOF():
		return nil
	}
	return p.errorf("unexpected %s after statement", p.describe(p.cur()))
}

// parseBlock parses "{ statements }".
func (p *Parser) parseBlock(loop *loopLabels) error {
	if err := p.expect("{", "block"); err != nil {
		return err
	}
	p.depth++
	defer func() { p.depth-- }()

	for {
		p.skipSeparators()
		if p.is("}") {
			p.advance()
			return nil
		}
		if p.atEOF() {
			return p.errorf("unterminated block: expected \"}\", got end of input")
		}
		if err := p.parseStatement(loop); err != nil {
			return err
		}
	}
}

// parseIf emits
//
//	cond; jz F; then [; jmp E]; F: [else; E:]
func (p *Parser) parseIf(loop *loopLabels) error {
	p.advance() // if
	if _, err := p.parseExpr(); err != nil {
		return err
	}
	falseLabel := p.newLabel()
	p.emitOp(vm.OpJz, Token{}, falseLabel)

	if err := p.parseBlock(loop); err != nil {
		return err
	}

	if !p.skipToElse() {
		p.emitLabel(falseLabel)
		return nil
	}
	p.advance() // else

	endLabel := p.newLabel()
	p.emitOp(vm.OpJmp, Token{}, endLabel)
	p.emitLabel(falseLabel)

	var err error
	if p.is("if") {
		err = p.parseIf(loop)
	} else {
		err = p.parseBlock(loop)
	}
	if err != nil {
		return err
	}
	p.emitLabel(endLabel)
	return nil
}

// skipToElse moves to an "else" that follows the current position across
// newlines. It leaves the cursor alone when there is none.
func (p *Parser) skipToElse() bool {
	i := p.pos
	for p.src.Is(p.tokens[i], "\n") {
		i++
	}
	if !p.src.Is(p.tokens[i], "else") {
		return false
	}
	p.pos = i
	return true
}

// parseLoop emits
//
//	S: body; jmp S; E:
func (p *Parser) parseLoop() error {
	p.advance() // loop
	labels := &loopLabels{start: p.newLabel(), end: p.newLabel()}

	p.emitLabel(labels.start)
	if err := p.parseBlock(labels); err != nil {
		return err
	}
	p.emitOp(vm.OpJmp, Token{}, labels.start)
	p.emitLabel(labels.end)
	return nil
}

func (p *Parser) parseJump(loop *loopLabels) error {
	word := p.src.Text(p.cur())
	if loop == nil {
		return p.errorf("%s outside of loop", word)
	}
	target := loop.end
	if word == "continue" {
		target = loop.start
	}
	p.emitOp(vm.OpJmp, p.cur(), target)
	p.advance()
	return p.endStatement()
}

// parseReturn parses "return [expr]". A bare return yields 0.
func (p *Parser) parseReturn() error {
	tok := p.cur()
	p.advance()
	if p.is("\n") || p.is(";") || p.is("}") || p.atEOF() {
		p.emitOp(vm.OpPushConst, Token{}, 0)
	} else if _, err := p.parseExpr(); err != nil {
		return err
	}
	p.emitOp(vm.OpReturn, tok, p.argc())
	return p.endStatement()
}

// parseFunction parses "fn name(a, b) { body }". The code is laid out inline
// behind a jump so top-level execution skips it:
//
//	jmp S; F: scope-open; params; body; push 0; return n; scope-close; S:
func (p *Parser) parseFunction() error {
	if p.depth > 0 || p.fn != nil {
		return p.errorf("function definitions are only allowed at top level")
	}
	p.advance() // fn

	name := p.cur()
	text := p.src.Text(name)
	switch {
	case name.EOF():
		return p.errorf("expected function name, got end of input")
	case IsReserved(text):
		return p.errorf("reserved word %q cannot name a function", text)
	case !isIdentifier(text):
		return p.errorf("expected function name, got %s", p.describe(name))
	}
	decl, ok := p.lookupFunc(name)
	if !ok {
		return errorAt(ErrResolve, p.src, name, "function %q was not registered", text)
	}
	if decl.Defined {
		return errorAt(ErrResolve, p.src, name, "duplicate function %q", text)
	}
	decl.Defined = true
	p.advance()

	skip := p.newLabel()
	p.emitOp(vm.OpJmp, Token{}, skip)
	p.emitLabel(decl.Label)
	p.emit(Node{Kind: NodeScopeOpen, Tok: name})

	params, err := p.parseParams()
	if err != nil {
		return err
	}
	decl.Params = params

	p.fn = decl
	defer func() { p.fn = nil }()

	if err := p.parseBlock(nil); err != nil {
		return err
	}
	p.emitOp(vm.OpPushConst, Token{}, 0)
	p.emitOp(vm.OpReturn, Token{}, p.argc())
	p.emit(Node{Kind: NodeScopeClose, Tok: name})
	p.emitLabel(skip)
	return nil
}

// parseParams parses "(a, b, ...)" and emits one parameter node per name.
// Offsets are assigned once the count is known: the last parameter sits at
// argBase, earlier ones further below.
func (p *Parser) parseParams() ([]string, error) {
	if err := p.expect("(", "parameter list"); err != nil {
		return nil, err
	}

	first := len(p.nodes)
	var names []string
	for !p.is(")") {
		tok := p.cur()
		text := p.src.Text(tok)
		switch {
		case tok.EOF():
			return nil, p.errorf("unterminated parameter list: expected \")\", got end of input")
		case IsReserved(text):
			return nil, p.errorf("reserved word %q cannot name a parameter", text)
		case !isIdentifier(text):
			return nil, p.errorf("expected parameter name, got %s", p.describe(tok))
		}
		for _, prev := range names {
			if prev == text {
				return nil, p.errorf("duplicate parameter %q", text)
			}
		}
		names = append(names, text)
		p.emit(Node{Kind: NodeParam, Tok: tok})
		p.advance()

		if p.is(",") {
			p.advance()
			continue
		}
		if !p.is(")") {
			if p.atEOF() {
				return nil, p.errorf("unterminated parameter list: expected \")\", got end of input")
			}
			return nil, p.errorf("expected \",\" or \")\" in parameter list, got %s", p.describe(p.cur()))
		}
	}
	p.advance() // )

	off := int64(argBase)
	for i := len(p.nodes) - 1; i >= first; i-- {
		p.nodes[i].Val = off
		off--
	}
	return names, nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *Parser) parseExpr() (operand, error) {
	return p.parseAssign()
}

// parseAssign parses "target = value" (right associative). The target must
// have left an address-producing operand: a named local or a dereference.
func (p *Parser) parseAssign() (operand, error) {
	lhs, err := p.parseBinary(0)
	if err != nil {
		return operand{}, err
	}
	if !p.is("=") {
		return lhs, nil
	}

	switch lhs.kind {
	case localOperand:
		p.nodes[lhs.at].Op = vm.OpPushAddr
	case derefOperand:
		p.nodes = p.nodes[:lhs.at] // keep the address, drop the load
	default:
		return operand{}, p.errorf("invalid left-hand side of assignment")
	}

	tok := p.cur()
	p.advance()
	if _, err := p.parseAssign(); err != nil {
		return operand{}, err
	}
	return operand{kind: valueOperand, at: p.emitOp(vm.OpAssign, tok, 0)}, nil
}

type binaryOp struct {
	lit string
	op  vm.Opcode
}

// binaryLevels lists binary operators from loosest to tightest binding.
var binaryLevels = [][]binaryOp{
	{{"||", vm.OpOr}},
	{{"&&", vm.OpAnd}},
	{{"|", vm.OpBitOr}},
	{{"^", vm.OpBitXor}},
	{{"&", vm.OpBitAnd}},
	{{"==", vm.OpEq}, {"!=", vm.OpNe}},
	{{"<", vm.OpLt}, {"<=", vm.OpLe}, {">", vm.OpGt}, {">=", vm.OpGe}},
	{{"<<", vm.OpShl}, {">>", vm.OpShr}},
	{{"+", vm.OpAdd}, {"-", vm.OpSub}},
	{{"*", vm.OpMul}, {"/", vm.OpDiv}, {"%", vm.OpMod}},
}

// parseBinary parses one precedence level, left associative. The operator
// node is emitted after both operands.
func (p *Parser) parseBinary(level int) (operand, error) {
	if level == len(binaryLevels) {
		return p.parseUnary()
	}

	lhs, err := p.parseBinary(level + 1)
	if err != nil {
		return operand{}, err
	}
	for {
		op, ok := p.matchBinary(level)
		if !ok {
			return lhs, nil
		}
		tok := p.cur()
		p.advance()
		if _, err := p.parseBinary(level + 1); err != nil {
			return operand{}, err
		}
		lhs = operand{kind: valueOperand, at: p.emitOp(op, tok, 0)}
	}
}

func (p *Parser) matchBinary(level int) (vm.Opcode, bool) {
	for _, b := range binaryLevels[level] {
		if p.is(b.lit) {
			return b.op, true
		}
	}
	return 0, false
}

func (p *Parser) parseUnary() (operand, error) {
	tok := p.cur()
	switch {
	case p.is("-"):
		p.advance()
		p.emitOp(vm.OpPushConst, tok, 0)
		if _, err := p.parseUnary(); err != nil {
			return operand{}, err
		}
		return operand{kind: valueOperand, at: p.emitOp(vm.OpSub, tok, 0)}, nil

	case p.is("!"), p.is("~"):
		op := vm.OpNot
		if p.is("~") {
			op = vm.OpBitNot
		}
		p.advance()
		if _, err := p.parseUnary(); err != nil {
			return operand{}, err
		}
		return operand{kind: valueOperand, at: p.emitOp(op, tok, 0)}, nil

	case p.is("*"):
		p.advance()
		if _, err := p.parseUnary(); err != nil {
			return operand{}, err
		}
		return operand{kind: derefOperand, at: p.emitOp(vm.OpDeref, tok, 0)}, nil

	case p.is("&"):
		p.advance()
		name := p.cur()
		text := p.src.Text(name)
		if name.EOF() || IsReserved(text) || !isIdentifier(text) {
			return operand{}, p.errorf("expected identifier after \"&\", got %s", p.describe(name))
		}
		p.advance()
		return operand{kind: valueOperand, at: p.emitOp(vm.OpPushAddr, name, 0)}, nil
	}

	return p.parsePostfix()
}

// parsePostfix parses calls "name(args)" and the read/write built-ins.
func (p *Parser) parsePostfix() (operand, error) {
	name := p.cur()
	if name.EOF() || !p.src.Is(p.tokens[p.pos+1], "(") {
		return p.parsePrimary()
	}
	text := p.src.Text(name)
	if !isIdentifier(text) || (IsReserved(text) && text != "read" && text != "write") {
		return p.parsePrimary()
	}

	p.advance() // name
	p.advance() // (
	argc, err := p.parseArgs()
	if err != nil {
		return operand{}, err
	}

	switch text {
	case "read", "write":
		if argc != 2 {
			return operand{}, errorAt(ErrSyntax, p.src, name, "%s takes 2 arguments, got %d", text, argc)
		}
		op := vm.OpRead
		if text == "write" {
			op = vm.OpWrite
		}
		return operand{kind: valueOperand, at: p.emitOp(op, name, 0)}, nil
	}

	at := p.emit(Node{Kind: NodeInst, Op: vm.OpCall, Tok: name, Argc: argc})
	return operand{kind: valueOperand, at: at}, nil
}

// parseArgs parses "a, b, ...)" after the opening parenthesis.
func (p *Parser) parseArgs() (int, error) {
	argc := 0
	if p.is(")") {
		p.advance()
		return 0, nil
	}
	for {
		if _, err := p.parseExpr(); err != nil {
			return 0, err
		}
		argc++
		switch {
		case p.is(","):
			p.advance()
		case p.is(")"):
			p.advance()
			return argc, nil
		case p.atEOF():
			return 0, p.errorf("unterminated argument list: expected \")\", got end of input")
		default:
			return 0, p.errorf("expected \",\" or \")\" in argument list, got %s", p.describe(p.cur()))
		}
	}
}

func (p *Parser) parsePrimary() (operand, error) {
	tok := p.cur()
	text := p.src.Text(tok)

	switch {
	case tok.EOF():
		return operand{}, p.errorf("unexpected end of input in expression")

	case text == "(":
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return operand{}, err
		}
		if err := p.expect(")", "parenthesis"); err != nil {
			return operand{}, err
		}
		return inner, nil

	case text[0] >= '0' && text[0] <= '9':
		v, err := parseInteger(text)
		if err != nil {
			return operand{}, p.errorf("invalid integer literal %q", text)
		}
		p.advance()
		return operand{kind: valueOperand, at: p.emitOp(vm.OpPushConst, tok, v)}, nil

	case IsReserved(text):
		return operand{}, p.errorf("reserved word %q used as identifier", text)

	case isIdentifier(text):
		p.advance()
		return operand{kind: localOperand, at: p.emitOp(vm.OpPushLocal, tok, 0)}, nil
	}

	return operand{}, p.errorf("unexpected %s in expression", p.describe(tok))
}

// parseInteger accepts decimal literals and 0x/0o/0b prefixed literals with
// optional underscores. Values up to 2^64-1 wrap into the signed word.
func parseInteger(text string) (int64, error) {
	base := 10
	if len(text) > 2 && text[0] == '0' {
		switch text[1] {
		case 'x', 'X', 'o', 'O', 'b', 'B':
			base = 0
		}
	}
	if base == 10 && strings.Contains(text, "_") {
		base = 0
		text = strings.TrimLeft(text, "0")
		if text == "" || text[0] == '_' {
			text = "0" + text
		}
	}
	if v, err := strconv.ParseInt(text, base, 64); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(text, base, 64)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}
