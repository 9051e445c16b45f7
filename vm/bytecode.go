package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the tag word of a single instruction.
type Opcode Word

// OpNull is never emitted. Memory is zero-filled, so jumping into unused
// memory lands on it and faults.
const OpNull Opcode = 0x00

// Stack and variable operations
const (
	OpNop       Opcode = 0x01 // no operation
	OpPushConst Opcode = 0x02 // push immediate operand
	OpPushLocal Opcode = 0x03 // push value of local at BP+operand
	OpPushAddr  Opcode = 0x04 // push address BP+operand
	OpDeref     Opcode = 0x05 // pop address, push memory[address]
	OpAssign    Opcode = 0x06 // pop value, pop address, store, push value
	OpPop       Opcode = 0x07 // discard top of stack
)

// Control flow
const (
	OpJmp    Opcode = 0x10 // jump to operand address
	OpJz     Opcode = 0x11 // pop, jump to operand address if zero
	OpCall   Opcode = 0x12 // push frame, jump to operand address
	OpReturn Opcode = 0x13 // pop result, restore caller, drop operand argument words
)

// Arithmetic
const (
	OpAdd Opcode = 0x20
	OpSub Opcode = 0x21
	OpMul Opcode = 0x22
	OpDiv Opcode = 0x23 // division by zero yields DivZeroValue
	OpMod Opcode = 0x24 // modulo by zero yields DivZeroValue
	OpShl Opcode = 0x25
	OpShr Opcode = 0x26 // arithmetic shift
)

// Comparison and logic (results are 1 or 0)
const (
	OpEq  Opcode = 0x30
	OpNe  Opcode = 0x31
	OpLt  Opcode = 0x32
	OpLe  Opcode = 0x33
	OpGt  Opcode = 0x34
	OpGe  Opcode = 0x35
	OpAnd Opcode = 0x36
	OpOr  Opcode = 0x37
	OpNot Opcode = 0x38
)

// Bitwise
const (
	OpBitAnd Opcode = 0x40
	OpBitOr  Opcode = 0x41
	OpBitXor Opcode = 0x42
	OpBitNot Opcode = 0x43
)

// I/O
const (
	OpRead  Opcode = 0x50 // pop address, pop fd, read one byte into memory
	OpWrite Opcode = 0x51 // pop byte, pop fd, write one byte
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string // human-readable name
	Operands    int    // number of operand words following the tag
	StackEffect int    // net effect on the evaluation stack
	Label       bool   // operand is a code address resolved by the linker
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", 0, 0, false},
	OpPushConst: {"PUSH_CONST", 1, 1, false},
	OpPushLocal: {"PUSH_LOCAL", 1, 1, false},
	OpPushAddr:  {"PUSH_ADDR", 1, 1, false},
	OpDeref:     {"DEREF", 0, 0, false},
	OpAssign:    {"ASSIGN", 0, -1, false},
	OpPop:       {"POP", 0, -1, false},

	OpJmp:    {"JMP", 1, 0, true},
	OpJz:     {"JZ", 1, -1, true},
	OpCall:   {"CALL", 1, 1, true}, // callee returns one word; arguments are dropped by RETURN
	OpReturn: {"RETURN", 1, 0, false},

	OpAdd: {"ADD", 0, -1, false},
	OpSub: {"SUB", 0, -1, false},
	OpMul: {"MUL", 0, -1, false},
	OpDiv: {"DIV", 0, -1, false},
	OpMod: {"MOD", 0, -1, false},
	OpShl: {"SHL", 0, -1, false},
	OpShr: {"SHR", 0, -1, false},

	OpEq:  {"EQ", 0, -1, false},
	OpNe:  {"NE", 0, -1, false},
	OpLt:  {"LT", 0, -1, false},
	OpLe:  {"LE", 0, -1, false},
	OpGt:  {"GT", 0, -1, false},
	OpGe:  {"GE", 0, -1, false},
	OpAnd: {"AND", 0, -1, false},
	OpOr:  {"OR", 0, -1, false},
	OpNot: {"NOT", 0, 0, false},

	OpBitAnd: {"BIT_AND", 0, -1, false},
	OpBitOr:  {"BIT_OR", 0, -1, false},
	OpBitXor: {"BIT_XOR", 0, -1, false},
	OpBitNot: {"BIT_NOT", 0, 0, false},

	OpRead:  {"READ", 0, -1, false},
	OpWrite: {"WRITE", 0, -1, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", Word(op))}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Width returns the number of words the instruction occupies, tag included.
func (op Opcode) Width() int {
	return 1 + op.Info().Operands
}

func (op Opcode) String() string {
	return op.Info().Name
}

// Opcodes returns every known opcode in ascending order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for op := Opcode(0); op <= OpWrite; op++ {
		if op.Valid() {
			ops = append(ops, op)
		}
	}
	return ops
}
