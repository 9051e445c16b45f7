package vm

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// asm builds a code stream from opcodes and operand words.
func asm(words ...Word) []Word {
	return words
}

func op(o Opcode) Word { return Word(o) }

func newTestVM(t *testing.T, code []Word, opts ...Option) *VM {
	t.Helper()
	img := NewImage(code, 4, nil)
	opts = append([]Option{WithMemoryWords(256)}, opts...)
	v, err := New(img, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return v
}

func TestBinaryOps(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Word
		want Word
	}{
		{OpAdd, 2, 3, 5},
		{OpSub, 2, 3, -1},
		{OpMul, -4, 3, -12},
		{OpDiv, 7, 2, 3},
		{OpDiv, -7, 2, -3},
		{OpDiv, 7, 0, math.MaxInt64},
		{OpDiv, math.MinInt64, -1, math.MinInt64},
		{OpMod, 7, 3, 1},
		{OpMod, 7, 0, math.MaxInt64},
		{OpMod, math.MinInt64, -1, 0},
		{OpShl, 1, 4, 16},
		{OpShl, 1, 64, 1},
		{OpShl, 1, -1, math.MinInt64},
		{OpShr, -16, 2, -4},
		{OpShr, 16, 66, 4},
		{OpEq, 3, 3, 1},
		{OpEq, 3, 4, 0},
		{OpNe, 3, 4, 1},
		{OpLt, -1, 0, 1},
		{OpLe, 0, 0, 1},
		{OpGt, 0, 0, 0},
		{OpGe, 1, 0, 1},
		{OpAnd, 2, 3, 1},
		{OpAnd, 2, 0, 0},
		{OpOr, 0, 0, 0},
		{OpOr, 0, -5, 1},
		{OpBitAnd, 12, 10, 8},
		{OpBitOr, 12, 10, 14},
		{OpBitXor, 12, 10, 6},
	}

	for _, tc := range tests {
		code := asm(
			op(OpPushConst), tc.a,
			op(OpPushConst), tc.b,
			op(tc.op),
			op(OpReturn), 0,
		)
		got, err := newTestVM(t, code).Execute()
		if err != nil {
			t.Errorf("%s(%d, %d) error: %v", tc.op, tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tc.op, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestUnaryOps(t *testing.T) {
	tests := []struct {
		op   Opcode
		a    Word
		want Word
	}{
		{OpNot, 0, 1},
		{OpNot, 5, 0},
		{OpBitNot, 0, -1},
		{OpBitNot, -1, 0},
	}
	for _, tc := range tests {
		code := asm(op(OpPushConst), tc.a, op(tc.op), op(OpReturn), 0)
		got, err := newTestVM(t, code).Execute()
		if err != nil || got != tc.want {
			t.Errorf("%s(%d) = %d, %v, want %d", tc.op, tc.a, got, err, tc.want)
		}
	}
}

func TestLocalsAndMemory(t *testing.T) {
	// x = 40; *&x = x + 2; return x
	code := asm(
		op(OpPushAddr), 0,
		op(OpPushConst), 40,
		op(OpAssign),
		op(OpPop),
		op(OpPushAddr), 0,
		op(OpPushLocal), 0,
		op(OpPushConst), 2,
		op(OpAdd),
		op(OpAssign),
		op(OpPop),
		op(OpPushAddr), 0,
		op(OpDeref),
		op(OpReturn), 0,
	)
	v := newTestVM(t, code)
	got, err := v.Execute()
	if err != nil || got != 42 {
		t.Fatalf("Execute = %d, %v, want 42", got, err)
	}
	if v.Steps() != 13 {
		t.Errorf("Steps() = %d, want 13", v.Steps())
	}
}

func TestCallReturn(t *testing.T) {
	base := Word(CodeBase)
	code := asm(
		op(OpPushConst), 10, // 0
		op(OpPushConst), 3, // 2
		op(OpCall), base+8, // 4
		op(OpReturn), 0, // 6
		op(OpPushLocal), -5, // 8: sub(a, b)
		op(OpPushLocal), -4, // 10
		op(OpSub),       // 12
		op(OpReturn), 2, // 13
	)

	v := newTestVM(t, code)
	_, _, bp0 := v.Registers()
	got, err := v.Execute()
	if err != nil || got != 7 {
		t.Fatalf("Execute = %d, %v, want 7", got, err)
	}
	if _, sp, bp := v.Registers(); bp != 0 || sp != bp0-frameHeader+1 {
		t.Errorf("registers after root return: sp=%d bp=%d", sp, bp)
	}
}

func TestJumps(t *testing.T) {
	base := Word(CodeBase)
	code := asm(
		op(OpPushConst), 5, // 0
		op(OpPushConst), 0, // 2
		op(OpJz), base+9, // 4
		op(OpReturn), 0, // 6: not taken
		op(OpNop),          // 8
		op(OpPop),          // 9
		op(OpPushConst), 2, // 10
		op(OpJmp), base+15, // 12
		op(OpNop),       // 14
		op(OpReturn), 0, // 15
	)
	got, err := newTestVM(t, code).Execute()
	if err != nil || got != 2 {
		t.Errorf("Execute = %d, %v, want 2", got, err)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		code []Word
		want Errno
		addr Addr
	}{
		{"unknown opcode", asm(0x7f), IllegalInstruction, 0},
		{"null opcode", asm(op(OpNull)), IllegalInstruction, 0},
		{"load below arena", asm(op(OpPushConst), -1, op(OpDeref)), IllegalAddress, -1},
		{"store past arena", asm(op(OpPushConst), 256, op(OpPushConst), 1, op(OpAssign)), IllegalAddress, 256},
		{"pop empty stack", asm(op(OpPop)), StackUnderflow, 0},
		{"jump outside arena", asm(op(OpJmp), 1000), IllegalAddress, 1000},
		{"call overflow", asm(op(OpCall), Word(CodeBase)), StackOverflow, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestVM(t, tc.code).Execute()
			f, ok := AsFault(err)
			if !ok {
				t.Fatalf("error = %v, want *Fault", err)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("Errno = %v, want %v", f.Errno, tc.want)
			}
			if tc.addr != 0 && f.Addr != tc.addr {
				t.Errorf("Addr = %d, want %d", f.Addr, tc.addr)
			}
			if !strings.HasPrefix(f.Error(), "lkj: ") {
				t.Errorf("Error() = %q", f.Error())
			}
		})
	}
}

func TestStepLimit(t *testing.T) {
	code := asm(op(OpJmp), Word(CodeBase))
	v := newTestVM(t, code, WithMaxSteps(100))
	_, err := v.Execute()
	if !errors.Is(err, StepLimit) {
		t.Fatalf("error = %v, want StepLimit", err)
	}
	if v.Steps() != 100 {
		t.Errorf("Steps() = %d, want 100", v.Steps())
	}
}

func TestExecuteContextDeadline(t *testing.T) {
	code := asm(op(OpJmp), Word(CodeBase))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := newTestVM(t, code).ExecuteContext(ctx)
	if !errors.Is(err, Cancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want Cancelled wrapping DeadlineExceeded", err)
	}
}

func TestReset(t *testing.T) {
	code := asm(
		op(OpPushAddr), 0,
		op(OpPushLocal), 0,
		op(OpPushConst), 1,
		op(OpAdd),
		op(OpAssign),
		op(OpReturn), 0,
	)
	v := newTestVM(t, code)
	for i := 0; i < 3; i++ {
		if err := v.Reset(); err != nil {
			t.Fatalf("Reset error: %v", err)
		}
		got, err := v.Execute()
		if err != nil || got != 1 {
			t.Errorf("run %d = %d, %v, want 1", i, got, err)
		}
	}
}

func TestReadWrite(t *testing.T) {
	// read(0, &local0); write(1, local0 + 1); return read(0, &local0)
	code := asm(
		op(OpPushConst), 0,
		op(OpPushAddr), 0,
		op(OpRead),
		op(OpPop),
		op(OpPushConst), 1,
		op(OpPushLocal), 0,
		op(OpPushConst), 1,
		op(OpAdd),
		op(OpWrite),
		op(OpPop),
		op(OpPushConst), 0,
		op(OpPushAddr), 0,
		op(OpRead),
		op(OpReturn), 0,
	)

	var out bytes.Buffer
	d := NewDevices()
	d.SetReader(0, strings.NewReader("A"))
	d.SetWriter(1, &out)

	got, err := newTestVM(t, code, WithDevices(d)).Execute()
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got != 0 {
		t.Errorf("second read = %d, want 0 (EOF)", got)
	}
	if out.String() != "B" {
		t.Errorf("output = %q, want %q", out.String(), "B")
	}
}

func TestNewRejectsSmallMemory(t *testing.T) {
	img := NewImage(asm(op(OpPushConst), 0, op(OpReturn), 0), 64, nil)
	if _, err := New(img, WithMemoryWords(32)); err == nil {
		t.Error("New with 32 words succeeded, want error")
	}
	img.FrameSize = 0
	if _, err := New(img); err == nil {
		t.Error("New with frame size 0 succeeded, want error")
	}

	// Sizes that would overflow the memory check must fail cleanly.
	for _, size := range []int{MaxFrameSize + 1, math.MaxInt64 - 2, math.MaxInt64} {
		img.FrameSize = size
		if _, err := New(img); err == nil {
			t.Errorf("New with frame size %d succeeded, want error", size)
		}
	}
	img.FrameSize = 64
	if _, err := New(img, WithMemoryWords(-1)); err == nil {
		t.Error("New with -1 words succeeded, want error")
	}
}

func TestOpcodeTable(t *testing.T) {
	seen := map[string]bool{}
	for _, o := range Opcodes() {
		info := o.Info()
		if seen[info.Name] {
			t.Errorf("duplicate opcode name %s", info.Name)
		}
		seen[info.Name] = true
		if info.Label && info.Operands != 1 {
			t.Errorf("%s: label opcode with %d operands", info.Name, info.Operands)
		}
		if o.Width() != 1+info.Operands {
			t.Errorf("%s: Width() = %d", info.Name, o.Width())
		}
	}
	if OpNull.Valid() {
		t.Error("OpNull is valid")
	}
	if got := Opcode(0x99).String(); got != "UNKNOWN_99" {
		t.Errorf("String() = %q, want UNKNOWN_99", got)
	}
}
