package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: fetch-decode-execute over the word arena
// ---------------------------------------------------------------------------

// DivZeroValue is the result of dividing (or taking the remainder) by zero.
const DivZeroValue Word = math.MaxInt64

// cancelCheckInterval is how many instructions run between context checks.
const cancelCheckInterval = 1024

// Option configures a VM.
type Option func(*config)

type config struct {
	memoryWords int
	devices     *Devices
	maxSteps    int64
	trace       bool
}

// WithMemoryWords sets the arena size in words.
func WithMemoryWords(n int) Option {
	return func(c *config) { c.memoryWords = n }
}

// WithDevices sets the descriptor table used by read and write.
func WithDevices(d *Devices) Option {
	return func(c *config) { c.devices = d }
}

// WithMaxSteps bounds the number of executed instructions. Zero means no bound.
func WithMaxSteps(n int64) Option {
	return func(c *config) { c.maxSteps = n }
}

// WithTrace logs every executed instruction at debug level.
func WithTrace(on bool) Option {
	return func(c *config) { c.trace = on }
}

// VM executes one linked image.
type VM struct {
	mem       *Memory
	img       *Image
	frameSize Addr
	devices   *Devices
	maxSteps  int64
	trace     bool
	steps     int64
	log       commonlog.Logger
}

// New loads img into a fresh arena and prepares the root frame.
func New(img *Image, opts ...Option) (*VM, error) {
	cfg := &config{memoryWords: DefaultMemoryWords}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.devices == nil {
		cfg.devices = NewDevices()
	}
	if img.FrameSize <= 0 || img.FrameSize > MaxFrameSize {
		return nil, fmt.Errorf("vm: invalid frame size %d", img.FrameSize)
	}
	if cfg.memoryWords <= 0 || img.FrameSize > cfg.memoryWords || len(img.Code) > cfg.memoryWords {
		return nil, fmt.Errorf("vm: memory of %d words cannot hold image", cfg.memoryWords)
	}

	need := int(img.CodeEnd()) + frameHeader + img.FrameSize + 1
	if cfg.memoryWords < need {
		return nil, fmt.Errorf("vm: memory of %d words cannot hold image (need at least %d)", cfg.memoryWords, need)
	}

	v := &VM{
		mem:       NewMemory(cfg.memoryWords),
		img:       img,
		frameSize: Addr(img.FrameSize),
		devices:   cfg.devices,
		maxSteps:  cfg.maxSteps,
		trace:     cfg.trace,
		log:       commonlog.GetLogger("lkj.vm"),
	}
	copy(v.mem.words[CodeBase:], img.Code)
	if err := v.Reset(); err != nil {
		return nil, err
	}
	v.log.Debugf("loaded image %s: %d code words, frame size %d, memory %d words",
		img.BuildID, len(img.Code), img.FrameSize, cfg.memoryWords)
	return v, nil
}

// Run loads and executes img in one step.
func Run(ctx context.Context, img *Image, opts ...Option) (Word, error) {
	v, err := New(img, opts...)
	if err != nil {
		return 0, err
	}
	return v.ExecuteContext(ctx)
}

// Reset rebuilds the root frame just past the code and points IP at CodeBase.
// The root frame returns to AddrZero with a saved BP of 0, which ends execution.
func (v *VM) Reset() error {
	base := v.img.CodeEnd()
	v.mem.words[base] = Word(AddrZero)
	v.mem.words[base+1] = Word(base)
	v.mem.words[base+2] = 0

	bp := base + frameHeader
	if err := v.mem.Clear(bp, int(v.frameSize)); err != nil {
		return err
	}
	v.setReg(AddrBP, bp)
	v.setReg(AddrSP, bp+v.frameSize)
	v.setReg(AddrIP, CodeBase)
	v.steps = 0
	return nil
}

// Memory returns the arena.
func (v *VM) Memory() *Memory {
	return v.mem
}

// Image returns the loaded image.
func (v *VM) Image() *Image {
	return v.img
}

// Steps returns the number of instructions executed since the last Reset.
func (v *VM) Steps() int64 {
	return v.steps
}

// Registers returns the current instruction, stack and base pointers.
func (v *VM) Registers() (ip, sp, bp Addr) {
	return v.reg(AddrIP), v.reg(AddrSP), v.reg(AddrBP)
}

func (v *VM) reg(a Addr) Addr {
	return Addr(v.mem.words[a])
}

func (v *VM) setReg(a Addr, val Addr) {
	v.mem.words[a] = Word(val)
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (v *VM) push(w Word) error {
	sp := v.reg(AddrSP)
	if !v.mem.Contains(sp) {
		return &Fault{Errno: StackOverflow, Addr: sp}
	}
	v.mem.words[sp] = w
	v.setReg(AddrSP, sp+1)
	return nil
}

func (v *VM) pop() (Word, error) {
	sp := v.reg(AddrSP) - 1
	if sp < v.reg(AddrBP)+v.frameSize || !v.mem.Contains(sp) {
		return 0, &Fault{Errno: StackUnderflow, Addr: sp}
	}
	v.setReg(AddrSP, sp)
	return v.mem.words[sp], nil
}

func (v *VM) pop2() (a, b Word, err error) {
	if b, err = v.pop(); err != nil {
		return 0, 0, err
	}
	if a, err = v.pop(); err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (v *VM) fetch() (Word, error) {
	ip := v.reg(AddrIP)
	w, err := v.mem.Load(ip)
	if err != nil {
		return 0, err
	}
	v.setReg(AddrIP, ip+1)
	return w, nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs until the root frame returns or a fault occurs. It returns the
// value returned by the top-level program.
func (v *VM) Execute() (Word, error) {
	return v.ExecuteContext(context.Background())
}

// ExecuteContext is Execute with cancellation.
func (v *VM) ExecuteContext(ctx context.Context) (Word, error) {
	for {
		if v.steps%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, &Fault{Errno: Cancelled, IP: v.reg(AddrIP), Err: err}
			}
		}
		if v.maxSteps > 0 && v.steps >= v.maxSteps {
			return 0, &Fault{Errno: StepLimit, IP: v.reg(AddrIP)}
		}
		v.steps++

		ip := v.reg(AddrIP)
		w, err := v.fetch()
		if err != nil {
			return 0, v.locate(err, ip, OpNull)
		}
		op := Opcode(w)
		if v.trace {
			v.log.Debugf("%8d %-10s sp=%d bp=%d", ip, op, v.reg(AddrSP), v.reg(AddrBP))
		}

		result, done, err := v.step(op)
		if err != nil {
			return 0, v.locate(err, ip, op)
		}
		if done {
			v.log.Debugf("program returned %d after %d steps", result, v.steps)
			return result, nil
		}
	}
}

// locate fills the faulting instruction into err.
func (v *VM) locate(err error, ip Addr, op Opcode) error {
	if f, ok := AsFault(err); ok {
		f.IP = ip
		f.Op = op
		return f
	}
	return err
}

// step executes one decoded instruction. done is set when the root frame
// has returned.
func (v *VM) step(op Opcode) (Word, bool, error) {
	switch op {
	case OpNop:
		return 0, false, nil

	case OpPushConst:
		w, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(w)

	case OpPushLocal:
		off, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		w, err := v.mem.Load(v.reg(AddrBP) + Addr(off))
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(w)

	case OpPushAddr:
		off, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(Word(v.reg(AddrBP) + Addr(off)))

	case OpDeref:
		a, err := v.pop()
		if err != nil {
			return 0, false, err
		}
		w, err := v.mem.Load(Addr(a))
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(w)

	case OpAssign:
		a, val, err := v.pop2()
		if err != nil {
			return 0, false, err
		}
		if err := v.mem.Store(Addr(a), val); err != nil {
			return 0, false, err
		}
		return 0, false, v.push(val)

	case OpPop:
		_, err := v.pop()
		return 0, false, err

	case OpJmp:
		target, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		v.setReg(AddrIP, Addr(target))
		return 0, false, nil

	case OpJz:
		target, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		c, err := v.pop()
		if err != nil {
			return 0, false, err
		}
		if c == 0 {
			v.setReg(AddrIP, Addr(target))
		}
		return 0, false, nil

	case OpCall:
		target, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.call(Addr(target))

	case OpReturn:
		argc, err := v.fetch()
		if err != nil {
			return 0, false, err
		}
		return v.ret(Addr(argc))

	case OpNot:
		a, err := v.pop()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(truth(a == 0))

	case OpBitNot:
		a, err := v.pop()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(^a)

	case OpRead:
		return 0, false, v.read()

	case OpWrite:
		return 0, false, v.write()
	}

	if fn, ok := binaryOps[op]; ok {
		a, b, err := v.pop2()
		if err != nil {
			return 0, false, err
		}
		return 0, false, v.push(fn(a, b))
	}

	return 0, false, &Fault{Errno: IllegalInstruction}
}

// call pushes a frame at SP and transfers control to target.
func (v *VM) call(target Addr) error {
	sp := v.reg(AddrSP)
	bp := sp + frameHeader
	if !v.mem.Contains(bp + v.frameSize) {
		return &Fault{Errno: StackOverflow, Addr: bp + v.frameSize}
	}
	v.mem.words[sp] = Word(v.reg(AddrIP))
	v.mem.words[sp+1] = Word(sp)
	v.mem.words[sp+2] = Word(v.reg(AddrBP))
	if err := v.mem.Clear(bp, int(v.frameSize)); err != nil {
		return err
	}
	v.setReg(AddrBP, bp)
	v.setReg(AddrSP, bp+v.frameSize)
	v.setReg(AddrIP, target)
	return nil
}

// ret pops the result, restores the caller's registers, drops argc argument
// words and pushes the result back.
func (v *VM) ret(argc Addr) (Word, bool, error) {
	result, err := v.pop()
	if err != nil {
		return 0, false, err
	}
	bp := v.reg(AddrBP)
	retAddr, err := v.mem.Load(bp - 3)
	if err != nil {
		return 0, false, err
	}
	savedSP, err := v.mem.Load(bp - 2)
	if err != nil {
		return 0, false, err
	}
	savedBP, err := v.mem.Load(bp - 1)
	if err != nil {
		return 0, false, err
	}

	v.setReg(AddrIP, Addr(retAddr))
	v.setReg(AddrBP, Addr(savedBP))
	v.setReg(AddrSP, Addr(savedSP)-argc)
	if err := v.push(result); err != nil {
		return 0, false, err
	}
	if Addr(retAddr) == AddrZero && savedBP == 0 {
		return result, true, nil
	}
	return 0, false, nil
}

func (v *VM) read() error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	fd, err := v.pop()
	if err != nil {
		return err
	}
	b, err := v.devices.Get(fd)
	switch {
	case errors.Is(err, io.EOF):
		return v.push(0)
	case err != nil:
		v.log.Debugf("read: %s", err)
		return v.push(-1)
	}
	if err := v.mem.Store(Addr(a), Word(b)); err != nil {
		return err
	}
	return v.push(1)
}

func (v *VM) write() error {
	fd, b, err := v.pop2()
	if err != nil {
		return err
	}
	if err := v.devices.Put(fd, byte(b)); err != nil {
		v.log.Debugf("write: %s", err)
		return v.push(-1)
	}
	return v.push(1)
}

// ---------------------------------------------------------------------------
// Binary operators
// ---------------------------------------------------------------------------

func truth(b bool) Word {
	if b {
		return 1
	}
	return 0
}

var binaryOps = map[Opcode]func(a, b Word) Word{
	OpAdd: func(a, b Word) Word { return a + b },
	OpSub: func(a, b Word) Word { return a - b },
	OpMul: func(a, b Word) Word { return a * b },
	OpDiv: func(a, b Word) Word {
		if b == 0 {
			return DivZeroValue
		}
		return a / b
	},
	OpMod: func(a, b Word) Word {
		if b == 0 {
			return DivZeroValue
		}
		return a % b
	},
	OpShl: func(a, b Word) Word { return a << (uint64(b) & 63) },
	OpShr: func(a, b Word) Word { return a >> (uint64(b) & 63) },

	OpEq:  func(a, b Word) Word { return truth(a == b) },
	OpNe:  func(a, b Word) Word { return truth(a != b) },
	OpLt:  func(a, b Word) Word { return truth(a < b) },
	OpLe:  func(a, b Word) Word { return truth(a <= b) },
	OpGt:  func(a, b Word) Word { return truth(a > b) },
	OpGe:  func(a, b Word) Word { return truth(a >= b) },
	OpAnd: func(a, b Word) Word { return truth(a != 0 && b != 0) },
	OpOr:  func(a, b Word) Word { return truth(a != 0 || b != 0) },

	OpBitAnd: func(a, b Word) Word { return a & b },
	OpBitOr:  func(a, b Word) Word { return a | b },
	OpBitXor: func(a, b Word) Word { return a ^ b },
}
