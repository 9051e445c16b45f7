package vm

// ---------------------------------------------------------------------------
// Memory: the unified word arena
// ---------------------------------------------------------------------------

// Word is the single value type of the language and the memory cell size.
type Word = int64

// Addr is an index into the memory arena.
type Addr int64

// Fixed global header slots.
const (
	AddrZero Addr = iota // constant 0
	AddrIP               // instruction pointer
	AddrSP               // stack pointer
	AddrBP               // frame base pointer

	// CodeBase is the address of the first code word.
	CodeBase
)

// frameHeader is the number of saved words below each frame base.
const frameHeader = 3

// DefaultMemoryWords is 16 MiB of words.
const DefaultMemoryWords = 16 * 1024 * 1024 / 8

// DefaultFrameSize is the default number of local slots per frame.
const DefaultFrameSize = 64

// MaxFrameSize bounds the local slots per frame.
const MaxFrameSize = 1 << 16

// Memory is a fixed-size arena of words. Every access is bounds-checked.
type Memory struct {
	words []Word
}

// NewMemory allocates an arena of n words.
func NewMemory(n int) *Memory {
	return &Memory{words: make([]Word, n)}
}

// Len returns the number of words in the arena.
func (m *Memory) Len() int {
	return len(m.words)
}

// Contains reports whether a is a valid address.
func (m *Memory) Contains(a Addr) bool {
	return a >= 0 && int64(a) < int64(len(m.words))
}

// Load returns the word at a.
func (m *Memory) Load(a Addr) (Word, error) {
	if !m.Contains(a) {
		return 0, &Fault{Errno: IllegalAddress, Addr: a}
	}
	return m.words[a], nil
}

// Store writes w at a.
func (m *Memory) Store(a Addr, w Word) error {
	if !m.Contains(a) {
		return &Fault{Errno: IllegalAddress, Addr: a}
	}
	m.words[a] = w
	return nil
}

// Clear zeroes n words starting at a.
func (m *Memory) Clear(a Addr, n int) error {
	end := a + Addr(n)
	if n < 0 || end < a || !m.Contains(a) || end > Addr(len(m.words)) {
		return &Fault{Errno: StackOverflow, Addr: end}
	}
	clear(m.words[a:end])
	return nil
}

// Slice returns a copy of the words in [from, to).
func (m *Memory) Slice(from, to Addr) []Word {
	if from < 0 {
		from = 0
	}
	if to > Addr(len(m.words)) {
		to = Addr(len(m.words))
	}
	if from >= to {
		return nil
	}
	out := make([]Word, to-from)
	copy(out, m.words[from:to])
	return out
}
