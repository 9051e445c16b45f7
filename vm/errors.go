package vm

import (
	"errors"
	"fmt"
)

// List of VM traps for Errno
const (
	IllegalInstruction = Errno(iota + 1)
	IllegalAddress
	StackOverflow
	StackUnderflow
	StepLimit
	Cancelled
)

var strError = []string{
	"",
	"illegal instruction",
	"illegal address",
	"stack overflow",
	"stack underflow",
	"step limit exceeded",
	"execution cancelled",
}

// Errno describes the reason for a VM trap.
type Errno int

func (e Errno) Error() string {
	if e <= 0 || int(e) >= len(strError) {
		return fmt.Sprintf("errno %d", int(e))
	}
	return strError[e]
}

// Fault describes the cause and the context of a VM trap.
type Fault struct {
	Errno Errno  // nature of the trap
	IP    Addr   // address of the faulting instruction
	Op    Opcode // instruction that raised the trap
	Addr  Addr   // offending address for IllegalAddress and StackOverflow
	Err   error  // underlying error for Cancelled
}

func (f *Fault) Error() string {
	msg := "lkj: " + f.Errno.Error()
	switch f.Errno {
	case IllegalInstruction:
		msg += fmt.Sprintf(" %d", Word(f.Op))
	case IllegalAddress, StackOverflow:
		msg += fmt.Sprintf(" at address %d", f.Addr)
	case Cancelled:
		if f.Err != nil {
			msg += ": " + f.Err.Error()
		}
	}
	return msg + fmt.Sprintf(" (ip=%d)", f.IP)
}

// Unwrap lets errors.Is match both the Errno and the cancellation cause.
func (f *Fault) Unwrap() []error {
	if f.Err != nil {
		return []error{f.Errno, f.Err}
	}
	return []error{f.Errno}
}

// AsFault extracts the *Fault from err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
