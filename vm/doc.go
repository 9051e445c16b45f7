// Package vm implements the lkjscript virtual machine.
//
// This package contains:
//   - The opcode table shared with the compiler and linker
//   - The flat word arena (header, code, stack) with bounds-checked access
//   - The fetch-decode-execute interpreter with fixed-size call frames
//   - Byte-oriented I/O descriptors for the read/write instructions
//   - Linked program images and their CBOR encoding
//   - A disassembler for linked code
//
// Memory layout of a loaded program:
//
//	0            AddrZero   always 0; the root frame returns here
//	1            AddrIP     instruction pointer
//	2            AddrSP     stack pointer (next free word)
//	3            AddrBP     frame base pointer
//	4..          code       linked image, starting at CodeBase
//	codeEnd..    stack      frames and temporaries, growing upward
//
// A frame is three saved words (return address, caller SP, caller BP)
// followed by FrameSize local slots. Arguments pushed by the caller sit
// just below the saved words, so the last argument is at BP-4.
package vm
