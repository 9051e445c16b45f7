package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of a linked image.
func (img *Image) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; lkjscript image v%d\n", img.Version))
	if img.BuildID != "" {
		sb.WriteString(fmt.Sprintf("; Build: %s\n", img.BuildID))
	}
	sb.WriteString(fmt.Sprintf("; Frame: %d slots\n", img.FrameSize))
	sb.WriteString(fmt.Sprintf("; Code: %d words at %d\n", len(img.Code), CodeBase))
	if len(img.Symbols) > 0 {
		sb.WriteString("; Functions:\n")
		for _, s := range img.Symbols {
			sb.WriteString(fmt.Sprintf(";   %-16s %6d  (%d params)\n", s.Name, s.Addr, s.Params))
		}
	}
	sb.WriteString("\n")

	for pc := 0; pc < len(img.Code); {
		addr := CodeBase + Addr(pc)
		if s, ok := img.SymbolAt(addr); ok {
			sb.WriteString(fmt.Sprintf("%s:\n", s.Name))
		}
		line, width := img.disassembleInstruction(pc)
		sb.WriteString(line)
		sb.WriteString("\n")
		pc += width
	}

	return sb.String()
}

// disassembleInstruction formats the instruction at code index pc and
// returns it with its width in words.
func (img *Image) disassembleInstruction(pc int) (string, int) {
	addr := CodeBase + Addr(pc)
	op := Opcode(img.Code[pc])
	info := op.Info()

	if !op.Valid() || pc+op.Width() > len(img.Code) {
		return fmt.Sprintf("%6d  %-12s", addr, info.Name), 1
	}
	if info.Operands == 0 {
		return fmt.Sprintf("%6d  %s", addr, info.Name), 1
	}

	operand := img.Code[pc+1]
	line := fmt.Sprintf("%6d  %-12s %d", addr, info.Name, operand)
	if info.Label {
		if s, ok := img.SymbolAt(Addr(operand)); ok {
			line += fmt.Sprintf("  ; %s", s.Name)
		}
	}
	return line, op.Width()
}
